// Copyright 2024-2026 Aiku AI

package main

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/nim65s/matrix-webhook/pkg/connector"
	"github.com/nim65s/matrix-webhook/pkg/webhook"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the complete process configuration.
type Config struct {
	Server  webhook.ServerConfig `yaml:"server"`
	APIKey  string               `yaml:"api_key"`
	Matrix  connector.Config     `yaml:"matrix"`
	Logging zeroconfig.Config    `yaml:"logging"`
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"api_key"},
		{"matrix"},
		{"logging"},
	},
	Base: ExampleConfig,
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "host")
	helper.Copy(up.Int, "server", "port")
	helper.Copy(up.Str, "server", "path")
	helper.Copy(up.Int, "server", "max_body_size")
	helper.Copy(up.Str, "server", "request_timeout")
	helper.Copy(up.Str, "api_key")
	connector.UpgradeConfig(helper)
	helper.Copy(up.Map, "logging")
}

// LoadConfig builds the configuration from the embedded defaults, the
// optional config file and the environment, in increasing precedence.
func LoadConfig(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	source := []byte(ExampleConfig)
	if path != "" {
		merged, _, err := up.Do(path, false, configUpgrader)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		source = merged
	}
	var cfg Config
	if err := yaml.Unmarshal(source, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	str := func(name string, target *string) {
		if v, ok := lookupEnv(name); ok {
			*target = v
		}
	}
	str("HOST", &c.Server.Host)
	str("SERVER_PATH", &c.Server.Path)
	str("MATRIX_URL", &c.Matrix.HomeserverURL)
	str("MATRIX_ID", &c.Matrix.UserID)
	str("MATRIX_PW", &c.Matrix.Password)
	str("MATRIX_TOKEN", &c.Matrix.AccessToken)
	str("API_KEY", &c.APIKey)
	str("STORAGE_LOCATION", &c.Matrix.StorageLocation)
	str("KEY_PASSWORD", &c.Matrix.KeyPassword)

	if v, ok := lookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookupEnv("E2E"); ok {
		c.Matrix.Encryption = parseBoolish(v)
	}
	return nil
}

// parseBoolish treats any value other than empty, 0, false, no and off as
// true.
func parseBoolish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// Validate checks required settings and normalizes the Matrix block.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.Server.Path == "" && (c.Server.Port < 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.MaxBodySize < 0 {
		return errors.New("max_body_size must not be negative")
	}
	if c.Server.RequestTimeout < 0 {
		return errors.New("request_timeout must not be negative")
	}
	if err := c.Matrix.PostProcess(); err != nil {
		return fmt.Errorf("invalid matrix config: %w", err)
	}
	return nil
}
