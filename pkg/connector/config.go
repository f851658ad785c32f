// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"net/url"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

// Config holds the Matrix side of the webhook configuration.
type Config struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	Password      string `yaml:"password"`
	// AccessToken is used instead of a password login when no password is
	// set. It is never written to session storage.
	AccessToken     string `yaml:"access_token"`
	StorageLocation string `yaml:"storage_location"`

	Encryption  bool   `yaml:"encryption"`
	KeyPassword string `yaml:"key_password"`
	PickleKey   string `yaml:"pickle_key"`

	DeviceName  string `yaml:"device_name"`
	MaxAttempts int    `yaml:"max_attempts"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess normalizes the configuration and checks required fields.
func (c *Config) PostProcess() error {
	c.HomeserverURL = strings.TrimRight(strings.TrimSpace(c.HomeserverURL), "/")
	if c.HomeserverURL == "" {
		return errors.New("matrix homeserver URL is required")
	}
	parsed, err := url.Parse(c.HomeserverURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("matrix homeserver URL must be an absolute http(s) URL")
	}
	if c.UserID == "" {
		return errors.New("matrix user ID is required")
	}
	if c.Password == "" && c.AccessToken == "" {
		return ErrNoCredentials
	}
	if c.StorageLocation == "" {
		c.StorageLocation = "./data"
	}
	if c.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	return nil
}

func (c *Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c *Config) deviceName() string {
	if c.DeviceName == "" {
		return DeviceDisplayName
	}
	return c.DeviceName
}

func (c *Config) pickleKey() string {
	if c.PickleKey == "" {
		return "matrix-webhook"
	}
	return c.PickleKey
}

// UpgradeConfig copies the matrix block of a user config onto the base
// document.
func UpgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "password")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str, "matrix", "storage_location")
	helper.Copy(up.Bool, "matrix", "encryption")
	helper.Copy(up.Str, "matrix", "key_password")
	helper.Copy(up.Str, "matrix", "pickle_key")
	helper.Copy(up.Str, "matrix", "device_name")
	helper.Copy(up.Int, "matrix", "max_attempts")
}
