// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

type cliFlags struct {
	fs *pflag.FlagSet

	configPath  string
	verbose     int
	showVersion bool

	host            string
	port            int
	serverPath      string
	matrixURL       string
	matrixID        string
	matrixPassword  string
	matrixToken     string
	apiKey          string
	storageLocation string
	encryption      bool
	keyPassword     string
}

func parseFlags(args []string, output io.Writer) (*cliFlags, error) {
	f := &cliFlags{fs: pflag.NewFlagSet("matrix-webhook", pflag.ContinueOnError)}
	fs := f.fs
	fs.SetOutput(output)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	fs.CountVarP(&f.verbose, "verbose", "v", "increase log verbosity (-v debug, -vv trace)")
	fs.BoolVar(&f.showVersion, "version", false, "print the version and exit")

	fs.StringVarP(&f.host, "host", "H", "", "host to listen on (env HOST)")
	fs.IntVarP(&f.port, "port", "P", 0, "port to listen on (env PORT, default 4785)")
	fs.StringVarP(&f.serverPath, "server-path", "s", "", "UNIX socket to listen on instead of TCP (env SERVER_PATH)")
	fs.StringVarP(&f.matrixURL, "matrix-url", "u", "", "Matrix homeserver URL (env MATRIX_URL, default https://matrix.org)")
	fs.StringVarP(&f.matrixID, "matrix-id", "i", "", "Matrix user ID (env MATRIX_ID)")
	fs.StringVarP(&f.matrixPassword, "matrix-pw", "p", "", "Matrix password (env MATRIX_PW)")
	fs.StringVarP(&f.matrixToken, "matrix-token", "t", "", "Matrix access token, used when no password is set (env MATRIX_TOKEN)")
	fs.StringVarP(&f.apiKey, "api-key", "k", "", "shared secret webhook senders must present (env API_KEY)")
	fs.StringVarP(&f.storageLocation, "storage-location", "l", "", "directory for session and crypto state (env STORAGE_LOCATION, default ./data)")
	fs.BoolVarP(&f.encryption, "e2e", "e", false, "enable end-to-end encryption (env E2E)")
	fs.StringVar(&f.keyPassword, "key-password", "", "passphrase of the room key export to import (env KEY_PASSWORD)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

// apply overrides config values with the flags given on the command line.
func (f *cliFlags) apply(cfg *Config) {
	set := f.fs.Changed
	if set("host") {
		cfg.Server.Host = f.host
	}
	if set("port") {
		cfg.Server.Port = f.port
	}
	if set("server-path") {
		cfg.Server.Path = f.serverPath
	}
	if set("matrix-url") {
		cfg.Matrix.HomeserverURL = f.matrixURL
	}
	if set("matrix-id") {
		cfg.Matrix.UserID = f.matrixID
	}
	if set("matrix-pw") {
		cfg.Matrix.Password = f.matrixPassword
	}
	if set("matrix-token") {
		cfg.Matrix.AccessToken = f.matrixToken
	}
	if set("api-key") {
		cfg.APIKey = f.apiKey
	}
	if set("storage-location") {
		cfg.Matrix.StorageLocation = f.storageLocation
	}
	if set("e2e") {
		cfg.Matrix.Encryption = f.encryption
	}
	if set("key-password") {
		cfg.Matrix.KeyPassword = f.keyPassword
	}
}
