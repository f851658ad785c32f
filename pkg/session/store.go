// Copyright 2024-2026 Aiku AI

// Package session persists the Matrix credential of the webhook bot between
// restarts.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileName is the name of the credential record inside the storage location.
const FileName = "data.json"

// Credential is the persisted login state of the bot.
type Credential struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	Encryption  bool   `json:"encryption"`

	// Exists is true when the credential was read from disk.
	Exists bool `json:"-"`
}

// Store reads and writes the credential record at <location>/data.json.
type Store struct {
	location string
	filename string
}

// New creates the storage directory if needed and returns a Store rooted there.
func New(location string) (*Store, error) {
	if location == "" {
		return nil, errors.New("session storage location is empty")
	}
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session storage directory: %w", err)
	}
	return &Store{
		location: location,
		filename: filepath.Join(location, FileName),
	}, nil
}

// Location returns the storage directory. The crypto store and key import
// file live next to the credential record.
func (s *Store) Location() string {
	return s.location
}

// Path returns the full path of the credential record.
func (s *Store) Path() string {
	return s.filename
}

// Exists reports whether a credential record is present.
func (s *Store) Exists() (bool, error) {
	_, err := os.Stat(s.filename)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat session file: %w", err)
}

// Read returns the stored credential. A missing record yields a zero
// Credential with Exists set to false.
func (s *Store) Read() (Credential, error) {
	data, err := os.ReadFile(s.filename)
	if errors.Is(err, fs.ErrNotExist) {
		return Credential{}, nil
	} else if err != nil {
		return Credential{}, fmt.Errorf("failed to read session file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("failed to parse session file %s: %w", s.filename, err)
	}
	cred.Exists = true
	return cred, nil
}

// Write atomically replaces the credential record. A crash mid-write leaves
// either the old record or the new one, never a truncated file.
func (s *Store) Write(cred Credential) error {
	data, err := json.Marshal(&cred)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	file, err := os.CreateTemp(s.location, ".data-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary session file: %w", err)
	}
	tmpPath := file.Name()
	if err := file.Chmod(0o600); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary session file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary session file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary session file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary session file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filename); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move session file into place: %w", err)
	}

	// Flush the rename itself.
	if dir, err := os.Open(s.location); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
