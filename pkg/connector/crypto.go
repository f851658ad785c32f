// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

const (
	// CryptoDatabaseName is the SQLite file holding Olm/Megolm state.
	CryptoDatabaseName = "crypto.db"
	// KeyExportName is the room key export (as produced by Element) that is
	// imported once the crypto machine is ready.
	KeyExportName = "element-keys.txt"
)

type cryptoState struct {
	helper *cryptohelper.CryptoHelper
	db     *dbutil.Database

	closeOnce sync.Once
}

// keyImporter imports a passphrase-protected room key export.
type keyImporter interface {
	ImportKeys(ctx context.Context, passphrase string, data []byte) (int, int, error)
}

// initCrypto prepares end-to-end encryption after credentials have been
// installed. It is a no-op when encryption is disabled or already set up.
// The sync loop it needs is started by refresh once the login completes.
func (c *Client) initCrypto(ctx context.Context) error {
	if !c.Config.Encryption || c.crypto != nil {
		return nil
	}
	log := c.log.With().Str("component", "crypto").Logger()
	location := c.store.Location()

	db, err := dbutil.NewWithDialect(filepath.Join(location, CryptoDatabaseName), "sqlite3")
	if err != nil {
		return &DeliveryError{Status: http.StatusInternalServerError, Message: "Failed to open crypto store", Err: err}
	}
	c.client.StateStore = mautrix.NewMemoryStateStore()

	helper, err := cryptohelper.NewCryptoHelper(c.client, []byte(c.Config.pickleKey()), db)
	if err != nil {
		_ = db.Close()
		return &DeliveryError{Status: http.StatusInternalServerError, Message: "Failed to create crypto helper", Err: err}
	}
	// Init uploads device keys when the homeserver does not have them yet.
	c.tokenLock.RLock()
	err = helper.Init(ctx)
	c.tokenLock.RUnlock()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	c.client.Crypto = helper

	if err := importRoomKeys(ctx, helper.Machine(), filepath.Join(location, KeyExportName), c.Config.KeyPassword); err != nil {
		log.Warn().Err(err).Msg("Failed to import room keys")
	}

	if syncer, ok := c.client.Syncer.(mautrix.ExtensibleSyncer); ok {
		syncer.OnEvent(c.client.StateStoreSyncHandler)
	}
	c.syncer = newSyncLoop(c.client, c.log)
	c.crypto = &cryptoState{helper: helper, db: db}
	log.Info().Stringer("device_id", c.client.DeviceID).Msg("End-to-end encryption enabled")
	return nil
}

// importRoomKeys loads the key export at path. A missing file is not an
// error.
func importRoomKeys(ctx context.Context, importer keyImporter, path, passphrase string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read key export: %w", err)
	}
	imported, total, err := importer.ImportKeys(ctx, passphrase, data)
	if err != nil {
		return fmt.Errorf("failed to import keys from %s: %w", path, err)
	}
	if imported < total {
		return fmt.Errorf("imported %d of %d room keys", imported, total)
	}
	return nil
}

func (s *cryptoState) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.helper.Close(), s.db.Close())
	})
	return err
}
