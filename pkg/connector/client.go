// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nim65s/matrix-webhook/pkg/session"
)

// DefaultMaxAttempts is the number of tries a join or send gets before the
// homeserver is reported as not responding.
const DefaultMaxAttempts = 10

// State is the connection state of the adapter.
type State int

const (
	StateLoggedOut State = iota
	StateConnected
	StateReauthenticating
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateConnected:
		return "connected"
	case StateReauthenticating:
		return "reauthenticating"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client is the single Matrix connection shared by every webhook request.
// Join and send run concurrently while connected; logins are serialized.
type Client struct {
	Config *Config

	client *mautrix.Client
	store  *session.Store
	log    zerolog.Logger

	// tokenLock guards the access token and device ID stored on client.
	// Requests hold it for reading, credential installation for writing.
	tokenLock sync.RWMutex

	mu            sync.Mutex
	state         State
	cred          session.Credential
	rejectedToken string

	loginGroup singleflight.Group

	crypto *cryptoState
	// syncer is set once encryption is initialized. Only refresh and Close
	// start or stop it.
	syncer *syncLoop
}

// NewClient builds the adapter from configuration and the persisted
// session. It does not contact the homeserver; call Login for that.
func NewClient(cfg *Config, store *session.Store, log zerolog.Logger) (*Client, error) {
	if cfg.Password == "" && cfg.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	cred, err := store.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if cred.Exists && cred.Encryption != cfg.Encryption {
		return nil, fmt.Errorf("%w: stored=%t configured=%t", ErrEncryptionMismatch, cred.Encryption, cfg.Encryption)
	}

	userID, err := MakeUserID(cfg.UserID, cfg.HomeserverURL)
	if err != nil {
		return nil, err
	}
	cli, err := mautrix.NewClient(cfg.HomeserverURL, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.DefaultHTTPRetries = 0
	cli.Log = log.With().Str("component", "mautrix").Logger()

	return &Client{
		Config: cfg,
		client: cli,
		store:  store,
		log:    log.With().Str("component", "matrix_client").Logger(),
		state:  StateLoggedOut,
		cred:   cred,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() id.UserID {
	return c.client.UserID
}

// DeviceID returns the device ID of the current session, if any.
func (c *Client) DeviceID() id.DeviceID {
	c.tokenLock.RLock()
	defer c.tokenLock.RUnlock()
	return c.client.DeviceID
}

func (c *Client) accessToken() string {
	c.tokenLock.RLock()
	defer c.tokenLock.RUnlock()
	return c.client.AccessToken
}

// JoinRoom joins a room by ID or alias and returns the room ID. Joining a
// room the bot is already in succeeds.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	roomID := id.RoomID(roomIDOrAlias)
	err := c.do(ctx, "join", func(ctx context.Context) error {
		var resp mautrix.RespJoinRoom
		_, err := c.client.MakeRequest(ctx, http.MethodPost, c.client.BuildClientURL("v3", "join", roomIDOrAlias), struct{}{}, &resp)
		if err != nil {
			return err
		}
		if resp.RoomID != "" {
			roomID = resp.RoomID
		}
		c.log.Debug().Str("room", roomIDOrAlias).Stringer("room_id", roomID).Msg("Joined room")
		return nil
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// SendMessage sends an m.room.message event. One transaction ID is used for
// every attempt so a retried send is deduplicated by the homeserver.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	txnID := c.client.TxnID()
	return c.do(ctx, "send", func(ctx context.Context) error {
		resp, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID})
		if err == nil {
			c.log.Debug().Stringer("room_id", roomID).Stringer("event_id", resp.EventID).Msg("Sent message")
		}
		return err
	})
}

// do runs op with the retry policy: transport failures are retried right
// away, an invalidated token triggers a re-login, and any other homeserver
// error ends the loop with its mapped status.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	log := c.log.With().Str("operation", op).Logger()
	maxAttempts := c.Config.maxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return notRespondingError(err)
		}
		if c.State() != StateConnected {
			if err := c.refresh(ctx, ""); err != nil {
				lastErr = err
				if derr, retry := c.loginFailure(ctx, err); !retry {
					return derr
				}
				log.Warn().Err(err).Int("attempt", attempt).Msg("Login failed, trying again")
				continue
			}
		}

		c.tokenLock.RLock()
		token := c.client.AccessToken
		err := fn(ctx)
		c.tokenLock.RUnlock()
		if err == nil {
			return nil
		}
		lastErr = err

		kind, derr := classify(ctx, err)
		switch kind {
		case kindCancelled:
			log.Debug().Err(err).Msg("Request context ended")
			return notRespondingError(err)
		case kindDomain:
			log.Debug().Err(err).Int("status", derr.Status).Msg("Homeserver rejected request")
			return derr
		case kindTokenInvalid:
			log.Info().Int("attempt", attempt).Msg("Access token rejected, logging in again")
			if err := c.refresh(ctx, token); err != nil {
				lastErr = err
				if derr, retry := c.loginFailure(ctx, err); !retry {
					return derr
				}
			}
		default:
			log.Warn().Err(err).Int("attempt", attempt).Msg("Request failed, trying again")
		}
	}
	log.Error().Err(lastErr).Int("attempts", maxAttempts).Msg("Giving up")
	return notRespondingError(lastErr)
}

// loginFailure converts a failed login into the response for the current
// request. retry is true when the login may succeed on the next attempt.
func (c *Client) loginFailure(ctx context.Context, err error) (*DeliveryError, bool) {
	var local *DeliveryError
	if errors.As(err, &local) {
		return local, false
	}
	kind, derr := classify(ctx, err)
	switch kind {
	case kindTransient:
		return nil, true
	case kindCancelled:
		return notRespondingError(err), false
	case kindTokenInvalid:
		return tokenInvalidError(err), false
	default:
		return derr, false
	}
}

// refresh logs in again unless another request already replaced stale.
// stale is empty when the caller only needs a session to exist.
func (c *Client) refresh(ctx context.Context, stale string) error {
	_, err, _ := c.loginGroup.Do("login", func() (any, error) {
		c.mu.Lock()
		if c.state == StateConnected && (stale == "" || c.accessToken() != stale) {
			c.mu.Unlock()
			return nil, nil
		}
		if stale != "" {
			c.rejectedToken = stale
			c.state = StateReauthenticating
		}
		c.mu.Unlock()

		c.stopSync()
		// Every waiting request shares this login.
		err := c.authenticate(context.WithoutCancel(ctx))
		if err != nil {
			c.mu.Lock()
			c.state = StateLoggedOut
			c.mu.Unlock()
			return nil, err
		}
		if c.syncer != nil {
			c.syncer.start()
		}
		return nil, nil
	})
	return err
}

func (c *Client) stopSync() {
	if c.syncer != nil {
		c.syncer.stop()
	}
}

// Close stops background work and releases the crypto store.
func (c *Client) Close() error {
	c.stopSync()
	var err error
	if c.crypto != nil {
		err = c.crypto.close()
	}
	c.client.Client.CloseIdleConnections()
	c.mu.Lock()
	c.state = StateLoggedOut
	c.mu.Unlock()
	c.log.Info().Msg("Matrix client closed")
	return err
}
