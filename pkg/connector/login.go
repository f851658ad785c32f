// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/nim65s/matrix-webhook/pkg/session"
)

// DeviceDisplayName is the name shown for the bot's device in Matrix clients.
const DeviceDisplayName = "matrix-webhook"

// Login establishes the session at startup. A persisted credential is
// restored without contacting the homeserver; otherwise the configured
// access token or password is used. Transport failures are retried like
// join and send.
func (c *Client) Login(ctx context.Context) error {
	maxAttempts := c.Config.maxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return notRespondingError(err)
		}
		err := c.refresh(ctx, "")
		if err == nil {
			return nil
		}
		lastErr = err
		derr, retry := c.loginFailure(ctx, err)
		if !retry {
			return derr
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Login failed, trying again")
	}
	return notRespondingError(lastErr)
}

// authenticate performs one login attempt along the best available path.
func (c *Client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	cred := c.cred
	rejected := c.rejectedToken
	c.mu.Unlock()

	switch {
	case cred.Exists && cred.AccessToken != "" && cred.AccessToken != rejected:
		return c.restoreLogin(ctx, cred)
	case c.Config.Password == "" && c.Config.AccessToken != "" && c.Config.AccessToken != rejected:
		return c.tokenLogin(ctx)
	case c.Config.Password != "":
		return c.passwordLogin(ctx, id.DeviceID(cred.DeviceID))
	default:
		return &DeliveryError{
			Status:  http.StatusUnauthorized,
			Message: "Access token rejected and no password configured",
			ErrCode: ErrCodeUnknownToken,
			Err:     ErrNoCredentials,
		}
	}
}

// restoreLogin installs a persisted credential. The token is only checked
// by the next request that uses it.
func (c *Client) restoreLogin(ctx context.Context, cred session.Credential) error {
	c.log.Info().
		Stringer("user_id", c.client.UserID).
		Str("device_id", cred.DeviceID).
		Msg("Restoring login from session storage")
	c.install(cred.AccessToken, id.DeviceID(cred.DeviceID))
	if err := c.initCrypto(ctx); err != nil {
		return err
	}
	c.setConnected(cred)
	return nil
}

// tokenLogin uses a configured access token. There is no password to fall
// back on, so the credential is not persisted.
func (c *Client) tokenLogin(ctx context.Context) error {
	c.log.Info().
		Stringer("user_id", c.client.UserID).
		Str("homeserver", c.Config.HomeserverURL).
		Msg("Logging in with configured access token")
	c.install(c.Config.AccessToken, "")

	c.tokenLock.RLock()
	resp, err := c.client.Whoami(ctx)
	c.tokenLock.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to check access token: %w", err)
	}
	c.install(c.Config.AccessToken, resp.DeviceID)
	if err := c.initCrypto(ctx); err != nil {
		return err
	}
	c.setConnected(session.Credential{
		AccessToken: c.Config.AccessToken,
		DeviceID:    string(resp.DeviceID),
		Encryption:  c.Config.Encryption,
	})
	return nil
}

// passwordLogin performs a password login, reusing deviceID when known so
// the bot keeps one device across re-logins.
func (c *Client) passwordLogin(ctx context.Context, deviceID id.DeviceID) error {
	c.log.Info().
		Stringer("user_id", c.client.UserID).
		Str("homeserver", c.Config.HomeserverURL).
		Stringer("device_id", deviceID).
		Msg("Logging in with password")

	c.tokenLock.RLock()
	resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.client.UserID.String(),
		},
		Password:                 c.Config.Password,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: c.Config.deviceName(),
	})
	c.tokenLock.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	cred := session.Credential{
		AccessToken: resp.AccessToken,
		DeviceID:    string(resp.DeviceID),
		Encryption:  c.Config.Encryption,
		Exists:      true,
	}
	if err := c.store.Write(cred); err != nil {
		return &DeliveryError{Status: http.StatusInternalServerError, Message: "Failed to store session", Err: err}
	}
	c.install(resp.AccessToken, resp.DeviceID)
	if err := c.initCrypto(ctx); err != nil {
		return err
	}
	c.setConnected(cred)
	c.log.Info().Stringer("device_id", resp.DeviceID).Msg("Logged in")
	return nil
}

func (c *Client) install(token string, deviceID id.DeviceID) {
	c.tokenLock.Lock()
	c.client.AccessToken = token
	if deviceID != "" {
		c.client.DeviceID = deviceID
	}
	c.tokenLock.Unlock()
}

func (c *Client) setConnected(cred session.Credential) {
	c.mu.Lock()
	c.cred = cred
	c.state = StateConnected
	c.mu.Unlock()
}
