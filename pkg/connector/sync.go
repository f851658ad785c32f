// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

// syncLoop runs the /sync long poll that keeps the crypto machine up to
// date. The poll reads the client's access token without tokenLock, so it
// must be stopped before credentials are replaced.
type syncLoop struct {
	client *mautrix.Client
	log    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSyncLoop(client *mautrix.Client, log zerolog.Logger) *syncLoop {
	return &syncLoop{
		client: client,
		log:    log.With().Str("component", "sync").Logger(),
	}
}

// start launches the loop unless it is already running. A loop that ended
// on its own, e.g. after the token was invalidated, is started again.
func (s *syncLoop) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		s.log.Debug().Msg("Sync loop started")
		err := s.client.SyncWithContext(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.log.Debug().Msg("Sync loop stopped")
		case errors.Is(err, mautrix.MUnknownToken):
			s.log.Warn().Err(err).Msg("Sync loop stopped until the next login")
		default:
			s.log.Error().Err(err).Msg("Sync loop stopped")
		}
	}()
}

// stop cancels the loop and waits for it to return.
func (s *syncLoop) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// running reports whether the loop goroutine is still alive.
func (s *syncLoop) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
