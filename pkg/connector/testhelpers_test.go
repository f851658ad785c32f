// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nim65s/matrix-webhook/pkg/session"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
	Token  string
}

// matrixError is a canned Matrix error response.
type matrixError struct {
	Status  int
	ErrCode string
	Err     string
}

// fakeHomeserver wraps an httptest.Server simulating the parts of the Matrix
// client-server API the bot uses. It records calls and provides canned
// responses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Password accepted by the login endpoint.
	Password string
	// DeviceID assigned when a login does not ask for one.
	DeviceID string
	// JoinErrors maps a room (ID or alias) to the error its join returns.
	JoinErrors map[string]matrixError
	// SendErrors maps a room ID to the error its send returns.
	SendErrors map[string]matrixError
	// Aliases maps room aliases to the room ID a join resolves them to.
	Aliases map[string]string
	// DropJoins and DropSends close the connection of that many upcoming
	// requests without answering.
	DropJoins int
	DropSends int

	tokens   map[string]bool
	logins   int
	tokenSeq int
	eventSeq int
	batchSeq int
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		Password:   "secret",
		DeviceID:   "FAKEDEVICE",
		JoinErrors: make(map[string]matrixError),
		SendErrors: make(map[string]matrixError),
		Aliases:    make(map[string]string),
		tokens:     make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) URL() string {
	return f.Server.URL
}

// AddToken registers a token as valid, as if issued by an earlier login.
func (f *fakeHomeserver) AddToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
}

// InvalidateTokens makes every issued token answer M_UNKNOWN_TOKEN.
func (f *fakeHomeserver) InvalidateTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]bool)
}

func (f *fakeHomeserver) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the calls whose path contains fragment.
func (f *fakeHomeserver) CallsTo(fragment string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, fragment) {
			out = append(out, c)
		}
	}
	return out
}

func writeMatrixError(w http.ResponseWriter, e matrixError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": e.ErrCode, "error": e.Err})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	path := r.URL.Path

	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: path, Body: string(body), Token: token})
	f.mu.Unlock()

	if r.Method == http.MethodPost && path == "/_matrix/client/v3/login" {
		f.handleLogin(w, body)
		return
	}

	f.mu.Lock()
	valid := f.tokens[token]
	f.mu.Unlock()
	if !valid {
		writeMatrixError(w, matrixError{Status: http.StatusUnauthorized, ErrCode: "M_UNKNOWN_TOKEN", Err: "Invalid access token passed."})
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "/_matrix/client/v3/account/whoami":
		writeJSON(w, map[string]string{"user_id": "@bot:localhost", "device_id": f.DeviceID})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/_matrix/client/v3/join/"):
		room := strings.TrimPrefix(path, "/_matrix/client/v3/join/")
		f.mu.Lock()
		drop := f.DropJoins > 0
		if drop {
			f.DropJoins--
		}
		joinErr, failed := f.JoinErrors[room]
		roomID, isAlias := f.Aliases[room]
		f.mu.Unlock()
		if drop {
			dropConnection(w)
			return
		}
		if failed {
			writeMatrixError(w, joinErr)
			return
		}
		if !isAlias {
			roomID = room
		}
		writeJSON(w, map[string]string{"room_id": roomID})

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && strings.Contains(path, "/send/m.room.message/"):
		room := strings.TrimPrefix(path, "/_matrix/client/v3/rooms/")
		room = room[:strings.Index(room, "/send/")]
		f.mu.Lock()
		drop := f.DropSends > 0
		if drop {
			f.DropSends--
		}
		sendErr, failed := f.SendErrors[room]
		f.eventSeq++
		eventID := fmt.Sprintf("$event%d", f.eventSeq)
		f.mu.Unlock()
		if drop {
			dropConnection(w)
			return
		}
		if failed {
			writeMatrixError(w, sendErr)
			return
		}
		writeJSON(w, map[string]string{"event_id": eventID})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/filter"):
		writeJSON(w, map[string]string{"filter_id": "1"})

	case r.Method == http.MethodGet && path == "/_matrix/client/v3/sync":
		// Hold the long poll briefly so the loop does not spin.
		select {
		case <-r.Context().Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		f.mu.Lock()
		f.batchSeq++
		batch := fmt.Sprintf("s%d", f.batchSeq)
		f.mu.Unlock()
		writeJSON(w, map[string]string{"next_batch": batch})

	default:
		writeMatrixError(w, matrixError{Status: http.StatusNotFound, ErrCode: "M_UNRECOGNIZED", Err: "Unrecognized request"})
	}
}

func (f *fakeHomeserver) handleLogin(w http.ResponseWriter, body []byte) {
	var req struct {
		Type       string `json:"type"`
		Identifier struct {
			Type string `json:"type"`
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeMatrixError(w, matrixError{Status: http.StatusBadRequest, ErrCode: "M_NOT_JSON", Err: "Content not JSON."})
		return
	}
	if req.Type != "m.login.password" || req.Password != f.Password {
		writeMatrixError(w, matrixError{Status: http.StatusForbidden, ErrCode: "M_FORBIDDEN", Err: "Invalid username or password"})
		return
	}

	f.mu.Lock()
	f.logins++
	f.tokenSeq++
	token := fmt.Sprintf("syt_token_%d", f.tokenSeq)
	f.tokens[token] = true
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = f.DeviceID
	}
	f.mu.Unlock()

	writeJSON(w, map[string]string{
		"access_token": token,
		"device_id":    deviceID,
		"user_id":      req.Identifier.User,
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newTestClient builds a Client talking to fake, with session storage in a
// temporary directory.
func newTestClient(t *testing.T, fake *fakeHomeserver, mutate func(*Config)) (*Client, *session.Store) {
	t.Helper()
	store, err := session.New(t.TempDir())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return newTestClientWithStore(t, fake, store, mutate), store
}

func newTestClientWithStore(t *testing.T, fake *fakeHomeserver, store *session.Store, mutate func(*Config)) *Client {
	t.Helper()
	cfg := &Config{
		HomeserverURL:   fake.URL(),
		UserID:          "@bot:localhost",
		Password:        "secret",
		StorageLocation: store.Location(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	client, err := NewClient(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
