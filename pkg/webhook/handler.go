// Copyright 2024-2026 Aiku AI

// Package webhook receives webhook notifications over HTTP and relays them
// to Matrix rooms.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nim65s/matrix-webhook/pkg/connector"
	"github.com/nim65s/matrix-webhook/pkg/connector/matrixfmt"
	"github.com/nim65s/matrix-webhook/pkg/formatter"
)

// DefaultMaxBodySize bounds request bodies when no limit is configured.
const DefaultMaxBodySize = 10 << 20

// Response messages.
const (
	RetOK                = "OK"
	RetInvalidJSON       = "Invalid JSON"
	RetUnknownFormatter  = "Unknown formatter"
	RetInvalidDigest     = "Invalid SHA-256 HMAC digest"
	RetInvalidAPIKey     = "Invalid API key"
	RetRequestTooLarge   = "Request body too large"
	RetUnreadableRequest = "Failed to read request body"
)

// Messenger delivers messages to Matrix rooms. *connector.Client implements
// it.
type Messenger interface {
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error
}

var _ Messenger = (*connector.Client)(nil)

// Response is the JSON document every request is answered with.
type Response struct {
	Status int    `json:"status"`
	Ret    string `json:"ret"`
}

// Options configures a Handler.
type Options struct {
	APIKey string
	// MaxBodySize defaults to DefaultMaxBodySize.
	MaxBodySize int64
	// RequestTimeout bounds room join and message send. Zero means no limit.
	RequestTimeout time.Duration
}

// Handler is the webhook endpoint.
type Handler struct {
	messenger  Messenger
	formatters *formatter.Registry

	apiKey         []byte
	maxBodySize    int64
	requestTimeout time.Duration
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a handler relaying to messenger. A nil registry uses
// the built-in formatters.
func NewHandler(messenger Messenger, formatters *formatter.Registry, opts Options) *Handler {
	if formatters == nil {
		formatters = formatter.NewRegistry()
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Handler{
		messenger:      messenger,
		formatters:     formatters,
		apiKey:         []byte(opts.APIKey),
		maxBodySize:    maxBody,
		requestTimeout: opts.RequestTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	query := r.URL.Query()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResponse(w, r, http.StatusRequestEntityTooLarge, RetRequestTooLarge)
			return
		}
		log.Debug().Err(err).Msg("Failed to read request body")
		writeResponse(w, r, http.StatusBadRequest, RetUnreadableRequest)
		return
	}

	formatterName := query.Get("formatter")
	data, ok := h.decode(raw, r.Header, query.Has("formatter"), formatterName)
	if !ok {
		writeResponse(w, r, http.StatusBadRequest, RetInvalidJSON)
		return
	}

	// Legacy senders post text instead of body.
	if data.Has(formatter.FieldText) && !data.Has(formatter.FieldBody) {
		data[formatter.FieldBody] = data[formatter.FieldText]
	}
	if query.Has(formatter.FieldKey) && !data.Has(formatter.FieldKey) {
		data[formatter.FieldKey] = query.Get(formatter.FieldKey)
	}

	if query.Has("formatter") {
		f, found := h.formatters.Lookup(formatterName)
		if !found {
			writeResponse(w, r, http.StatusBadRequest, RetUnknownFormatter)
			return
		}
		formatted, err := f.Format(data, r.Header)
		if err != nil {
			log.Debug().Err(err).Str("formatter", f.Name).Msg("Formatter rejected payload")
			writeResponse(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid %s payload", f.Name))
			return
		}
		data = formatted
	}

	switch {
	case query.Has(formatter.FieldRoomID):
		data[formatter.FieldRoomID] = query.Get(formatter.FieldRoomID)
	case data.Has(formatter.FieldRoomID):
	default:
		data[formatter.FieldRoomID] = strings.TrimPrefix(r.URL.Path, "/")
	}

	if data.Has(formatter.FieldDigest) {
		if err := VerifyDigest(h.apiKey, raw, data.Text(formatter.FieldDigest)); err != nil {
			writeResponse(w, r, http.StatusUnauthorized, RetInvalidDigest)
			return
		}
		data[formatter.FieldKey] = string(h.apiKey)
	}

	var missing []string
	for _, field := range []string{formatter.FieldBody, formatter.FieldKey, formatter.FieldRoomID} {
		if !data.Truthy(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		writeResponse(w, r, http.StatusBadRequest, "Missing "+strings.Join(missing, ", "))
		return
	}

	key, isString := data[formatter.FieldKey].(string)
	if !isString || !keyMatches([]byte(key), h.apiKey) {
		writeResponse(w, r, http.StatusUnauthorized, RetInvalidAPIKey)
		return
	}

	body := data.Text(formatter.FieldBody)
	var content *event.MessageEventContent
	if data.Has(formatter.FieldFormattedBody) {
		content = matrixfmt.TextContent(body, data.Text(formatter.FieldFormattedBody))
	} else {
		content = matrixfmt.MarkdownContent(body)
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	target := data.Text(formatter.FieldRoomID)
	roomID, err := h.messenger.JoinRoom(ctx, target)
	if err != nil {
		writeDeliveryError(w, r, err, "join", target)
		return
	}
	if err := h.messenger.SendMessage(ctx, roomID, content); err != nil {
		writeDeliveryError(w, r, err, "send", target)
		return
	}
	log.Debug().Stringer("room_id", roomID).Msg("Message relayed")
	writeResponse(w, r, http.StatusOK, RetOK)
}

// decode parses the body as a JSON object. Bodies that are not JSON may
// still be accepted by the raw decoder of the requested formatter.
func (h *Handler) decode(raw []byte, headers http.Header, hasFormatter bool, name string) (formatter.Data, bool) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err == nil {
		obj, isObject := doc.(map[string]any)
		if !isObject {
			return nil, false
		}
		return formatter.Data(obj), true
	}
	if !hasFormatter {
		return nil, false
	}
	f, found := h.formatters.Lookup(name)
	if !found || f.Decode == nil {
		return nil, false
	}
	data, err := f.Decode(raw, headers)
	if err != nil || data == nil {
		return nil, false
	}
	return data, true
}

func writeDeliveryError(w http.ResponseWriter, r *http.Request, err error, op, target string) {
	status, message := http.StatusInternalServerError, err.Error()
	var derr *connector.DeliveryError
	if errors.As(err, &derr) {
		status, message = derr.Status, derr.Message
	}
	hlog.FromRequest(r).Warn().
		Err(err).
		Str("action", op).
		Str("room", target).
		Int("status", status).
		Msg("Failed to deliver message")
	writeResponse(w, r, status, message)
}

func writeResponse(w http.ResponseWriter, r *http.Request, status int, ret string) {
	level := zerolog.DebugLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.WarnLevel
	}
	hlog.FromRequest(r).WithLevel(level).Int("status", status).Str("ret", ret).Msg("Responding to webhook")
	exhttp.WriteJSONResponse(w, status, Response{Status: status, Ret: ret})
}
