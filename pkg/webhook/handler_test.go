// Copyright 2024-2026 Aiku AI

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nim65s/matrix-webhook/pkg/connector"
	"github.com/nim65s/matrix-webhook/pkg/formatter"
)

const testKey = "test-api-key"

type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
}

// fakeMessenger records joins and sends instead of talking to a homeserver.
type fakeMessenger struct {
	mu    sync.Mutex
	joins []string
	sends []sentMessage

	JoinErr error
	SendErr error
	// Aliases maps a join target to the room ID it resolves to.
	Aliases map[string]id.RoomID
	// Block makes joins wait for the context to end.
	Block bool
}

func (f *fakeMessenger) JoinRoom(ctx context.Context, target string) (id.RoomID, error) {
	f.mu.Lock()
	f.joins = append(f.joins, target)
	f.mu.Unlock()
	if f.Block {
		<-ctx.Done()
		return "", &connector.DeliveryError{Status: http.StatusGatewayTimeout, Message: connector.MsgHomeserverNotResponding, Err: ctx.Err()}
	}
	if f.JoinErr != nil {
		return "", f.JoinErr
	}
	if roomID, ok := f.Aliases[target]; ok {
		return roomID, nil
	}
	return id.RoomID(target), nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sends = append(f.sends, sentMessage{RoomID: roomID, Content: content})
	return nil
}

func (f *fakeMessenger) Joins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeMessenger) Sends() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sends...)
}

func newTestHandler(m *fakeMessenger, mutate func(*Options)) *Handler {
	opts := Options{APIKey: testKey}
	if mutate != nil {
		mutate(&opts)
	}
	return NewHandler(m, formatter.NewRegistry(), opts)
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, headers http.Header) Response {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	if resp.Status != rec.Code {
		t.Errorf("status field %d differs from HTTP status %d", resp.Status, rec.Code)
	}
	return resp
}

func assertResponse(t *testing.T, got Response, status int, ret string) {
	t.Helper()
	if got.Status != status || got.Ret != ret {
		t.Errorf("response: got {%d %q}, want {%d %q}", got.Status, got.Ret, status, ret)
	}
}

func TestMissingFields(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/", `{"toto": 3}`, nil)
	assertResponse(t, resp, http.StatusBadRequest, "Missing body, key, room_id")
	if len(m.Joins()) != 0 {
		t.Error("join attempted for an invalid request")
	}
}

func TestMissingFieldsOnlyListsAbsent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"no key", "/!room:localhost", `{"body": "hi"}`, "Missing key"},
		{"no room", "/", `{"body": "hi", "key": "k"}`, "Missing room_id"},
		{"empty body", "/!room:localhost", `{"body": "", "key": "k"}`, "Missing body"},
		{"null body", "/!room:localhost", `{"body": null, "key": "k"}`, "Missing body"},
		{"zero body", "/!room:localhost", `{"body": 0, "key": "k"}`, "Missing body"},
		{"false key", "/", `{"body": "x", "key": false}`, "Missing key, room_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doRequest(t, newTestHandler(&fakeMessenger{}, nil), http.MethodPost, tt.path, tt.body, nil)
			assertResponse(t, resp, http.StatusBadRequest, tt.want)
		})
	}
}

func TestMarkdownMessage(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", `{"body": "# Hello", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)

	if joins := m.Joins(); len(joins) != 1 || joins[0] != "!room:localhost" {
		t.Errorf("joins: got %v", joins)
	}
	sends := m.Sends()
	if len(sends) != 1 {
		t.Fatalf("sends: got %d, want 1", len(sends))
	}
	c := sends[0].Content
	if c.MsgType != event.MsgText || c.Format != event.FormatHTML {
		t.Errorf("content type: got %q / %q", c.MsgType, c.Format)
	}
	if c.Body != "# Hello" {
		t.Errorf("Body: got %q", c.Body)
	}
	if c.FormattedBody != "<h1>Hello</h1>" {
		t.Errorf("FormattedBody: got %q", c.FormattedBody)
	}
}

func TestProvidedFormattedBody(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	body := `{"body": "**x**", "formatted_body": "<i>custom</i>", "key": "` + testKey + `"}`
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", body, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)
	if got := m.Sends()[0].Content.FormattedBody; got != "<i>custom</i>" {
		t.Errorf("FormattedBody: got %q", got)
	}
}

func TestNumericBodyIsStringified(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", `{"body": 3, "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)
	c := m.Sends()[0].Content
	if c.Body != "3" || c.FormattedBody != "<p>3</p>" {
		t.Errorf("content: got %q / %q", c.Body, c.FormattedBody)
	}
}

func TestLegacyTextField(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", `{"text": "legacy", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)
	if got := m.Sends()[0].Content.Body; got != "legacy" {
		t.Errorf("Body: got %q", got)
	}
}

func TestKeyFromQuery(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost?key="+testKey, `{"body": "hi"}`, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)

	// A key in the body wins over the query.
	resp = doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost?key="+testKey, `{"body": "hi", "key": "wrong"}`, nil)
	assertResponse(t, resp, http.StatusUnauthorized, RetInvalidAPIKey)
}

func TestInvalidJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		method string
		body   string
	}{
		{"empty GET", http.MethodGet, ""},
		{"garbage", http.MethodPost, "{not json"},
		{"array", http.MethodPost, `["body"]`},
		{"string", http.MethodPost, `"body"`},
		{"null", http.MethodPost, "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doRequest(t, newTestHandler(&fakeMessenger{}, nil), tt.method, "/!room:localhost", tt.body, nil)
			assertResponse(t, resp, http.StatusBadRequest, RetInvalidJSON)
		})
	}
}

func TestInvalidAPIKey(t *testing.T) {
	t.Parallel()
	for _, body := range []string{`{"body": "hi", "key": "nope"}`, `{"body": "hi", "key": 12}`} {
		m := &fakeMessenger{}
		resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", body, nil)
		assertResponse(t, resp, http.StatusUnauthorized, RetInvalidAPIKey)
		if len(m.Joins()) != 0 {
			t.Errorf("join attempted with a bad key for %s", body)
		}
	}
}

func TestUnknownFormatterBeforeAuth(t *testing.T) {
	t.Parallel()
	resp := doRequest(t, newTestHandler(&fakeMessenger{}, nil), http.MethodPost, "/!room:localhost?formatter=unknown", `{"body": "hi"}`, nil)
	assertResponse(t, resp, http.StatusBadRequest, RetUnknownFormatter)
}

func TestFormatterError(t *testing.T) {
	t.Parallel()
	resp := doRequest(t, newTestHandler(&fakeMessenger{}, nil), http.MethodPost, "/!room:localhost?formatter=grn&key="+testKey, `{"version": "1"}`, nil)
	assertResponse(t, resp, http.StatusBadRequest, "Invalid grn payload")
}

func TestRoomIDPrecedence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		target string
		body   string
		want   string
	}{
		{"path", "/!path:localhost", `{"body": "x", "key": "` + testKey + `"}`, "!path:localhost"},
		{"body over path", "/!path:localhost", `{"body": "x", "key": "` + testKey + `", "room_id": "!body:localhost"}`, "!body:localhost"},
		{"query over body", "/!path:localhost?room_id=" + url.QueryEscape("!query:localhost"), `{"body": "x", "key": "` + testKey + `", "room_id": "!body:localhost"}`, "!query:localhost"},
		{"encoded alias path", "/%23alias:localhost", `{"body": "x", "key": "` + testKey + `"}`, "#alias:localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &fakeMessenger{}
			resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, tt.target, tt.body, nil)
			assertResponse(t, resp, http.StatusOK, RetOK)
			if joins := m.Joins(); len(joins) != 1 || joins[0] != tt.want {
				t.Errorf("joins: got %v, want [%s]", joins, tt.want)
			}
		})
	}
}

func TestAliasResolvedBeforeSend(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{Aliases: map[string]id.RoomID{"#alias:localhost": "!resolved:localhost"}}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/%23alias:localhost", `{"body": "x", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)
	if got := m.Sends()[0].RoomID; got != "!resolved:localhost" {
		t.Errorf("send room: got %q, want resolved ID", got)
	}
}

func githubHeaders(sig string) http.Header {
	h := http.Header{}
	h.Set("X-GitHub-Event", "push")
	h.Set("X-Hub-Signature-256", "sha256="+sig)
	return h
}

const githubPush = `{"ref": "refs/heads/main", "before": "a", "after": "b", "compare": "https://github.com/o/r/compare/a...b", "pusher": {"name": "octo"}, "commits": []}`

func TestGithubDigest(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	h := newTestHandler(m, nil)

	sig := Digest([]byte(testKey), []byte(githubPush))
	resp := doRequest(t, h, http.MethodPost, "/!room:localhost?formatter=github", githubPush, githubHeaders(sig))
	assertResponse(t, resp, http.StatusOK, RetOK)
	if len(m.Sends()) != 1 {
		t.Fatalf("sends: got %d, want 1", len(m.Sends()))
	}

	resp = doRequest(t, h, http.MethodPost, "/!room:localhost?formatter=github", githubPush, githubHeaders("wrong digest"))
	assertResponse(t, resp, http.StatusUnauthorized, RetInvalidDigest)
}

func TestWrongDigestIgnoresValidKey(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	body := `{"body": "x", "key": "` + testKey + `", "digest": "00"}`
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", body, nil)
	assertResponse(t, resp, http.StatusUnauthorized, RetInvalidDigest)
	if len(m.Joins()) != 0 {
		t.Error("join attempted after a digest mismatch")
	}
}

func TestJoinFailureIsReturned(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{JoinErr: &connector.DeliveryError{
		Status:  http.StatusBadRequest,
		Message: "wrong_room was not legal room ID or room alias",
		ErrCode: connector.ErrCodeUnknown,
	}}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/wrong_room", `{"body": "x", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusBadRequest, "wrong_room was not legal room ID or room alias")
	if n := len(m.Joins()); n != 1 {
		t.Errorf("joins: got %d, want 1", n)
	}
	if n := len(m.Sends()); n != 0 {
		t.Errorf("sends: got %d, want 0", n)
	}
}

func TestSendFailureIsReturned(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{SendErr: &connector.DeliveryError{Status: http.StatusGatewayTimeout, Message: connector.MsgHomeserverNotResponding}}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", `{"body": "x", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusGatewayTimeout, connector.MsgHomeserverNotResponding)
}

func TestUntypedFailureIs500(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{JoinErr: errors.New("boom")}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost", `{"body": "x", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusInternalServerError, "boom")
}

func TestSameMessageTwiceSendsTwice(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	h := newTestHandler(m, nil)
	body := `{"body": "again", "key": "` + testKey + `"}`
	for range 2 {
		assertResponse(t, doRequest(t, h, http.MethodPost, "/!room:localhost", body, nil), http.StatusOK, RetOK)
	}
	if n := len(m.Sends()); n != 2 {
		t.Errorf("sends: got %d, want 2", n)
	}
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeMessenger{}, func(o *Options) { o.MaxBodySize = 16 })
	resp := doRequest(t, h, http.MethodPost, "/!room:localhost", `{"body": "this is far too long", "key": "k"}`, nil)
	assertResponse(t, resp, http.StatusRequestEntityTooLarge, RetRequestTooLarge)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{Block: true}
	h := newTestHandler(m, func(o *Options) { o.RequestTimeout = 20 * time.Millisecond })
	resp := doRequest(t, h, http.MethodPost, "/!room:localhost", `{"body": "x", "key": "`+testKey+`"}`, nil)
	assertResponse(t, resp, http.StatusGatewayTimeout, connector.MsgHomeserverNotResponding)
}

func TestMattermostFormBody(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	form := url.Values{"payload": {`{"text": "see <https://x.example|docs>"}`}}.Encode()
	headers := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost?formatter=mattermost&key="+testKey, form, headers)
	assertResponse(t, resp, http.StatusOK, RetOK)
	c := m.Sends()[0].Content
	if c.Body != "see [docs](https://x.example)" {
		t.Errorf("Body: got %q", c.Body)
	}
	if c.FormattedBody != `see <a href="https://x.example">docs</a>` {
		t.Errorf("FormattedBody: got %q", c.FormattedBody)
	}
}

func TestFormBodyWithoutDecoder(t *testing.T) {
	t.Parallel()
	resp := doRequest(t, newTestHandler(&fakeMessenger{}, nil), http.MethodPost, "/!room:localhost?formatter=grafana", "payload=x", nil)
	assertResponse(t, resp, http.StatusBadRequest, RetInvalidJSON)
}

func TestGrafanaFormatterEndToEnd(t *testing.T) {
	t.Parallel()
	m := &fakeMessenger{}
	body := `{"title": "[Alerting] Panel Title alert", "message": "Notification Message", "evalMatches": [{"metric": "Count", "value": 1}]}`
	resp := doRequest(t, newTestHandler(m, nil), http.MethodPost, "/!room:localhost?formatter=grafana&key="+testKey, body, nil)
	assertResponse(t, resp, http.StatusOK, RetOK)
	want := "#### [Alerting] Panel Title alert\nNotification Message\n\n* Count: 1\n"
	if got := m.Sends()[0].Content.Body; got != want {
		t.Errorf("Body: got %q, want %q", got, want)
	}
}
