package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/session-sync/pkg/auth"
	"github.com/astromechza/session-sync/pkg/blob"
	"github.com/astromechza/session-sync/pkg/protocol"
	"github.com/astromechza/session-sync/pkg/registry"
	"github.com/astromechza/session-sync/pkg/rooms"
	"github.com/astromechza/session-sync/pkg/session"
	"github.com/astromechza/session-sync/pkg/store/memstore"
	"github.com/astromechza/session-sync/pkg/syncer"
)

type fakeBlobs struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeBlobs) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBlobs) uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeBlobs) Upload(_ context.Context, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.n++
	return fmt.Sprintf("http://blobs.test/%d-%d.png", f.n, len(content)), nil
}

type harness struct {
	ts    *httptest.Server
	store *memstore.Store
	reg   *registry.Registry
	blobs *fakeBlobs
}

func newHarness(t *testing.T, verifier *auth.Verifier) *harness {
	t.Helper()
	store := memstore.New()
	store.Seed(session.Session{ID: "S1", Name: "interview", CreatorID: "op", TextContent: "hello"})
	reg := registry.New(store)
	rm := rooms.NewManager(reg)
	p := syncer.NewPersister(reg, store)
	d := syncer.NewDispatcher(reg, rm, p)
	blobs := &fakeBlobs{}
	s := New(reg, store, blobs, d, Options{Verifier: verifier, MaxUploadBytes: 1 << 16})

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
		_ = p.Close(context.Background())
	})
	return &harness{ts: ts, store: store, reg: reg, blobs: blobs}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ws.Close()
	})
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg protocol.Inbound) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func next(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, raw, err := ws.ReadMessage()
	var ne net.Error
	require.Truef(t, errors.As(err, &ne) && ne.Timeout(), "expected no message, got %s (%v)", raw, err)
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, auth.NewVerifier("secret"))
	resp, err := http.Get(h.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestWebsocketRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "")
	b := h.dial(t, "")

	send(t, a, protocol.JoinSession{SessionID: "S1", UserID: "u1", Username: "Ana"})
	env := next(t, a)
	require.Equal(t, protocol.KindSessionData, env.Event)
	data := decodeData[protocol.SessionDataPayload](t, env)
	assert.Equal(t, "hello", data.Text)
	assert.Nil(t, data.ImageURL)

	send(t, b, protocol.JoinSession{SessionID: "S1", UserID: "u2", Username: "Ben"})
	require.Equal(t, protocol.KindSessionData, next(t, b).Event)
	joined := next(t, a)
	require.Equal(t, protocol.KindUserJoined, joined.Event)
	assert.Equal(t, "u2", decodeData[protocol.PresencePayload](t, joined).UserID)

	send(t, b, protocol.TextUpdate{SessionID: "S1", Text: "hello world", UserID: "u2"})
	update := next(t, a)
	require.Equal(t, protocol.KindTextUpdate, update.Event)
	assert.Equal(t, "hello world", decodeData[protocol.TextUpdatePayload](t, update).Text)
	expectSilence(t, b)

	resp, err := http.Get(h.ts.URL + "/sessions/S1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "hello world", got.TextContent)

	require.NoError(t, b.Close())
	left := next(t, a)
	require.Equal(t, protocol.KindUserLeft, left.Event)
	assert.Equal(t, "u2", decodeData[protocol.PresencePayload](t, left).UserID)
}

func TestJoinUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "")
	send(t, a, protocol.JoinSession{SessionID: "nope", UserID: "u1"})
	env := next(t, a)
	require.Equal(t, protocol.KindSessionError, env.Event)
	assert.Equal(t, protocol.ErrorNotFound, decodeData[protocol.ErrorPayload](t, env).Code)
	assert.Equal(t, 0, h.reg.Len())
}

func TestMalformedMessage(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "")
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"event":"text-update","data":{}}`)))
	env := next(t, a)
	require.Equal(t, protocol.KindSessionError, env.Event)
	assert.Equal(t, protocol.ErrorBadRequest, decodeData[protocol.ErrorPayload](t, env).Code)
}

func uploadRequest(t *testing.T, url string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", "uploader"))
	fw, err := mw.CreateFormFile("image", "pic.png")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestImageUpload(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "")
	send(t, a, protocol.JoinSession{SessionID: "S1", UserID: "u1"})
	next(t, a)

	resp, err := http.DefaultClient.Do(uploadRequest(t, h.ts.URL+"/sessions/S1/image", []byte("pngish")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body imageUpdateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	env := next(t, a)
	require.Equal(t, protocol.KindImageUpdate, env.Event)
	payload := decodeData[protocol.ImageUpdatePayload](t, env)
	assert.Equal(t, body.ImageURL, payload.ImageURL)
	assert.Equal(t, "uploader", payload.UserID)
}

func TestImageUploadFailureDoesNotBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.blobs.fail(fmt.Errorf("%w: bucket gone", session.ErrUploadFailed))
	a := h.dial(t, "")
	send(t, a, protocol.JoinSession{SessionID: "S1", UserID: "u1"})
	next(t, a)

	resp, err := http.DefaultClient.Do(uploadRequest(t, h.ts.URL+"/sessions/S1/image", []byte("pngish")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	expectSilence(t, a)

	e, ok := h.reg.Get("S1")
	require.True(t, ok)
	assert.Nil(t, e.Session().ImageURL)
}

func TestImageUploadRejectsNonImage(t *testing.T) {
	h := newHarness(t, nil)
	h.blobs.fail(blob.ErrUnsupportedType)
	resp, err := http.DefaultClient.Do(uploadRequest(t, h.ts.URL+"/sessions/S1/image", []byte("text")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImageUploadUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.DefaultClient.Do(uploadRequest(t, h.ts.URL+"/sessions/ghost/image", []byte("pngish")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, h.blobs.uploads())
}

func TestTextUpdateOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	a := h.dial(t, "")
	send(t, a, protocol.JoinSession{SessionID: "S1", UserID: "u1"})
	next(t, a)

	resp, err := http.Post(h.ts.URL+"/sessions/S1/text", "application/json", strings.NewReader(`{"text":"from rest","userId":"bot"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := next(t, a)
	require.Equal(t, protocol.KindTextUpdate, env.Event)
	assert.Equal(t, "from rest", decodeData[protocol.TextUpdatePayload](t, env).Text)

	resp, err = http.Post(h.ts.URL+"/sessions/ghost/text", "application/json", strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAndList(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Post(h.ts.URL+"/sessions", "application/json", strings.NewReader(`{"sessionName":"second","creatorId":"op"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	_, hot := h.reg.Get(created.ID)
	assert.True(t, hot)

	resp, err = http.Get(h.ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, created.ID, list[0].ID)

	resp, err = http.Post(h.ts.URL+"/sessions", "application/json", strings.NewReader(`{"sessionName":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSessionStoreUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetUnavailable(true)
	resp, err := http.Get(h.ts.URL + "/sessions/S1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthStampsIdentity(t *testing.T) {
	v := auth.NewVerifier("secret")
	h := newHarness(t, v)

	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tokenA, err := v.Issue(auth.Identity{UserID: "real-a", Username: "Real A"}, time.Hour)
	require.NoError(t, err)
	tokenB, err := v.Issue(auth.Identity{UserID: "real-b"}, time.Hour)
	require.NoError(t, err)

	a := h.dial(t, "?token="+tokenA)
	b := h.dial(t, "?token="+tokenB)
	send(t, a, protocol.JoinSession{SessionID: "S1", UserID: "spoof", Username: "Spoof"})
	next(t, a)
	send(t, b, protocol.JoinSession{SessionID: "S1", UserID: "spoof-b", Username: "Bee"})
	next(t, b)

	joined := decodeData[protocol.PresencePayload](t, next(t, a))
	assert.Equal(t, "real-b", joined.UserID)
	assert.Equal(t, "Bee", joined.Username)

	send(t, a, protocol.CodeUpdate{SessionID: "S1", Code: "x := 1", UserID: "spoof"})
	env := next(t, b)
	require.Equal(t, protocol.KindCodeUpdate, env.Event)
	assert.Equal(t, "real-a", decodeData[protocol.CodeUpdatePayload](t, env).UserID)
}
