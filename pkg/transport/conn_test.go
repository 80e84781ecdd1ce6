package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/session-sync/pkg/protocol"
	"github.com/astromechza/session-sync/pkg/rooms"
)

type recordingHandler struct {
	messages     chan protocol.Inbound
	disconnected chan string
}

func (h *recordingHandler) Handle(_ context.Context, conn rooms.Conn, msg protocol.Inbound) error {
	h.messages <- msg
	if raw, err := protocol.SessionError(msg.Session(), protocol.ErrorNotMember, "ack").Encode(); err == nil {
		conn.Send(raw)
	}
	return nil
}

func (h *recordingHandler) Disconnect(conn rooms.Conn) {
	h.disconnected <- conn.ID()
}

func serveOne(t *testing.T, h Handler) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = Serve(context.Background(), NewConn(ws, Options{}), h)
	}))
	t.Cleanup(ts.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ws.Close()
	})
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestServeHandlesMessagesInOrder(t *testing.T) {
	h := &recordingHandler{messages: make(chan protocol.Inbound, 10), disconnected: make(chan string, 1)}
	ws := serveOne(t, h)

	for _, text := range []string{"a", "ab", "abc"} {
		raw, err := protocol.Encode(protocol.TextUpdate{SessionID: "S1", Text: text, UserID: "u1"})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
	}
	for _, want := range []string{"a", "ab", "abc"} {
		select {
		case msg := <-h.messages:
			assert.Equal(t, want, msg.(protocol.TextUpdate).Text)
		case <-time.After(2 * time.Second):
			t.Fatal("message not handled")
		}
		assert.Equal(t, protocol.KindSessionError, readEnvelope(t, ws).Event)
	}

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	select {
	case id := <-h.disconnected:
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestServeRejectsMalformedFrames(t *testing.T) {
	h := &recordingHandler{messages: make(chan protocol.Inbound, 1), disconnected: make(chan string, 1)}
	ws := serveOne(t, h)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readEnvelope(t, ws)
	require.Equal(t, protocol.KindSessionError, env.Event)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, protocol.ErrorBadRequest, p.Code)
	assert.Empty(t, h.messages)
}

func TestSendClosesSlowConsumer(t *testing.T) {
	c := NewConn(nil, Options{SendBuffer: 1})
	assert.NotEmpty(t, c.ID())
	assert.True(t, c.Send([]byte("one")))
	assert.False(t, c.Send([]byte("two")), "buffer is full")
	assert.False(t, c.Send([]byte("three")), "connection was closed")
	c.Close()
}
