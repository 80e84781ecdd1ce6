package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/session-sync/pkg/auth"
	"github.com/astromechza/session-sync/pkg/protocol"
	"github.com/astromechza/session-sync/pkg/registry"
	"github.com/astromechza/session-sync/pkg/rooms"
	"github.com/astromechza/session-sync/pkg/session"
	"github.com/astromechza/session-sync/pkg/syncer"
	"github.com/astromechza/session-sync/pkg/transport"
)

type Options struct {
	// BlobDir is served under /blobs/ when set.
	BlobDir        string
	MaxUploadBytes int64
	Transport      transport.Options
	// Verifier enables bearer token checks on every route except /health.
	Verifier *auth.Verifier
}

type Server struct {
	registry   *registry.Registry
	store      session.Store
	blobs      session.BlobStore
	dispatcher *syncer.Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
	now        func() time.Time
	conns      sync.WaitGroup
}

func New(reg *registry.Registry, store session.Store, blobs session.BlobStore, d *syncer.Dispatcher, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Server{
		registry:   reg,
		store:      store,
		blobs:      blobs,
		dispatcher: d,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
}

// Handler builds the router. Websocket connections live until their client leaves or ctx
// is cancelled, independent of the request that upgraded them.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)

	api := r.NewRoute().Subrouter()
	api.Use(auth.Middleware(s.opts.Verifier))
	api.Methods(http.MethodGet).Path("/ws").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		s.serveWebsocket(ctx, writer, request)
	})
	api.Methods(http.MethodPost).Path("/sessions").HandlerFunc(s.createSession)
	api.Methods(http.MethodGet).Path("/sessions").HandlerFunc(s.listSessions)
	api.Methods(http.MethodGet).Path("/sessions/{session}").HandlerFunc(s.getSession)
	api.Methods(http.MethodPost).Path("/sessions/{session}/text").HandlerFunc(s.updateText)
	api.Methods(http.MethodPost).Path("/sessions/{session}/image").HandlerFunc(s.uploadImage)
	if s.opts.BlobDir != "" {
		api.Methods(http.MethodGet).PathPrefix("/blobs/").Handler(
			http.StripPrefix("/blobs/", http.FileServer(http.Dir(s.opts.BlobDir))),
		)
	}
	return r
}

// Wait blocks until every websocket connection has finished handling messages.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) serveWebsocket(ctx context.Context, writer http.ResponseWriter, request *http.Request) {
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	var h transport.Handler = s.dispatcher
	if id, ok := auth.FromContext(request.Context()); ok {
		h = &identified{inner: s.dispatcher, id: id}
	}
	s.conns.Add(1)
	defer s.conns.Done()
	conn := transport.NewConn(ws, s.opts.Transport)
	if err := transport.Serve(ctx, conn, h); err != nil {
		slog.Warn("connection ended with error", "conn", conn.ID(), "err", err)
	}
}

// identified stamps the token identity over whatever the client claims to be.
type identified struct {
	inner transport.Handler
	id    auth.Identity
}

func (h *identified) Handle(ctx context.Context, conn rooms.Conn, msg protocol.Inbound) error {
	return h.inner.Handle(ctx, conn, stampIdentity(msg, h.id))
}

func (h *identified) Disconnect(conn rooms.Conn) {
	h.inner.Disconnect(conn)
}

func stampIdentity(msg protocol.Inbound, id auth.Identity) protocol.Inbound {
	name := func(claimed string) string {
		if id.Username != "" {
			return id.Username
		}
		return claimed
	}
	switch m := msg.(type) {
	case protocol.JoinSession:
		m.UserID, m.Username = id.UserID, name(m.Username)
		return m
	case protocol.LeaveSession:
		m.UserID, m.Username = id.UserID, name(m.Username)
		return m
	case protocol.TextUpdate:
		m.UserID = id.UserID
		return m
	case protocol.CodeUpdate:
		m.UserID = id.UserID
		return m
	case protocol.ImageUpdate:
		m.UserID = id.UserID
		return m
	case protocol.CursorPosition:
		m.UserID, m.Username = id.UserID, name(m.Username)
		return m
	case protocol.TextSelection:
		m.UserID, m.Username = id.UserID, name(m.Username)
		return m
	}
	return msg
}
