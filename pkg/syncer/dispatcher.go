package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/session-sync/pkg/protocol"
	"github.com/astromechza/session-sync/pkg/registry"
	"github.com/astromechza/session-sync/pkg/rooms"
	"github.com/astromechza/session-sync/pkg/session"
)

// Dispatcher applies inbound messages to the registry and fans the results out to rooms.
//
// Field mutations are last-writer-wins: each one overwrites the hot value and is broadcast
// verbatim to the rest of the room. Apply and broadcast happen inside the room's critical
// section, so every member sees the mutations of a session in the same order.
type Dispatcher struct {
	registry  *registry.Registry
	rooms     *rooms.Manager
	persister *Persister
	now       func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func NewDispatcher(reg *registry.Registry, rm *rooms.Manager, p *Persister, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: reg, rooms: rm, persister: p, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one message from conn. Errors meant for the client have already been
// sent to it as session-error by the time Handle returns them.
func (d *Dispatcher) Handle(ctx context.Context, conn rooms.Conn, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.JoinSession:
		return d.join(ctx, conn, m)
	case protocol.LeaveSession:
		d.rooms.Leave(conn.ID(), m.SessionID)
		return nil
	case protocol.TextUpdate:
		return d.mutate(conn, m.SessionID, session.FieldText, m.Text, m.UserID)
	case protocol.CodeUpdate:
		return d.mutate(conn, m.SessionID, session.FieldCode, m.Code, m.UserID)
	case protocol.ImageUpdate:
		return d.mutate(conn, m.SessionID, session.FieldImage, m.ImageURL, m.UserID)
	case protocol.CursorPosition:
		d.relay(conn, m.SessionID, protocol.Cursor(m, d.now().UTC()))
		return nil
	case protocol.TextSelection:
		d.relay(conn, m.SessionID, protocol.Selection(m, d.now().UTC()))
		return nil
	default:
		return fmt.Errorf("unhandled message kind %s", msg.Kind())
	}
}

// Disconnect removes a closed connection from every room.
func (d *Dispatcher) Disconnect(conn rooms.Conn) {
	d.rooms.DisconnectAll(conn.ID())
}

func (d *Dispatcher) join(ctx context.Context, conn rooms.Conn, m protocol.JoinSession) error {
	_, err := d.rooms.Join(ctx, conn, m.SessionID, session.Participant{ParticipantID: m.UserID, DisplayName: m.Username})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		sendError(conn, m.SessionID, protocol.ErrorNotFound, "no session")
	default:
		sendError(conn, m.SessionID, protocol.ErrorUnavailable, "session could not be loaded, try again")
	}
	return err
}

func (d *Dispatcher) mutate(conn rooms.Conn, sessionID string, field session.Field, value, userID string) error {
	var (
		member bool
		handle registry.PersistHandle
		err    error
	)
	at := d.now().UTC()
	d.rooms.WithRoom(sessionID, func(room rooms.Room) {
		if !room.Has(conn.ID()) {
			return
		}
		member = true
		if handle, err = d.registry.ApplyFieldUpdate(sessionID, field, value); err != nil {
			return
		}
		broadcast(room, conn.ID(), sessionID, field, value, userID, at)
	})
	if !member {
		sendError(conn, sessionID, protocol.ErrorNotMember, "join the session first")
		return fmt.Errorf("failed to apply %s update: %w", field, session.ErrNotMember)
	}
	if err != nil {
		sendError(conn, sessionID, protocol.ErrorBadRequest, err.Error())
		return fmt.Errorf("failed to apply %s update: %w", field, err)
	}
	d.persister.Schedule(handle)
	return nil
}

// ApplyServerUpdate applies a mutation that did not come from a room member, such as an
// image uploaded over HTTP. Every member of the room receives the broadcast.
func (d *Dispatcher) ApplyServerUpdate(ctx context.Context, sessionID string, field session.Field, value, userID string) error {
	at := d.now().UTC()
	for attempt := 0; ; attempt++ {
		if _, err := d.registry.EnsureLoaded(ctx, sessionID); err != nil {
			return err
		}
		var (
			handle registry.PersistHandle
			err    error
		)
		d.rooms.WithRoom(sessionID, func(room rooms.Room) {
			if handle, err = d.registry.ApplyFieldUpdate(sessionID, field, value); err != nil {
				return
			}
			broadcast(room, "", sessionID, field, value, userID, at)
		})
		if attempt == 0 && (errors.Is(err, session.ErrNotHot) || errors.Is(err, session.ErrEvicted)) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s update: %w", field, err)
		}
		d.persister.Schedule(handle)
		return nil
	}
}

func (d *Dispatcher) relay(conn rooms.Conn, sessionID string, out protocol.Outbound) {
	raw, err := out.Encode()
	if err != nil {
		slog.Error("failed to encode awareness message", "session", sessionID, "err", err)
		return
	}
	d.rooms.WithRoom(sessionID, func(room rooms.Room) {
		if !room.Has(conn.ID()) {
			slog.Debug("dropped awareness message from non-member", "session", sessionID, "conn", conn.ID(), "event", out.Event)
			return
		}
		room.Broadcast(conn.ID(), raw)
	})
}

func broadcast(room rooms.Room, except, sessionID string, field session.Field, value, userID string, at time.Time) {
	out, err := protocol.FieldUpdated(sessionID, field, value, userID, at)
	if err != nil {
		slog.Error("failed to build update", "session", sessionID, "err", err)
		return
	}
	raw, err := out.Encode()
	if err != nil {
		slog.Error("failed to encode update", "session", sessionID, "err", err)
		return
	}
	n := room.Broadcast(except, raw)
	slog.Debug("broadcast update", "session", sessionID, "field", field, "recipients", n)
}

func sendError(conn rooms.Conn, sessionID string, code protocol.ErrorCode, message string) {
	raw, err := protocol.SessionError(sessionID, code, message).Encode()
	if err != nil {
		slog.Error("failed to encode session error", "err", err)
		return
	}
	conn.Send(raw)
}
