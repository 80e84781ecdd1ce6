package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/session-sync/pkg/protocol"
	"github.com/astromechza/session-sync/pkg/registry"
	"github.com/astromechza/session-sync/pkg/session"
)

// Conn is the sending half of one client connection.
type Conn interface {
	ID() string
	// Send queues msg without blocking. It reports false when the message was dropped.
	Send(msg []byte) bool
}

type membership struct {
	sessionID   string
	participant session.Participant
}

// Manager tracks which connections are in which session room. Its lock is also the
// critical section in which room broadcasts happen, so a joiner is either fully in the
// room (snapshot already queued) or not in it at all when a broadcast runs.
type Manager struct {
	registry *registry.Registry

	mu      sync.Mutex
	rooms   map[string]map[string]Conn
	members map[string]membership
}

func NewManager(reg *registry.Registry) *Manager {
	return &Manager{
		registry: reg,
		rooms:    make(map[string]map[string]Conn),
		members:  make(map[string]membership),
	}
}

// Room is a view of one room, only valid inside WithRoom.
type Room struct {
	id    string
	conns map[string]Conn
}

func (r Room) ID() string { return r.id }

func (r Room) Has(connID string) bool {
	_, ok := r.conns[connID]
	return ok
}

func (r Room) Size() int { return len(r.conns) }

// Broadcast queues msg on every connection in the room except exceptConnID (which may be
// empty) and returns how many accepted it.
func (r Room) Broadcast(exceptConnID string, msg []byte) int {
	sent := 0
	for id, c := range r.conns {
		if id == exceptConnID {
			continue
		}
		if c.Send(msg) {
			sent++
		} else {
			slog.Warn("dropped message for slow connection", "session", r.id, "conn", id)
		}
	}
	return sent
}

// WithRoom runs fn while holding the membership lock. fn must not block on I/O.
func (m *Manager) WithRoom(sessionID string, fn func(Room)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(Room{id: sessionID, conns: m.rooms[sessionID]})
}

func (m *Manager) IsMember(connID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.members[connID]
	return ok && ms.sessionID == sessionID
}

// SessionOf returns the room the connection is currently in.
func (m *Manager) SessionOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.members[connID]
	return ms.sessionID, ok
}

func (m *Manager) RoomSize(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[sessionID])
}

// Join puts conn in the room of sessionID, leaving any other room first. The joiner gets
// session-data and everyone else gets user-joined before the lock is released.
func (m *Manager) Join(ctx context.Context, conn Conn, sessionID string, p session.Participant) (session.Snapshot, error) {
	p.ConnectionID = conn.ID()
	for attempt := 0; ; attempt++ {
		if _, err := m.registry.EnsureLoaded(ctx, sessionID); err != nil {
			return session.Snapshot{}, err
		}
		snap, err := m.join(conn, sessionID, p)
		if attempt == 0 && (errors.Is(err, session.ErrEvicted) || errors.Is(err, session.ErrNotHot)) {
			// evicted between the load and the lock
			continue
		}
		return snap, err
	}
}

func (m *Manager) join(conn Conn, sessionID string, p session.Participant) (session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registry.AddParticipant(sessionID, p); err != nil {
		return session.Snapshot{}, err
	}
	if prev, ok := m.members[conn.ID()]; ok && prev.sessionID != sessionID {
		m.leaveLocked(conn.ID(), prev)
	}
	snap, err := m.registry.Snapshot(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}

	room, ok := m.rooms[sessionID]
	if !ok {
		room = make(map[string]Conn)
		m.rooms[sessionID] = room
	}
	room[conn.ID()] = conn
	m.members[conn.ID()] = membership{sessionID: sessionID, participant: p}

	if raw, err := protocol.SessionData(sessionID, snap).Encode(); err != nil {
		slog.Error("failed to encode session data", "session", sessionID, "err", err)
	} else if !conn.Send(raw) {
		slog.Warn("dropped session data", "session", sessionID, "conn", conn.ID())
	}
	if raw, err := protocol.UserJoined(sessionID, p).Encode(); err != nil {
		slog.Error("failed to encode join notice", "session", sessionID, "err", err)
	} else {
		Room{id: sessionID, conns: room}.Broadcast(conn.ID(), raw)
	}
	slog.Info("joined session", "session", sessionID, "conn", conn.ID(), "user", p.ParticipantID, "room", len(room))
	return snap, nil
}

// Leave removes conn from the room of sessionID. It is a no-op when conn is not in it.
func (m *Manager) Leave(connID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.members[connID]
	if !ok || ms.sessionID != sessionID {
		return false
	}
	m.leaveLocked(connID, ms)
	return true
}

// DisconnectAll removes a terminated connection from every room it was in and returns
// the session ids it left.
func (m *Manager) DisconnectAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	left := make([]string, 0, 1)
	if ms, ok := m.members[connID]; ok {
		m.leaveLocked(connID, ms)
		left = append(left, ms.sessionID)
	}
	// rooms should never hold a connection without a membership record
	for sessionID, room := range m.rooms {
		if _, ok := room[connID]; ok {
			p, _ := m.registry.RemoveParticipant(sessionID, connID)
			m.leaveLocked(connID, membership{sessionID: sessionID, participant: p})
			left = append(left, sessionID)
		}
	}
	sort.Strings(left)
	return left
}

func (m *Manager) leaveLocked(connID string, ms membership) {
	if room, ok := m.rooms[ms.sessionID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(m.rooms, ms.sessionID)
		}
	}
	if cur, ok := m.members[connID]; ok && cur.sessionID == ms.sessionID {
		delete(m.members, connID)
	}

	p := ms.participant
	if removed, ok := m.registry.RemoveParticipant(ms.sessionID, connID); ok {
		p = removed
	}
	if raw, err := protocol.UserLeft(ms.sessionID, p).Encode(); err != nil {
		slog.Error("failed to encode leave notice", "session", ms.sessionID, "err", err)
	} else {
		Room{id: ms.sessionID, conns: m.rooms[ms.sessionID]}.Broadcast(connID, raw)
	}
	slog.Info("left session", "session", ms.sessionID, "conn", connID, "user", p.ParticipantID)
}
