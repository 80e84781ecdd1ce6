package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/astromechza/session-sync/pkg/session"
)

// Entry is the hot, in-memory projection of one session and the participants connected
// to it. Callers only see copies of its state.
type Entry struct {
	mu           sync.Mutex
	record       session.Session
	participants map[string]session.Participant
	lastActive   time.Time

	version uint64
	pending int
	dirty   bool
	evicted bool
	// deleted is set once the store reports the session gone
	deleted bool
}

func newEntry(rec session.Session, now time.Time) *Entry {
	return &Entry{
		record:       rec,
		participants: make(map[string]session.Participant),
		lastActive:   now,
	}
}

func (e *Entry) Session() session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record
	if rec.ImageURL != nil {
		v := *rec.ImageURL
		rec.ImageURL = &v
	}
	return rec
}

func (e *Entry) Snapshot() session.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Snapshot()
}

// Participants returns the connected participants ordered by connection id.
func (e *Entry) Participants() []session.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]session.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (e *Entry) ParticipantCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.participants)
}

func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

func (e *Entry) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}
