package session

import (
	"context"
	"fmt"
	"time"
)

// Field names one of the three mutable values of a session.
type Field string

const (
	FieldText  Field = "text"
	FieldCode  Field = "code"
	FieldImage Field = "image"
)

func ParseField(raw string) (Field, error) {
	switch f := Field(raw); f {
	case FieldText, FieldCode, FieldImage:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownField, raw)
	}
}

// Session is the durable record of one shared workspace.
type Session struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatorID   string    `json:"creatorId,omitempty"`
	TextContent string    `json:"textContent"`
	CodeContent string    `json:"codeContent"`
	ImageURL    *string   `json:"imageUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Snapshot is the field state handed to a joining client.
type Snapshot struct {
	Text     string
	Code     string
	ImageURL *string
}

func (s Session) Snapshot() Snapshot {
	return Snapshot{Text: s.TextContent, Code: s.CodeContent, ImageURL: cloneString(s.ImageURL)}
}

// Fields is a partial update. Nil members are left untouched.
type Fields struct {
	Text     *string
	Code     *string
	ImageURL *string
}

func (f Fields) Empty() bool {
	return f.Text == nil && f.Code == nil && f.ImageURL == nil
}

// Set records value for the given field. An empty image value clears the image.
func (f *Fields) Set(field Field, value string) error {
	switch field {
	case FieldText:
		f.Text = &value
	case FieldCode:
		f.Code = &value
	case FieldImage:
		f.ImageURL = &value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// Apply overwrites the fields present in f and returns whether anything changed.
func (s *Session) Apply(f Fields) bool {
	changed := false
	if f.Text != nil {
		s.TextContent = *f.Text
		changed = true
	}
	if f.Code != nil {
		s.CodeContent = *f.Code
		changed = true
	}
	if f.ImageURL != nil {
		if *f.ImageURL == "" {
			s.ImageURL = nil
		} else {
			s.ImageURL = cloneString(f.ImageURL)
		}
		changed = true
	}
	return changed
}

// AllFields returns a full update carrying every field of s.
func (s Session) AllFields() Fields {
	text, code, image := s.TextContent, s.CodeContent, ""
	if s.ImageURL != nil {
		image = *s.ImageURL
	}
	return Fields{Text: &text, Code: &code, ImageURL: &image}
}

// Participant is one connection's identity within a room.
type Participant struct {
	ParticipantID string `json:"userId"`
	DisplayName   string `json:"username"`
	ConnectionID  string `json:"-"`
}

// Store is the durable record store.
type Store interface {
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSessionFields(ctx context.Context, id string, fields Fields) (time.Time, error)
	CreateSession(ctx context.Context, name, creatorID string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
}

// Fronted is implemented by stores layered over another store, such as read caches.
type Fronted interface {
	Primary() Store
}

// PrimaryOf unwraps s down to the store that holds the records. Loads that must see
// deletions read from it instead of a cache.
func PrimaryOf(s Store) Store {
	for {
		f, ok := s.(Fronted)
		if !ok {
			return s
		}
		s = f.Primary()
	}
}

// BlobStore accepts binary uploads and returns a stable URL for them.
type BlobStore interface {
	Upload(ctx context.Context, content []byte) (string, error)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
