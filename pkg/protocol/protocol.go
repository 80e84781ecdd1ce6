// Package protocol defines the websocket messages exchanged with session participants.
//
// Every frame is a JSON envelope {"event": kind, "data": payload}. Inbound frames decode to
// one of a closed set of types implementing Inbound; outbound frames are built with the
// constructors in outbound.go and encoded once per fan-out.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindJoinSession    Kind = "join-session"
	KindLeaveSession   Kind = "leave-session"
	KindTextUpdate     Kind = "text-update"
	KindCodeUpdate     Kind = "code-update"
	KindImageUpdate    Kind = "image-update"
	KindCursorPosition Kind = "cursor-position"
	KindTextSelection  Kind = "text-selection"

	KindSessionData  Kind = "session-data"
	KindUserJoined   Kind = "user-joined"
	KindUserLeft     Kind = "user-left"
	KindSessionError Kind = "session-error"
)

var ErrBadMessage = errors.New("bad message")

type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a client to server message. The set of implementations is closed.
type Inbound interface {
	Kind() Kind
	Session() string
	inbound()
}

type JoinSession struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type TextUpdate struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	UserID    string `json:"userId"`
}

type CodeUpdate struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	UserID    string `json:"userId"`
}

type ImageUpdate struct {
	SessionID string `json:"sessionId"`
	ImageURL  string `json:"imageUrl"`
	UserID    string `json:"userId"`
}

type CursorPosition struct {
	SessionID   string `json:"sessionId"`
	CursorStart int    `json:"cursorStart"`
	CursorEnd   int    `json:"cursorEnd"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
}

type TextSelection struct {
	SessionID      string `json:"sessionId"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
}

func (JoinSession) Kind() Kind    { return KindJoinSession }
func (LeaveSession) Kind() Kind   { return KindLeaveSession }
func (TextUpdate) Kind() Kind     { return KindTextUpdate }
func (CodeUpdate) Kind() Kind     { return KindCodeUpdate }
func (ImageUpdate) Kind() Kind    { return KindImageUpdate }
func (CursorPosition) Kind() Kind { return KindCursorPosition }
func (TextSelection) Kind() Kind  { return KindTextSelection }

func (m JoinSession) Session() string    { return m.SessionID }
func (m LeaveSession) Session() string   { return m.SessionID }
func (m TextUpdate) Session() string     { return m.SessionID }
func (m CodeUpdate) Session() string     { return m.SessionID }
func (m ImageUpdate) Session() string    { return m.SessionID }
func (m CursorPosition) Session() string { return m.SessionID }
func (m TextSelection) Session() string  { return m.SessionID }

func (JoinSession) inbound()    {}
func (LeaveSession) inbound()   {}
func (TextUpdate) inbound()     {}
func (CodeUpdate) inbound()     {}
func (ImageUpdate) inbound()    {}
func (CursorPosition) inbound() {}
func (TextSelection) inbound()  {}

// Decode parses one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to decode envelope: %w", ErrBadMessage, err)
	}
	var msg Inbound
	var err error
	switch env.Event {
	case KindJoinSession:
		msg, err = decodeInto[JoinSession](env.Data)
	case KindLeaveSession:
		msg, err = decodeInto[LeaveSession](env.Data)
	case KindTextUpdate:
		msg, err = decodeInto[TextUpdate](env.Data)
	case KindCodeUpdate:
		msg, err = decodeInto[CodeUpdate](env.Data)
	case KindImageUpdate:
		msg, err = decodeInto[ImageUpdate](env.Data)
	case KindCursorPosition:
		msg, err = decodeInto[CursorPosition](env.Data)
	case KindTextSelection:
		msg, err = decodeInto[TextSelection](env.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrBadMessage, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", ErrBadMessage, env.Event, err)
	}
	if msg.Session() == "" {
		return nil, fmt.Errorf("%w: %s without sessionId", ErrBadMessage, env.Event)
	}
	return msg, nil
}

func decodeInto[T Inbound](data json.RawMessage) (Inbound, error) {
	var out T
	if len(data) == 0 {
		return out, errors.New("missing data")
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Encode builds an inbound frame. Clients and tests use it.
func Encode(msg Inbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Event: msg.Kind(), Data: data})
}
