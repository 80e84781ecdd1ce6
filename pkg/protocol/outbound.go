package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/astromechza/session-sync/pkg/session"
)

// Outbound is a server to client message.
type Outbound struct {
	Event Kind
	Data  any
}

func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", o.Event, err)
	}
	return json.Marshal(Envelope{Event: o.Event, Data: data})
}

type SessionDataPayload struct {
	SessionID string  `json:"sessionId"`
	Text      string  `json:"text"`
	Code      string  `json:"code"`
	ImageURL  *string `json:"imageUrl"`
}

type PresencePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

type TextUpdatePayload struct {
	SessionID string    `json:"sessionId,omitempty"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type CodeUpdatePayload struct {
	SessionID string    `json:"sessionId,omitempty"`
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type ImageUpdatePayload struct {
	SessionID string    `json:"sessionId,omitempty"`
	ImageURL  string    `json:"imageUrl"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type CursorPayload struct {
	SessionID   string    `json:"sessionId,omitempty"`
	CursorStart int       `json:"cursorStart"`
	CursorEnd   int       `json:"cursorEnd"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Timestamp   time.Time `json:"timestamp"`
}

type SelectionPayload struct {
	SessionID      string    `json:"sessionId,omitempty"`
	SelectionStart int       `json:"selectionStart"`
	SelectionEnd   int       `json:"selectionEnd"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	Timestamp      time.Time `json:"timestamp"`
}

type ErrorCode string

const (
	ErrorNotFound    ErrorCode = "not_found"
	ErrorUnavailable ErrorCode = "unavailable"
	ErrorNotMember   ErrorCode = "not_member"
	ErrorBadRequest  ErrorCode = "bad_request"
)

type ErrorPayload struct {
	SessionID string    `json:"sessionId,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

func SessionData(sessionID string, snap session.Snapshot) Outbound {
	return Outbound{Event: KindSessionData, Data: SessionDataPayload{
		SessionID: sessionID,
		Text:      snap.Text,
		Code:      snap.Code,
		ImageURL:  snap.ImageURL,
	}}
}

func UserJoined(sessionID string, p session.Participant) Outbound {
	return Outbound{Event: KindUserJoined, Data: PresencePayload{SessionID: sessionID, UserID: p.ParticipantID, Username: p.DisplayName}}
}

func UserLeft(sessionID string, p session.Participant) Outbound {
	return Outbound{Event: KindUserLeft, Data: PresencePayload{SessionID: sessionID, UserID: p.ParticipantID, Username: p.DisplayName}}
}

// FieldUpdated is the broadcast for an accepted mutation of field.
func FieldUpdated(sessionID string, field session.Field, value, userID string, at time.Time) (Outbound, error) {
	switch field {
	case session.FieldText:
		return Outbound{Event: KindTextUpdate, Data: TextUpdatePayload{SessionID: sessionID, Text: value, UserID: userID, Timestamp: at}}, nil
	case session.FieldCode:
		return Outbound{Event: KindCodeUpdate, Data: CodeUpdatePayload{SessionID: sessionID, Code: value, UserID: userID, Timestamp: at}}, nil
	case session.FieldImage:
		return Outbound{Event: KindImageUpdate, Data: ImageUpdatePayload{SessionID: sessionID, ImageURL: value, UserID: userID, Timestamp: at}}, nil
	default:
		return Outbound{}, fmt.Errorf("%w: %q", session.ErrUnknownField, field)
	}
}

func Cursor(m CursorPosition, at time.Time) Outbound {
	return Outbound{Event: KindCursorPosition, Data: CursorPayload{
		SessionID:   m.SessionID,
		CursorStart: m.CursorStart,
		CursorEnd:   m.CursorEnd,
		UserID:      m.UserID,
		Username:    m.Username,
		Timestamp:   at,
	}}
}

func Selection(m TextSelection, at time.Time) Outbound {
	return Outbound{Event: KindTextSelection, Data: SelectionPayload{
		SessionID:      m.SessionID,
		SelectionStart: m.SelectionStart,
		SelectionEnd:   m.SelectionEnd,
		UserID:         m.UserID,
		Username:       m.Username,
		Timestamp:      at,
	}}
}

func SessionError(sessionID string, code ErrorCode, message string) Outbound {
	return Outbound{Event: KindSessionError, Data: ErrorPayload{SessionID: sessionID, Code: code, Message: message}}
}
