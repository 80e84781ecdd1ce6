package session

import "errors"

var (
	ErrNotFound         = errors.New("session not found")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrUploadFailed     = errors.New("upload failed")
)

var (
	ErrNotHot       = errors.New("session is not loaded")
	ErrEvicted      = errors.New("session was evicted")
	ErrNotMember    = errors.New("connection is not a member of the session")
	ErrUnknownField = errors.New("unknown field")
)
