package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/astromechza/session-sync/pkg/auth"
	"github.com/astromechza/session-sync/pkg/blob"
	"github.com/astromechza/session-sync/pkg/session"
)

type createSessionRequest struct {
	SessionName string `json:"sessionName"`
	CreatorID   string `json:"creatorId"`
}

type textUpdateRequest struct {
	Text   string `json:"text"`
	UserID string `json:"userId"`
}

type imageUpdateResponse struct {
	SessionID string `json:"sessionId"`
	ImageURL  string `json:"imageUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, msg string) {
	writeJSON(writer, status, errorResponse{Error: msg})
}

// writeSessionError maps session errors onto status codes.
func writeSessionError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(writer, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrStoreUnavailable):
		slog.Error("store unavailable", "err", err)
		writeError(writer, http.StatusServiceUnavailable, "session store unavailable")
	default:
		slog.Error("request failed", "err", err)
		writeError(writer, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) health(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{"status": "ok", "timestamp": s.now().UTC()})
}

func (s *Server) createSession(writer http.ResponseWriter, request *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json body")
		return
	}
	if id, ok := auth.FromContext(request.Context()); ok {
		body.CreatorID = id.UserID
	}
	if body.SessionName == "" || body.CreatorID == "" {
		writeError(writer, http.StatusBadRequest, "sessionName and creatorId are required")
		return
	}
	created, err := s.store.CreateSession(request.Context(), body.SessionName, body.CreatorID)
	if err != nil {
		writeSessionError(writer, err)
		return
	}
	s.registry.Put(created)
	slog.Info("created session", "session", created.ID, "creator", created.CreatorID)
	writeJSON(writer, http.StatusCreated, created)
}

func (s *Server) listSessions(writer http.ResponseWriter, request *http.Request) {
	list, err := s.store.ListSessions(request.Context())
	if err != nil {
		writeSessionError(writer, err)
		return
	}
	// hot copies are ahead of the store until the persister catches up
	for i := range list {
		if e, ok := s.registry.Get(list[i].ID); ok {
			list[i] = e.Session()
		}
	}
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(writer, http.StatusOK, list)
}

func (s *Server) getSession(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["session"]
	if e, ok := s.registry.Get(id); ok {
		writeJSON(writer, http.StatusOK, e.Session())
		return
	}
	rec, err := s.store.GetSession(request.Context(), id)
	if err != nil {
		writeSessionError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, rec)
}

func (s *Server) updateText(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["session"]
	var body textUpdateRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json body")
		return
	}
	if ident, ok := auth.FromContext(request.Context()); ok {
		body.UserID = ident.UserID
	}
	if err := s.dispatcher.ApplyServerUpdate(request.Context(), id, session.FieldText, body.Text, body.UserID); err != nil {
		writeSessionError(writer, err)
		return
	}
	e, ok := s.registry.Get(id)
	if !ok {
		writer.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(writer, http.StatusOK, e.Session())
}

func (s *Server) uploadImage(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["session"]
	request.Body = http.MaxBytesReader(writer, request.Body, s.opts.MaxUploadBytes)
	if err := request.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(writer, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(writer, http.StatusBadRequest, "expected multipart form with an image field")
		return
	}
	defer func() {
		_ = request.MultipartForm.RemoveAll()
	}()
	f, _, err := request.FormFile("image")
	if err != nil {
		writeError(writer, http.StatusBadRequest, "no image uploaded")
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "failed to read image")
		return
	}

	userID := request.FormValue("userId")
	if ident, ok := auth.FromContext(request.Context()); ok {
		userID = ident.UserID
	}

	// check the session before storing anything for it
	if _, err := s.registry.EnsureLoaded(request.Context(), id); err != nil {
		writeSessionError(writer, err)
		return
	}

	started := time.Now()
	url, err := s.blobs.Upload(request.Context(), content)
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrUnsupportedType):
			writeError(writer, http.StatusBadRequest, "only image uploads are accepted")
		default:
			slog.Error("failed to upload image", "session", id, "err", err)
			writeError(writer, http.StatusBadGateway, "image upload failed")
		}
		return
	}
	slog.Debug("uploaded image", "session", id, "url", url, "duration", time.Since(started))

	if err := s.dispatcher.ApplyServerUpdate(request.Context(), id, session.FieldImage, url, userID); err != nil {
		writeSessionError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, imageUpdateResponse{SessionID: id, ImageURL: url})
}
