package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/visp-platform/session-broker/pkg/models"
)

// SessionService is what the handlers need from the lifecycle manager.
type SessionService interface {
	Create(ctx context.Context, owner, workspaceRef string, kind models.SessionKind) (models.Session, bool, error)
	Get(token, owner string) (models.Session, error)
	List(owner string) []models.Session
	Commit(ctx context.Context, token, message string) error
	Delete(ctx context.Context, token string) error
	Status() models.StatusResponse
}

// Handler holds dependencies for the session control surface
type Handler struct {
	sessions SessionService
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions SessionService) *Handler {
	return &Handler{sessions: sessions}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromRequest(r)

	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sess, created, err := h.sessions.Create(r.Context(), owner, req.WorkspaceRef, req.Kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sess)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List(OwnerFromRequest(r))
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /v1/sessions/{token}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	sess, err := h.sessions.Get(token, OwnerFromRequest(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CommitSession handles POST /v1/sessions/{token}/commit
func (h *Handler) CommitSession(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	if _, err := h.sessions.Get(token, OwnerFromRequest(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	var req models.CommitRequest
	if r.Body != nil {
		// An empty body means a default commit message.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.sessions.Commit(r.Context(), token, req.Message); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "committed"})
}

// DeleteSession handles DELETE /v1/sessions/{token}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	if _, err := h.sessions.Get(token, OwnerFromRequest(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.sessions.Delete(r.Context(), token); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidToken):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrProvisioningFailed),
		errors.Is(err, models.ErrCommitFailed),
		errors.Is(err, models.ErrBackendUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
