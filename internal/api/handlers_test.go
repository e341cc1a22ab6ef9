package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visp-platform/session-broker/internal/ratelimit"
	"github.com/visp-platform/session-broker/pkg/models"
)

// stubService is a canned SessionService for handler tests.
type stubService struct {
	sessions  map[string]models.Session
	createErr error
	commitErr error
	deleteErr error
	created   bool
}

func newStubService() *stubService {
	return &stubService{sessions: make(map[string]models.Session), created: true}
}

func (s *stubService) Create(ctx context.Context, owner, workspaceRef string, kind models.SessionKind) (models.Session, bool, error) {
	if s.createErr != nil {
		return models.Session{}, false, s.createErr
	}
	sess := models.Session{
		Token: "tok-" + owner, Owner: owner, WorkspaceRef: workspaceRef,
		Kind: kind, State: models.StateActive,
		CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}
	s.sessions[sess.Token] = sess
	return sess, s.created, nil
}

func (s *stubService) Get(token, owner string) (models.Session, error) {
	sess, ok := s.sessions[token]
	if !ok || sess.Owner != owner {
		return models.Session{}, models.ErrInvalidToken
	}
	return sess, nil
}

func (s *stubService) List(owner string) []models.Session {
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Owner == owner {
			out = append(out, sess)
		}
	}
	return out
}

func (s *stubService) Commit(ctx context.Context, token, message string) error {
	return s.commitErr
}

func (s *stubService) Delete(ctx context.Context, token string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.sessions[token]; !ok {
		return models.ErrInvalidToken
	}
	delete(s.sessions, token)
	return nil
}

func (s *stubService) Status() models.StatusResponse {
	return models.StatusResponse{
		Sessions: map[models.SessionState]int{models.StateActive: len(s.sessions)},
		Total:    len(s.sessions),
	}
}

func newTestRouter(svc SessionService) http.Handler {
	h := NewHandler(svc)
	proxyStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot) // marks "reached the proxy"
	})
	return h.SetupRoutes(proxyStub, ratelimit.NewLimiter(3600, 100), 100)
}

func doRequest(t *testing.T, router http.Handler, method, path, owner string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionReturns201(t *testing.T) {
	router := newTestRouter(newStubService())

	rec := doRequest(t, router, "POST", "/v1/sessions", "alice",
		`{"workspaceRef":"proj1","kind":"rstudio"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "alice", sess.Owner)
	assert.NotEmpty(t, sess.Token)
}

func TestCreateSessionIdempotentReturns200(t *testing.T) {
	svc := newStubService()
	svc.created = false
	router := newTestRouter(svc)

	rec := doRequest(t, router, "POST", "/v1/sessions", "alice",
		`{"workspaceRef":"proj1","kind":"rstudio"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlSurfaceRequiresOwner(t *testing.T) {
	router := newTestRouter(newStubService())

	for _, tc := range []struct{ method, path string }{
		{"POST", "/v1/sessions"},
		{"GET", "/v1/sessions"},
		{"GET", "/v1/status"},
		{"DELETE", "/v1/sessions/tok"},
	} {
		rec := doRequest(t, router, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestCreateSessionErrorMapping(t *testing.T) {
	svc := newStubService()
	router := newTestRouter(svc)

	svc.createErr = models.ErrProvisioningFailed
	rec := doRequest(t, router, "POST", "/v1/sessions", "alice",
		`{"workspaceRef":"proj1","kind":"rstudio"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	svc.createErr = models.ErrConflict
	rec = doRequest(t, router, "POST", "/v1/sessions", "alice",
		`{"workspaceRef":"proj1","kind":"rstudio"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetSessionOwnerScoped(t *testing.T) {
	svc := newStubService()
	router := newTestRouter(svc)
	doRequest(t, router, "POST", "/v1/sessions", "alice", `{"workspaceRef":"proj1","kind":"rstudio"}`)

	rec := doRequest(t, router, "GET", "/v1/sessions/tok-alice", "alice", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, "GET", "/v1/sessions/tok-alice", "mallory", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsEmptyIsArray(t *testing.T) {
	router := newTestRouter(newStubService())

	rec := doRequest(t, router, "GET", "/v1/sessions", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestDeleteSession(t *testing.T) {
	svc := newStubService()
	router := newTestRouter(svc)
	doRequest(t, router, "POST", "/v1/sessions", "alice", `{"workspaceRef":"proj1","kind":"rstudio"}`)

	rec := doRequest(t, router, "DELETE", "/v1/sessions/tok-alice", "alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, "DELETE", "/v1/sessions/tok-alice", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommitConflictMapsTo409(t *testing.T) {
	svc := newStubService()
	router := newTestRouter(svc)
	doRequest(t, router, "POST", "/v1/sessions", "alice", `{"workspaceRef":"proj1","kind":"rstudio"}`)

	svc.commitErr = models.ErrConflict
	rec := doRequest(t, router, "POST", "/v1/sessions/tok-alice/commit", "alice", `{"message":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.commitErr = models.ErrCommitFailed
	rec = doRequest(t, router, "POST", "/v1/sessions/tok-alice/commit", "alice", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	svc.commitErr = nil
	rec = doRequest(t, router, "POST", "/v1/sessions/tok-alice/commit", "alice", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRateLimited(t *testing.T) {
	h := NewHandler(newStubService())
	router := h.SetupRoutes(http.NotFoundHandler(), ratelimit.NewLimiter(1, 1), 1)

	rec := doRequest(t, router, "POST", "/v1/sessions", "alice",
		`{"workspaceRef":"proj1","kind":"rstudio"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, "POST", "/v1/sessions", "alice",
		`{"workspaceRef":"proj2","kind":"rstudio"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// A different owner has their own budget.
	rec = doRequest(t, router, "POST", "/v1/sessions", "bob",
		`{"workspaceRef":"proj1","kind":"rstudio"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestNonControlPathsReachProxy(t *testing.T) {
	router := newTestRouter(newStubService())

	rec := doRequest(t, router, "GET", "/rstudio/some/page", "", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	svc := newStubService()
	router := newTestRouter(svc)
	doRequest(t, router, "POST", "/v1/sessions", "alice", `{"workspaceRef":"proj1","kind":"rstudio"}`)

	rec := doRequest(t, router, "GET", "/v1/status", "ops", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Total)
}
