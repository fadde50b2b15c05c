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

	"hybrid-sync-service/internal/backend"
	"hybrid-sync-service/internal/conn"
	"hybrid-sync-service/internal/store"
	"hybrid-sync-service/internal/sync"
)

// stubAdapter is an always-up remote with no entities.
type stubAdapter struct{ healthy bool }

func (s *stubAdapter) Name() string { return "primary" }

func (s *stubAdapter) HealthCheck(ctx context.Context) error {
	if !s.healthy {
		return &backend.NetworkError{Op: "healthcheck", Message: "down"}
	}
	return nil
}

func (s *stubAdapter) Get(ctx context.Context, entityType, id string) (*backend.Entity, error) {
	return nil, &backend.NotFoundError{EntityType: entityType, ID: id}
}

func (s *stubAdapter) Query(ctx context.Context, entityType string, filter backend.Filter) ([]*backend.Entity, error) {
	return nil, nil
}

func (s *stubAdapter) Create(ctx context.Context, entityType string, data map[string]any) (*backend.Entity, error) {
	return &backend.Entity{ID: "srv-1", Type: entityType, Data: data, UpdatedAt: time.Now().UTC()}, nil
}

func (s *stubAdapter) Update(ctx context.Context, entityType, id string, patch map[string]any) (*backend.Entity, error) {
	return &backend.Entity{ID: id, Type: entityType, Data: patch, UpdatedAt: time.Now().UTC()}, nil
}

func (s *stubAdapter) Delete(ctx context.Context, entityType, id string) error { return nil }

func newTestHandler(t *testing.T, authToken string) (*Handler, *store.Persistence, *stubAdapter) {
	t.Helper()
	local := store.NewPersistence(store.NewMemoryStorage())
	primary := &stubAdapter{healthy: true}
	offline := backend.NewOfflineAdapter(local)
	manager := conn.NewManager(primary, nil, offline, local, nil, time.Second)
	engine := sync.NewEngine(manager, local, sync.PolicyServerWins, 3, []string{"tasks"})
	return NewHandler(manager, engine, local, authToken), local, primary
}

func doRequest(t *testing.T, h *Handler, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	w := doRequest(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestGetConnection(t *testing.T) {
	h, _, primary := newTestHandler(t, "")

	w := doRequest(t, h, http.MethodGet, "/api/v1/connection", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "offline", body["status"], "no probe has run yet")

	// A check moves the state.
	w = doRequest(t, h, http.MethodPost, "/api/v1/connection/check", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "primary", decodeBody(t, w)["status"])

	primary.healthy = false
	w = doRequest(t, h, http.MethodPost, "/api/v1/connection/check", "", "")
	body = decodeBody(t, w)
	assert.Equal(t, "offline", body["status"], "no fallback configured")
}

func TestGetSyncStatusAndQueue(t *testing.T) {
	ctx := context.Background()
	h, local, _ := newTestHandler(t, "")

	_, err := local.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, store.OpCreate)
	require.NoError(t, err)

	w := doRequest(t, h, http.MethodGet, "/api/v1/sync/status", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	status := decodeBody(t, w)
	assert.EqualValues(t, 1, status["pending_changes"])
	assert.Equal(t, false, status["sync_in_progress"])

	w = doRequest(t, h, http.MethodGet, "/api/v1/sync/queue", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	queue := decodeBody(t, w)
	assert.EqualValues(t, 1, queue["count"])
}

func TestTriggerSync(t *testing.T) {
	ctx := context.Background()
	h, local, _ := newTestHandler(t, "")

	_, err := local.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, store.OpCreate)
	require.NoError(t, err)
	doRequest(t, h, http.MethodPost, "/api/v1/connection/check", "", "")

	w := doRequest(t, h, http.MethodPost, "/api/v1/sync/trigger", "", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "started", decodeBody(t, w)["status"])

	require.Eventually(t, func() bool {
		items, err := local.ListQueue(context.Background())
		return err == nil && len(items) == 0
	}, time.Second, time.Millisecond, "triggered sync drains the queue")
}

func TestListConflicts(t *testing.T) {
	ctx := context.Background()
	h, local, _ := newTestHandler(t, "")

	require.NoError(t, local.AddConflict(ctx, &store.ConflictRecord{
		ID:         "c1",
		EntityType: "tasks",
		EntityID:   "t1",
		LocalData:  map[string]any{"name": "B"},
		RemoteData: map[string]any{"name": "C"},
		DetectedAt: time.Now().UTC(),
	}))

	w := doRequest(t, h, http.MethodGet, "/api/v1/conflicts", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = doRequest(t, h, http.MethodGet, "/api/v1/conflicts?resolved=true", "", "")
	assert.EqualValues(t, 0, decodeBody(t, w)["count"])
}

func TestResolveConflictEndpoint(t *testing.T) {
	ctx := context.Background()
	h, local, _ := newTestHandler(t, "")

	require.NoError(t, local.AddConflict(ctx, &store.ConflictRecord{
		ID:         "c1",
		EntityType: "tasks",
		EntityID:   "t1",
		LocalData:  map[string]any{"name": "B"},
		RemoteData: map[string]any{"name": "C"},
		DetectedAt: time.Now().UTC(),
	}))
	doRequest(t, h, http.MethodPost, "/api/v1/connection/check", "", "")

	w := doRequest(t, h, http.MethodPost, "/api/v1/conflicts/c1/resolve", "", `{"choice":"local"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	resolved, err := local.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "local", resolved[0].Resolution)

	// Bad choice rejected.
	w = doRequest(t, h, http.MethodPost, "/api/v1/conflicts/c1/resolve", "", `{"choice":"local"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "double resolution rejected")
}

func TestAuthMiddleware(t *testing.T) {
	h, _, _ := newTestHandler(t, "secret")

	w := doRequest(t, h, http.MethodGet, "/api/v1/connection", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, h, http.MethodGet, "/api/v1/connection", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, h, http.MethodGet, "/api/v1/connection", "secret", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	w = doRequest(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
