package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	"github.com/koopa0/system-design/14-realtime-groups/internal/server"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	"github.com/koopa0/system-design/14-realtime-groups/internal/testutil"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCounter int

func (c fixedCounter) Count() int { return int(c) }

type fixedQueue struct {
	size, pending int
}

func (q fixedQueue) QueueSize(ctx context.Context) (int, error) { return q.size, nil }
func (q fixedQueue) Pending() int                                { return q.pending }

func newHandler(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	h := server.NewHandler(server.Deps{
		OriginID:   "o:test",
		WebSocket:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }),
		Relay:      fixedCounter(4),
		Membership: st,
		Queue:      fixedQueue{size: 2, pending: 1},
		Syncs:      func() int { return 3 },
		UDPPeers:   func() int { return 5 },
		Metrics:    metrics.New("test").Handler(),
	}, testutil.Logger())
	return h.Routes(), st
}

func TestHandler_Routes(t *testing.T) {
	routes, st := newHandler(t)

	ctx := context.Background()
	groupID, err := st.CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Join(ctx, groupID, "c:1"))

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "health",
			method:         http.MethodGet,
			path:           "/health",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "healthy", resp["status"])
				assert.Equal(t, "o:test", resp["originId"])
			},
		},
		{
			name:           "stats",
			method:         http.MethodGet,
			path:           "/stats",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 4, resp["connections"])
				assert.EqualValues(t, 2, resp["queueSize"])
				assert.EqualValues(t, 1, resp["pendingMatches"])
				assert.EqualValues(t, 3, resp["activeSyncs"])
				assert.EqualValues(t, 5, resp["udpPeers"])
			},
		},
		{
			name:           "group members",
			method:         http.MethodGet,
			path:           "/groups/" + groupID,
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, groupID, resp["groupId"])
				assert.Equal(t, []any{"c:1"}, resp["members"])
			},
		},
		{
			name:           "unknown group",
			method:         http.MethodGet,
			path:           "/groups/g:missing",
			expectedStatus: http.StatusNotFound,
			validate: func(t *testing.T, resp map[string]any) {
				assert.NotEmpty(t, resp["error"])
			},
		},
		{
			name:           "reconcile",
			method:         http.MethodPost,
			path:           "/admin/reconcile",
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, true, resp["consistent"])
			},
		},
		{
			name:           "panic is recovered",
			method:         http.MethodGet,
			path:           "/ws",
			expectedStatus: http.StatusInternalServerError,
			validate: func(t *testing.T, resp map[string]any) {
				assert.NotEmpty(t, resp["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			routes.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			tt.validate(t, resp)
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	routes, _ := newHandler(t)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_")
}

// downMembership 模擬共享儲存斷線
type downMembership struct{}

func (downMembership) GetGroup(ctx context.Context, groupID string) (*store.GroupInfo, error) {
	return nil, apperrors.Wrap(errors.New("connection refused"),
		apperrors.ErrStoreUnavailable.Code, apperrors.ErrStoreUnavailable.Message)
}

func (downMembership) Reconcile(ctx context.Context) (*store.RepairReport, error) {
	return nil, errors.New("boom")
}

func TestHandler_StoreErrors(t *testing.T) {
	routes := server.NewHandler(server.Deps{
		OriginID:   "o:test",
		Membership: downMembership{},
	}, testutil.Logger()).Routes()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		wantError      string
	}{
		{name: "store unavailable", method: http.MethodGet, path: "/groups/g:1", expectedStatus: http.StatusServiceUnavailable, wantError: "shared store unavailable"},
		{name: "unexpected error", method: http.MethodPost, path: "/admin/reconcile", expectedStatus: http.StatusInternalServerError, wantError: "內部伺服器錯誤"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			routes.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp["error"])
		})
	}
}
