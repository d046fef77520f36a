package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New("groups")
	m.ConnectionOpened()
	m.MessageSent(metrics.DeliveryRelayed)
	m.Match(metrics.OutcomeStarted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "groups_connections 1")
	assert.Contains(t, string(body), `groups_messages_sent_total{mode="relayed"} 1`)
	assert.Contains(t, string(body), `groups_matches_total{outcome="started"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.MessageSent(metrics.DeliveryLocal)
		m.QueueSize(3)
		m.StateTick()
	})
}
