package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StaleView()
	m.StoreError("get")
	m.Mutation("online")
	m.Heartbeat("pc")
	m.AutoSleep()
	m.ObserveHTTP("/status", "GET", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.StaleView()
	m.StaleView()
	m.StoreError("set")
	m.Mutation("dnd")
	m.Heartbeat("mobile")
	m.ObserveHTTP("/status", "POST", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.staleViews))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/status", "POST", "200")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "presence_stale_views_total 2")
	assert.Contains(t, string(body), `presence_heartbeats_total{source="mobile"} 1`)
}
