package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordsTotal.WithLabelValues("success").Inc()
	m.NotificationFailures.Inc()
	m.StatusTransitionsTotal.WithLabelValues("PROCESSED", "ok").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatusTransitionsTotal.WithLabelValues("PROCESSED", "ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestPusherSendsGatheredMetrics(t *testing.T) {
	var method, path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.NotificationFailures.Inc()

	require.NoError(t, NewPusher(srv.URL, "fn-1", reg).Push(context.Background()))
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/docingest/instance/fn-1", path)
	assert.Contains(t, string(body), "docingest_notification_failures_total")
}

func TestPusherReportsGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	New(reg)
	assert.Error(t, NewPusher(srv.URL, "fn-1", reg).Push(context.Background()))
}
