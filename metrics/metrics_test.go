package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics("etflab")
	m.RegisterBuildInfo("etflab", "v1.2.3")
	m.RegisterBuildInfo("etflab", "ignored")

	m.TrialsTotal.WithLabelValues("accepted").Add(3)
	m.RejectionsTotal.WithLabelValues("history").Inc()
	m.AttemptsPerTrial.Observe(2)
	m.ObserveStage("simulate")()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrialsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `etflab_trials_total{outcome="accepted"} 3`)
	assert.Contains(t, out, `etflab_trial_rejections_total{reason="history"} 1`)
	assert.Contains(t, out, `etflab_build_info{service="etflab",version="v1.2.3"} 1`)
	assert.Contains(t, out, "etflab_stage_duration_seconds_count")
	assert.Contains(t, out, "go_goroutines")
}

func TestObserveStageNil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.ObserveStage("noop")() })
	assert.NotPanics(t, func() { m.RegisterBuildInfo("x", "y") })
}
