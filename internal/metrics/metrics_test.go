package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveOutcome("seo", "success")
	r.ObserveOutcome("seo", "success")
	r.ObserveOutcome("seo", "rate_limited")
	r.ObserveBatch("seo", 2, true, 1500*time.Millisecond)
	r.ObserveRun("seo", "exhausted")
	r.SetJobsRunning(2)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `workledger_item_outcomes_total{outcome="success",pipeline="seo"} 2`)
	assert.Contains(t, text, `workledger_batches_total{pipeline="seo",rate_limited="true"} 1`)
	assert.Contains(t, text, `workledger_items_attempted_total{pipeline="seo"} 2`)
	assert.Contains(t, text, `workledger_runs_total{pipeline="seo",stop_reason="exhausted"} 1`)
	assert.Contains(t, text, `workledger_jobs_running 2`)
}
