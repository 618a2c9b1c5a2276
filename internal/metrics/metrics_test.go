package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIsInstanceScoped(t *testing.T) {
	// Two registries must not collide the way global registration does.
	a := NewRegistry()
	b := NewRegistry()

	a.BarsIngested.WithLabelValues("ACME", "1m").Add(3)
	assert.Equal(t, 3.0, a.Snapshot().BarsIngested)
	assert.Equal(t, 0.0, b.Snapshot().BarsIngested)
}

func TestSnapshotSumsAcrossLabels(t *testing.T) {
	r := NewRegistry()
	r.BarsIngested.WithLabelValues("ACME", "1m").Add(2)
	r.BarsIngested.WithLabelValues("BETA", "1m").Add(5)
	r.DerivedBars.WithLabelValues("ACME", "5m").Inc()
	r.NotifyDropped.Add(4)
	r.GapFillAttempts.WithLabelValues("recovered").Inc()
	r.GapFillAttempts.WithLabelValues("empty").Inc()

	s := r.Snapshot()
	assert.Equal(t, 7.0, s.BarsIngested)
	assert.Equal(t, 1.0, s.DerivedBars)
	assert.Equal(t, 4.0, s.NotificationsDropped)
	assert.Equal(t, 2.0, s.GapFillAttempts)
}

func TestRecordTransitionMovesGauge(t *testing.T) {
	r := NewRegistry()
	r.RecordTransition("NOT_STARTED", "PRE_MARKET")
	r.RecordTransition("PRE_MARKET", "ACTIVE")

	families, err := r.reg.Gather()
	require.NoError(t, err)

	var stateVal float64
	var transitions float64
	for _, fam := range families {
		switch fam.GetName() {
		case "sessrun_session_state":
			stateVal = fam.GetMetric()[0].GetGauge().GetValue()
		case "sessrun_session_transitions_total":
			for _, m := range fam.GetMetric() {
				transitions += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, stateVal, "gauge tracks the latest state")
	assert.Equal(t, 2.0, transitions)
}

func TestHandlerServesOwnedRegistry(t *testing.T) {
	r := NewRegistry()
	r.BarsIngested.WithLabelValues("ACME", "1m").Inc()
	r.MustRegisterGaugeFunc("sessrun_cache_hits", "Bar cache hits", func() float64 { return 9 })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "sessrun_bars_ingested_total")
	assert.Contains(t, body, "sessrun_cache_hits 9")
}
