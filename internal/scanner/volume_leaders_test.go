package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/barstore"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// leadersEnv seeds a bar store with one Friday session per symbol at
// the given per-bar volume and returns everything a scan needs.
func leadersEnv(t *testing.T, volumes map[string]float64) (Env, *fakeSink) {
	t.Helper()
	bars := barstore.NewMemory()
	for sym, vol := range volumes {
		seedHistory(t, bars, sym, friday, vol)
	}
	store := sessiondata.NewStore()
	store.ActivateSession(monday)
	sink := newFakeSink()
	return Env{Session: store, Bars: bars, Sink: sink}, sink
}

func leaders(t *testing.T, env Env, cfg map[string]any) *volumeLeaders {
	t.Helper()
	sc, err := New("volume_leaders", env, cfg)
	require.NoError(t, err)
	return sc.(*volumeLeaders)
}

func TestVolumeLeadersFactoryDefaults(t *testing.T) {
	v := leaders(t, Env{Bars: barstore.NewMemory()}, map[string]any{
		"universe": []any{" acme ", "beta"},
	})

	assert.Equal(t, "volume_leaders", v.Name())
	assert.Equal(t, []string{"ACME", "BETA"}, v.universe)
	assert.Equal(t, 3, v.topN)
	assert.Equal(t, 5, v.lookback)
	assert.Equal(t, domain.MustInterval("1d"), v.interval)
	assert.Zero(t, v.minDollar)
}

func TestVolumeLeadersFactoryValidation(t *testing.T) {
	bars := barstore.NewMemory()

	_, err := New("volume_leaders", Env{Bars: bars}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "universe is required")

	_, err = New("volume_leaders", Env{Bars: bars}, map[string]any{
		"universe": []any{"ac me"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	_, err = New("volume_leaders", Env{Bars: bars}, map[string]any{
		"universe": []any{"acme"},
		"top_n":    0,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	_, err = New("volume_leaders", Env{Bars: bars}, map[string]any{
		"universe": []any{"acme"},
		"interval": "7q",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")

	_, err = New("volume_leaders", Env{}, map[string]any{
		"universe": []any{"acme"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bar store is required")
}

func TestVolumeLeadersRanksByDollarVolume(t *testing.T) {
	// Five bars per symbol, closes 100..104; dollar volume scales with
	// the per-bar volume. AAA and CCC tie, so the symbol breaks it.
	env, sink := leadersEnv(t, map[string]float64{
		"CCC": 500,
		"AAA": 500,
		"BBB": 1000,
	})
	v := leaders(t, env, map[string]any{
		"universe": []any{"aaa", "bbb", "ccc", "ddd"},
		"top_n":    2,
		"interval": "1m",
	})

	res, err := v.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Evaluated)
	assert.Equal(t, []string{"BBB", "AAA"}, res.Promoted)
	assert.Equal(t, []string{"BBB", "AAA"}, sink.added)
	assert.True(t, sink.full["BBB"], "leaders get full session scope")
}

func TestVolumeLeadersHonorsDollarFloor(t *testing.T) {
	env, sink := leadersEnv(t, map[string]float64{
		"AAA": 500,  // ~255k dollar volume
		"BBB": 1000, // ~510k
	})
	v := leaders(t, env, map[string]any{
		"universe":          []any{"aaa", "bbb"},
		"top_n":             3,
		"interval":          "1m",
		"min_dollar_volume": 300000,
	})

	res, err := v.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BBB"}, res.Promoted, "below-floor symbols stay out even with rank room")
	assert.Equal(t, []string{"BBB"}, sink.added)
}

func TestVolumeLeadersSkipsAlreadyFullSymbols(t *testing.T) {
	env, sink := leadersEnv(t, map[string]float64{"AAA": 500, "BBB": 1000})
	_, err := env.Session.RegisterSymbol("BBB", domain.MustInterval("1m"), sessiondata.SymbolMeta{
		AddedBy:          sessiondata.SourceConfig,
		MeetsSessionReqs: true,
	})
	require.NoError(t, err)

	v := leaders(t, env, map[string]any{
		"universe": []any{"aaa", "bbb"},
		"top_n":    2,
		"interval": "1m",
	})

	res, err := v.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Evaluated, "full-scope symbols are not candidates")
	assert.Equal(t, []string{"AAA"}, res.Promoted)
	assert.Equal(t, []string{"AAA"}, sink.added)
}

func TestVolumeLeadersToleratesPipelineRejection(t *testing.T) {
	env, sink := leadersEnv(t, map[string]float64{"AAA": 500, "BBB": 1000})
	sink.reject["BBB"] = true

	v := leaders(t, env, map[string]any{
		"universe": []any{"aaa", "bbb"},
		"top_n":    2,
		"interval": "1m",
	})

	res, err := v.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, res.Promoted, "a rejected leader must not abort the scan")
}

func TestVolumeLeadersScanRequiresSessionDate(t *testing.T) {
	env := Env{Session: sessiondata.NewStore(), Bars: barstore.NewMemory(), Sink: newFakeSink()}
	v := leaders(t, env, map[string]any{
		"universe": []any{"aaa"},
		"interval": "1m",
	})

	_, err := v.Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session date")
}
