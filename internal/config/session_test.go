package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/domain"
)

const sessionYAML = `session_name: us-equities-backtest
mode: backtest
exchange_group: us_equities
asset_class: equity
backtest_config:
  start_date: "2025-01-02"
  end_date: "2025-01-03"
  speed_multiplier: 0
session_data_config:
  symbols: [AAPL, RIVN]
  streams: ["1m", "5m"]
  derived_intervals: ["15m"]
  historical:
    enable_quality: true
    data:
      - trailing_days: 5
        intervals: ["1m"]
    indicators:
      rsi_fast:
        type: rsi
        period: 14
        interval: "5m"
  gap_filler:
    max_retries: 4
  scanners:
    - module: volume_leaders
      enabled: true
      pre_session: true
      regular_session: ["10:30", "14:00"]
trading_config:
  max_buying_power: 100000
  max_per_trade: 5000
  max_per_symbol: 10000
  max_open_positions: 10
api_config:
  data_api: sim
  trade_api: sim
`

func writeSession(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSession(t *testing.T) {
	cfg, err := Load(writeSession(t, sessionYAML))
	require.NoError(t, err)

	assert.Equal(t, "us-equities-backtest", cfg.SessionName)
	assert.Equal(t, ModeBacktest, cfg.Mode)
	require.NotNil(t, cfg.Backtest)
	assert.Equal(t, 5, cfg.Backtest.PrefetchDays) // inherited from trailing_days

	// Defaults.
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 4, cfg.SessionData.GapFiller.MaxRetries) // explicit beats default
	assert.Equal(t, 5, cfg.SessionData.GapFiller.RetryIntervalSeconds)
	assert.Equal(t, 60, cfg.SessionData.Streaming.CatchupThresholdSeconds)
	assert.Equal(t, 10, cfg.SessionData.Streaming.CatchupCheckInterval)
	assert.Equal(t, "America/New_York", cfg.Calendar.Timezone)

	streams, err := cfg.ParsedStreams()
	require.NoError(t, err)
	require.Len(t, streams, 2)

	base, err := domain.RequiredBase(streams)
	require.NoError(t, err)
	assert.Equal(t, domain.Base1m, base)

	spec := cfg.SessionData.Historical.Indicators["rsi_fast"]
	ic, err := spec.Build()
	require.NoError(t, err)
	assert.Equal(t, "rsi_14_5m", ic.Key())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SESSRUN_DATABASE_PASSWORD", "hunter2")
	cfg, err := Load(writeSession(t, sessionYAML))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Contains(t, cfg.Database.DSN(), "password=hunter2")
}

func TestLoadRejectsMissingSections(t *testing.T) {
	missingTrading := `session_name: x
mode: live
session_data_config:
  symbols: [AAPL]
  streams: ["1m"]
api_config:
  data_api: sim
  trade_api: sim
`
	_, err := Load(writeSession(t, missingTrading))
	require.Error(t, err)

	_, err = Load(writeSession(t, "mode: live\n"))
	require.Error(t, err)
}

func TestLoadRejectsBacktestWithoutDates(t *testing.T) {
	body := `session_name: x
mode: backtest
session_data_config:
  symbols: [AAPL]
  streams: ["1m"]
trading_config:
  max_buying_power: 1
  max_per_trade: 1
  max_per_symbol: 1
  max_open_positions: 1
api_config:
  data_api: sim
  trade_api: sim
`
	_, err := Load(writeSession(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backtest_config")
}

func TestLoadRejectsHourlyStream(t *testing.T) {
	body := `session_name: x
mode: live
session_data_config:
  symbols: [AAPL]
  streams: ["1h"]
trading_config:
  max_buying_power: 1
  max_per_trade: 1
  max_per_symbol: 1
  max_open_positions: 1
api_config:
  data_api: sim
  trade_api: sim
`
	_, err := Load(writeSession(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "60m")
}

func TestLoadRejectsUnderivableDerived(t *testing.T) {
	body := `session_name: x
mode: live
session_data_config:
  symbols: [AAPL]
  streams: ["1d"]
  derived_intervals: ["5m"]
trading_config:
  max_buying_power: 1
  max_per_trade: 1
  max_per_symbol: 1
  max_open_positions: 1
api_config:
  data_api: sim
  trade_api: sim
`
	_, err := Load(writeSession(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not derivable")
}

func TestLoadRejectsBadScannerClock(t *testing.T) {
	body := `session_name: x
mode: live
session_data_config:
  symbols: [AAPL]
  streams: ["1m"]
  scanners:
    - module: volume_leaders
      enabled: true
      regular_session: ["25:99"]
trading_config:
  max_buying_power: 1
  max_per_trade: 1
  max_per_symbol: 1
  max_open_positions: 1
api_config:
  data_api: sim
  trade_api: sim
`
	_, err := Load(writeSession(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume_leaders")
}

func TestLoadRejectsIncompatibleStreams(t *testing.T) {
	body := `session_name: x
mode: live
session_data_config:
  symbols: [AAPL]
  streams: ["30s", "5m"]
trading_config:
  max_buying_power: 1
  max_per_trade: 1
  max_per_symbol: 1
  max_open_positions: 1
api_config:
  data_api: sim
  trade_api: sim
`
	_, err := Load(writeSession(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not derivable")
}
