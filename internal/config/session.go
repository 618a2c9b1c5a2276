// Package config loads and validates session configuration: YAML file
// first, environment overrides second, defaults and cross-field checks
// last.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
)

// envPrefix namespaces environment overrides (SESSRUN_DATABASE_PASSWORD
// and friends), keeping credentials out of session files.
const envPrefix = "SESSRUN"

// Mode selects how the clock and feed are driven.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// Config is one session definition plus the process-level plumbing
// (database, redis, http) the runtime needs to serve it.
type Config struct {
	SessionName   string `yaml:"session_name" validate:"required"`
	Mode          Mode   `yaml:"mode" validate:"required,oneof=backtest live"`
	ExchangeGroup string `yaml:"exchange_group"`
	AssetClass    string `yaml:"asset_class"`

	Backtest    *BacktestConfig    `yaml:"backtest_config"`
	SessionData *SessionDataConfig `yaml:"session_data_config" validate:"required"`
	Trading     *TradingConfig     `yaml:"trading_config" validate:"required"`
	API         *APIConfig         `yaml:"api_config" validate:"required"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Calendar CalendarConfig `yaml:"calendar"`
	Log      LogConfig      `yaml:"log"`
}

// BacktestConfig bounds a historical replay.
type BacktestConfig struct {
	StartDate       string  `yaml:"start_date" validate:"required"`
	EndDate         string  `yaml:"end_date" validate:"required"`
	SpeedMultiplier float64 `yaml:"speed_multiplier"`
	PrefetchDays    int     `yaml:"prefetch_days"`
}

// Dates parses the replay bounds in the exchange timezone.
func (b *BacktestConfig) Dates(loc *time.Location) (start, end time.Time, err error) {
	start, err = time.ParseInLocation("2006-01-02", b.StartDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err = time.ParseInLocation("2006-01-02", b.EndDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end_date: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date %s before start_date %s", b.EndDate, b.StartDate)
	}
	return start, end, nil
}

// SessionDataConfig declares what the session tracks.
type SessionDataConfig struct {
	Symbols          []string         `yaml:"symbols" validate:"required,min=1"`
	Streams          []string         `yaml:"streams" validate:"required,min=1"`
	DerivedIntervals []string         `yaml:"derived_intervals"`
	Historical       HistoricalConfig `yaml:"historical"`
	GapFiller        GapFillerConfig  `yaml:"gap_filler"`
	Streaming        StreamingConfig  `yaml:"streaming"`
	Scanners         []ScannerConfig  `yaml:"scanners"`
}

// HistoricalConfig controls prefetch and warm-up inputs.
type HistoricalConfig struct {
	EnableQuality bool                     `yaml:"enable_quality"`
	Data          []HistoricalData         `yaml:"data"`
	Indicators    map[string]IndicatorSpec `yaml:"indicators"`
}

// HistoricalData is one trailing-window prefetch request.
type HistoricalData struct {
	TrailingDays int      `yaml:"trailing_days" validate:"min=0"`
	Intervals    []string `yaml:"intervals" validate:"required,min=1"`
}

// IndicatorSpec is the config-file form of an indicator. The map key
// under historical.indicators is a free label; Type names the
// implementation in the indicator registry.
type IndicatorSpec struct {
	Type     string             `yaml:"type" validate:"required"`
	Period   int                `yaml:"period"`
	Interval string             `yaml:"interval" validate:"required"`
	Params   map[string]float64 `yaml:"params"`
}

// Build resolves the config-file form against the indicator registry.
func (s IndicatorSpec) Build() (indicators.Config, error) {
	iv, err := domain.ParseInterval(s.Interval)
	if err != nil {
		return indicators.Config{}, err
	}
	return indicators.NewConfig(s.Type, s.Period, iv, s.Params)
}

// GapFillerConfig bounds the store-retry loop for detected gaps.
type GapFillerConfig struct {
	MaxRetries           int  `yaml:"max_retries"`
	RetryIntervalSeconds int  `yaml:"retry_interval_seconds"`
	EnableSessionQuality bool `yaml:"enable_session_quality"`
}

// RetryInterval is the pause between store retries.
func (g GapFillerConfig) RetryInterval() time.Duration {
	return time.Duration(g.RetryIntervalSeconds) * time.Second
}

// StreamingConfig tunes lag control.
type StreamingConfig struct {
	CatchupThresholdSeconds int `yaml:"catchup_threshold_seconds"`
	CatchupCheckInterval    int `yaml:"catchup_check_interval"`
}

// CatchupThreshold is the max tolerated processing lag.
func (s StreamingConfig) CatchupThreshold() time.Duration {
	return time.Duration(s.CatchupThresholdSeconds) * time.Second
}

// ScannerConfig schedules one scanner module.
type ScannerConfig struct {
	Module         string         `yaml:"module" validate:"required"`
	Enabled        bool           `yaml:"enabled"`
	PreSession     bool           `yaml:"pre_session"`
	RegularSession []string       `yaml:"regular_session"`
	Config         map[string]any `yaml:"config"`
}

// TradingConfig caps what provisioned strategies may commit.
type TradingConfig struct {
	MaxBuyingPower   float64 `yaml:"max_buying_power" validate:"gt=0"`
	MaxPerTrade      float64 `yaml:"max_per_trade" validate:"gt=0"`
	MaxPerSymbol     float64 `yaml:"max_per_symbol" validate:"gt=0"`
	MaxOpenPositions int     `yaml:"max_open_positions" validate:"gt=0"`
}

// APIConfig names the upstream adapters.
type APIConfig struct {
	DataAPI  string `yaml:"data_api" validate:"required"`
	TradeAPI string `yaml:"trade_api" validate:"required"`
}

// DatabaseConfig is the Postgres bar/calendar store connection.
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Name           string `yaml:"name"`
	SSLMode        string `yaml:"ssl_mode"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Timeout is the per-query deadline.
func (d DatabaseConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// RedisConfig covers both the hot bar cache and the notification
// publisher.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig is the monitoring HTTP listener.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// CalendarConfig locates the trading calendar.
type CalendarConfig struct {
	Timezone      string `yaml:"timezone"`
	Open          string `yaml:"open"`
	Close         string `yaml:"close"`
	BootstrapFile string `yaml:"bootstrap_file"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file, applies SESSRUN_* environment overrides,
// fills defaults and validates. Any failure here is fatal to startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse session config: %w", err)
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "sessrun"
	}
	if c.Database.Name == "" {
		c.Database.Name = "sessrun"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.Database.TimeoutSeconds == 0 {
		c.Database.TimeoutSeconds = 10
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "America/New_York"
	}
	if c.Calendar.Open == "" {
		c.Calendar.Open = "09:30"
	}
	if c.Calendar.Close == "" {
		c.Calendar.Close = "16:00"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.SessionData == nil {
		return
	}
	sd := c.SessionData
	if sd.GapFiller.MaxRetries == 0 {
		sd.GapFiller.MaxRetries = 3
	}
	if sd.GapFiller.RetryIntervalSeconds == 0 {
		sd.GapFiller.RetryIntervalSeconds = 5
	}
	if sd.Streaming.CatchupThresholdSeconds == 0 {
		sd.Streaming.CatchupThresholdSeconds = 60
	}
	if sd.Streaming.CatchupCheckInterval == 0 {
		sd.Streaming.CatchupCheckInterval = 10
	}
	if c.Backtest != nil && c.Backtest.PrefetchDays == 0 {
		for _, h := range sd.Historical.Data {
			if h.TrailingDays > c.Backtest.PrefetchDays {
				c.Backtest.PrefetchDays = h.TrailingDays
			}
		}
	}
}

// Validate enforces the load-time rules: struct tags first, then the
// cross-field checks the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	if c.Mode == ModeBacktest && c.Backtest == nil {
		return fmt.Errorf("mode=backtest requires backtest_config")
	}

	streams, err := c.ParsedStreams()
	if err != nil {
		return err
	}
	base, err := domain.RequiredBase(streams)
	if err != nil {
		return err
	}
	for _, tag := range c.SessionData.DerivedIntervals {
		iv, err := domain.ParseInterval(tag)
		if err != nil {
			return fmt.Errorf("invalid derived interval: %w", err)
		}
		if !iv.DerivableFrom(base) {
			return fmt.Errorf("derived interval %s not derivable from base %s", iv, base)
		}
	}
	for _, h := range c.SessionData.Historical.Data {
		for _, tag := range h.Intervals {
			if _, err := domain.ParseInterval(tag); err != nil {
				return fmt.Errorf("invalid historical interval: %w", err)
			}
		}
	}
	for label, spec := range c.SessionData.Historical.Indicators {
		if _, err := spec.Build(); err != nil {
			return fmt.Errorf("indicator %q: %w", label, err)
		}
	}
	for _, sc := range c.SessionData.Scanners {
		for _, clock := range sc.RegularSession {
			if _, err := calendar.ParseClock(clock); err != nil {
				return fmt.Errorf("scanner %s: %w", sc.Module, err)
			}
		}
	}
	if c.Backtest != nil {
		loc, err := time.LoadLocation(c.Calendar.Timezone)
		if err != nil {
			return fmt.Errorf("invalid calendar timezone: %w", err)
		}
		if _, _, err := c.Backtest.Dates(loc); err != nil {
			return err
		}
	}
	return nil
}

// ParsedStreams returns the stream tags as intervals, rejecting
// hourly and malformed tags.
func (c *Config) ParsedStreams() ([]domain.Interval, error) {
	out := make([]domain.Interval, 0, len(c.SessionData.Streams))
	for _, tag := range c.SessionData.Streams {
		iv, err := domain.ParseInterval(tag)
		if err != nil {
			return nil, fmt.Errorf("invalid stream: %w", err)
		}
		out = append(out, iv)
	}
	return out, nil
}
