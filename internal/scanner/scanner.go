// Package scanner hosts the pluggable symbol scanners and the
// scheduler that runs them against the session clock. Pre-session
// scanners run once in the pre-open window and expand the day's
// universe; regular-session scanners run at configured clock times and
// promote symbols mid-session. Scanner promotions route through the
// coordinator's provisioning pipeline like any other add.
package scanner

import (
	"context"
	"fmt"

	"github.com/sessrun/sessrun/internal/barstore"
	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/coordinator"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// Sink is the provisioning surface scanners promote through. The
// session coordinator implements it; the manager wraps it to record
// which symbols each scanner asked for, so teardown can sweep the ones
// that never got promoted.
type Sink interface {
	AddSymbol(ctx context.Context, symbol string, by sessiondata.Source, fullSession bool) coordinator.Result
	AddIndicator(ctx context.Context, symbol, label string, cfg indicators.Config) coordinator.Result
}

// Env is the runtime surface one scanner instance works against.
// Session reads go through the public (non-internal) store paths, so
// scanners observe exactly what any other external consumer would.
type Env struct {
	Session *sessiondata.Store
	Bars    barstore.Store
	Cal     *calendar.Calendar
	Clock   driver.Clock
	Sink    Sink
}

// Result summarizes one scan pass.
type Result struct {
	Evaluated int      `json:"evaluated"`
	Promoted  []string `json:"promoted,omitempty"`
}

// Scanner is one scan module. Setup runs once when the manager loads
// the module for a trading day, Scan at every scheduled execution, and
// Teardown at session end (immediately after the single scan for
// pre-session modules).
type Scanner interface {
	Name() string
	Setup(ctx context.Context) error
	Scan(ctx context.Context) (Result, error)
	Teardown(ctx context.Context) error
}

// Factory builds a scanner from its session-config block. Factories
// validate the config eagerly so a bad block fails at load, not at the
// first scheduled run.
type Factory func(env Env, cfg map[string]any) (Scanner, error)

// registry is the closed set of known scanner modules. New ones are
// added here and nowhere else.
var registry = map[string]Factory{
	"volume_leaders": newVolumeLeaders,
	"momentum_pulse": newMomentumPulse,
}

// Known reports whether module names a registered scanner.
func Known(module string) bool {
	_, ok := registry[module]
	return ok
}

// New instantiates the scanner the config names.
func New(module string, env Env, cfg map[string]any) (Scanner, error) {
	factory, ok := registry[module]
	if !ok {
		return nil, fmt.Errorf("unknown scanner module %q", module)
	}
	return factory(env, cfg)
}

// Config-map accessors. YAML hands scanner blocks over as
// map[string]any with ints, float64s and []any inside; these normalize
// the lookups so every module does not repeat the type switches.

func cfgInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func cfgFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func cfgString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
