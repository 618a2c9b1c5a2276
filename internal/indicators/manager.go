package indicators

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
)

// Published pairs an indicator's configured label with its identity
// key and freshly computed value, ready for session-data publication.
type Published struct {
	Label string
	Key   string
	Value Value
}

type managed struct {
	label string
	cfg   Config
	ind   Indicator
}

// Manager owns the live indicator instances per symbol and drives
// their state: registration with historical warm-up, incremental
// updates per interval, and rebuilds when a series changed behind
// their back.
type Manager struct {
	mu      sync.RWMutex
	symbols map[string]map[string]*managed
}

func NewManager() *Manager {
	return &Manager{symbols: make(map[string]map[string]*managed)}
}

// Register instantiates an indicator under the given label and feeds
// it the supplied history. Re-registering the same label with the
// same identity is a no-op returning the current snapshot; a
// conflicting config for an existing label is an error.
func (m *Manager) Register(symbol, label string, cfg Config, history []domain.Bar) (Value, error) {
	symbol = domain.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	byLabel, ok := m.symbols[symbol]
	if !ok {
		byLabel = make(map[string]*managed)
		m.symbols[symbol] = byLabel
	}
	if existing, ok := byLabel[label]; ok {
		if existing.cfg.Key() != cfg.Key() {
			return Value{}, fmt.Errorf("indicator %s already registered for %s as %s, requested %s",
				label, symbol, existing.cfg.Key(), cfg.Key())
		}
		return existing.ind.Snapshot(), nil
	}

	ind, err := New(cfg)
	if err != nil {
		return Value{}, fmt.Errorf("register %s on %s: %w", label, symbol, err)
	}
	val := Warmup(ind, history)
	byLabel[label] = &managed{label: label, cfg: cfg, ind: ind}
	log.Debug().Str("symbol", symbol).Str("label", label).Str("key", cfg.Key()).
		Int("warmup_bars", len(history)).Bool("valid", val.IsValid).
		Msg("indicator registered")
	return val, nil
}

// Update feeds one bar to every indicator of the symbol configured on
// that interval, returning the published values in label order.
func (m *Manager) Update(symbol string, iv domain.Interval, bar domain.Bar) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()

	byLabel, ok := m.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	var out []Published
	for _, entry := range byLabel {
		if entry.cfg.Interval != iv {
			continue
		}
		out = append(out, Published{
			Label: entry.label,
			Key:   entry.cfg.Key(),
			Value: entry.ind.Update(bar),
		})
	}
	sortPublished(out)
	return out
}

// Rebuild resets every indicator of the symbol on the interval and
// re-feeds it the full series. Used after a merge inserted bars behind
// already-updated instances, since incremental state cannot rewind.
func (m *Manager) Rebuild(symbol string, iv domain.Interval, bars []domain.Bar) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()

	byLabel, ok := m.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	var out []Published
	for _, entry := range byLabel {
		if entry.cfg.Interval != iv {
			continue
		}
		entry.ind.Reset()
		out = append(out, Published{
			Label: entry.label,
			Key:   entry.cfg.Key(),
			Value: Warmup(entry.ind, bars),
		})
	}
	sortPublished(out)
	return out
}

// Snapshot returns the current value for a symbol's label.
func (m *Manager) Snapshot(symbol, label string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byLabel, ok := m.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return Value{}, false
	}
	entry, ok := byLabel[label]
	if !ok {
		return Value{}, false
	}
	return entry.ind.Snapshot(), true
}

// Labels lists the registered labels for a symbol, sorted.
func (m *Manager) Labels(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byLabel, ok := m.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(byLabel))
	for label := range byLabel {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Remove drops every indicator of the symbol.
func (m *Manager) Remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.symbols, domain.NormalizeSymbol(symbol))
}

// Clear drops all state, for session teardown.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = make(map[string]map[string]*managed)
}

func sortPublished(out []Published) {
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
}
