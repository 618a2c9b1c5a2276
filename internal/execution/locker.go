// Package execution exposes the one surface of the order-execution
// layer the session runtime consumes: whether a symbol currently has
// an open position or a pending order and therefore must not be
// removed from the session.
package execution

import (
	"context"
	"sync"

	"github.com/sessrun/sessrun/internal/domain"
)

// Locker answers symbol lock probes. Implementations backed by a
// remote brokerage may fail; callers treat an error as locked.
type Locker interface {
	IsSymbolLocked(ctx context.Context, symbol string) (bool, error)
}

// LockerFunc adapts a function to the Locker interface.
type LockerFunc func(ctx context.Context, symbol string) (bool, error)

func (f LockerFunc) IsSymbolLocked(ctx context.Context, symbol string) (bool, error) {
	return f(ctx, symbol)
}

// Static is a Locker over an explicit symbol set. It backs tests and
// deployments without an execution layer, where nothing is ever
// locked unless configured.
type Static struct {
	mu     sync.RWMutex
	locked map[string]struct{}
}

// NewStatic builds a Static locker holding the given symbols.
func NewStatic(symbols ...string) *Static {
	s := &Static{locked: make(map[string]struct{}, len(symbols))}
	for _, sym := range symbols {
		s.locked[domain.NormalizeSymbol(sym)] = struct{}{}
	}
	return s
}

// Lock marks symbol as locked.
func (s *Static) Lock(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[domain.NormalizeSymbol(symbol)] = struct{}{}
}

// Unlock clears symbol.
func (s *Static) Unlock(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, domain.NormalizeSymbol(symbol))
}

func (s *Static) IsSymbolLocked(_ context.Context, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.locked[domain.NormalizeSymbol(symbol)]
	return ok, nil
}
