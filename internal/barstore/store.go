// Package barstore is the persistent historical bar repository the
// session runtime loads warm-up and gap-fill data from. Bars are
// unique on (symbol, interval, timestamp); writes are idempotent
// upserts.
package barstore

import (
	"context"
	"errors"
	"time"

	"github.com/sessrun/sessrun/internal/domain"
)

// ErrNoData is returned by DateRange when the store holds nothing for
// the symbol.
var ErrNoData = errors.New("no bars stored for symbol")

// Store is the historical bar repository contract. All reads return
// bars ordered by ascending timestamp.
type Store interface {
	// GetBars returns the bars of (symbol, interval) with
	// start <= timestamp < end.
	GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error)

	// BulkUpsert writes bars idempotently; re-upserting an existing
	// (symbol, interval, timestamp) replaces its OHLCV.
	BulkUpsert(ctx context.Context, bars []domain.Bar) error

	// DateRange reports the min and max stored timestamps for the
	// symbol across all intervals.
	DateRange(ctx context.Context, symbol string) (min, max time.Time, err error)

	// HasData reports whether at least one bar of (symbol, interval)
	// falls inside [start, end).
	HasData(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) (bool, error)
}
