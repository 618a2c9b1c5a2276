package barstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/domain"
)

func storedBar(t *testing.T, symbol string, ts time.Time, close float64) domain.Bar {
	t.Helper()
	return domain.Bar{
		Symbol:    symbol,
		Interval:  domain.MustInterval("1m"),
		Timestamp: ts,
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
	}
}

func TestMemoryGetBarsWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	var bars []domain.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, storedBar(t, "ACME", base.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	require.NoError(t, store.BulkUpsert(ctx, bars))

	// Half-open window: start inclusive, end exclusive.
	got, err := store.GetBars(ctx, "ACME", domain.MustInterval("1m"), base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101.0, got[0].Close)
	assert.Equal(t, 102.0, got[1].Close)

	// Window past the data is empty, not an error.
	got, err = store.GetBars(ctx, "ACME", domain.MustInterval("1m"), base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	// Unknown symbol is empty as well.
	got, err = store.GetBars(ctx, "GHOST", domain.MustInterval("1m"), base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	ts := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	require.NoError(t, store.BulkUpsert(ctx, []domain.Bar{storedBar(t, "ACME", ts, 100)}))
	require.NoError(t, store.BulkUpsert(ctx, []domain.Bar{storedBar(t, "ACME", ts, 105)}))

	got, err := store.GetBars(ctx, "ACME", domain.MustInterval("1m"), ts, ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1, "same timestamp must replace, not duplicate")
	assert.Equal(t, 105.0, got[0].Close)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryUpsertOutOfOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	require.NoError(t, store.BulkUpsert(ctx, []domain.Bar{
		storedBar(t, "ACME", base.Add(2*time.Minute), 102),
		storedBar(t, "ACME", base, 100),
		storedBar(t, "ACME", base.Add(time.Minute), 101),
	}))

	got, err := store.GetBars(ctx, "ACME", domain.MustInterval("1m"), base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
	assert.True(t, got[1].Timestamp.Before(got[2].Timestamp))
}

func TestMemoryDateRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, _, err := store.DateRange(ctx, "ACME")
	assert.ErrorIs(t, err, ErrNoData)

	early := time.Date(2024, 2, 1, 14, 30, 0, 0, time.UTC)
	late := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	daily := storedBar(t, "ACME", early, 90)
	daily.Interval = domain.MustInterval("1d")
	require.NoError(t, store.BulkUpsert(ctx, []domain.Bar{daily, storedBar(t, "ACME", late, 100)}))

	min, max, err := store.DateRange(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, early, min, "range spans all intervals")
	assert.Equal(t, late, max)
}

func TestMemoryHasData(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	ts := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	require.NoError(t, store.BulkUpsert(ctx, []domain.Bar{storedBar(t, "ACME", ts, 100)}))

	ok, err := store.HasData(ctx, "ACME", domain.MustInterval("1m"), ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasData(ctx, "ACME", domain.MustInterval("1m"), ts.Add(time.Hour), ts.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.HasData(ctx, "ACME", domain.MustInterval("5m"), ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "interval is part of the series key")
}

func TestMemoryRejectsInvalidBar(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	bad := storedBar(t, "ACME", time.Time{}, 100)
	err := store.BulkUpsert(ctx, []domain.Bar{bad})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}
