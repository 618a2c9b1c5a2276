package barstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
)

// copyThreshold is the batch size above which BulkUpsert switches from
// per-row upserts to COPY through a staging table.
const copyThreshold = 500

// Postgres implements Store on the bars table.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgres wraps an open connection pool with a per-query timeout.
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout}
}

type barRow struct {
	Symbol   string    `db:"symbol"`
	Interval string    `db:"interval"`
	TS       time.Time `db:"ts"`
	Open     float64   `db:"open"`
	High     float64   `db:"high"`
	Low      float64   `db:"low"`
	Close    float64   `db:"close"`
	Volume   float64   `db:"volume"`
}

func (r barRow) bar() (domain.Bar, error) {
	iv, err := domain.ParseInterval(r.Interval)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("stored bar %s@%s: %w", r.Symbol, r.TS, err)
	}
	return domain.Bar{
		Symbol:    r.Symbol,
		Interval:  iv,
		Timestamp: r.TS.UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}, nil
}

// GetBars fetches [start, end) ordered by timestamp.
func (p *Postgres) GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT symbol, interval, ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = $1 AND interval = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts ASC`

	var rows []barRow
	err := p.db.SelectContext(ctx, &rows, query, domain.NormalizeSymbol(symbol), iv.String(), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars %s %s: %w", symbol, iv, err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := row.bar()
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// BulkUpsert writes bars idempotently. Small batches use per-row
// ON CONFLICT upserts inside one transaction; large loads COPY into a
// temp staging table and merge from there.
func (p *Postgres) BulkUpsert(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("bulk upsert: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout*time.Duration(len(bars)/1000+1))
	defer cancel()

	if len(bars) >= copyThreshold {
		return p.copyUpsert(ctx, bars)
	}
	return p.rowUpsert(ctx, bars)
}

func (p *Postgres) rowUpsert(ctx context.Context, bars []domain.Bar) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, interval, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, interval, ts) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		    close = EXCLUDED.close, volume = EXCLUDED.volume`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, domain.NormalizeSymbol(b.Symbol), b.Interval.String(),
			b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return fmt.Errorf("failed to upsert bar %s %s: %w", b.Symbol, b.Timestamp, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) copyUpsert(ctx context.Context, bars []domain.Bar) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE bars_staging
		(LIKE bars INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("bars_staging",
		"symbol", "interval", "ts", "open", "high", "low", "close", "volume"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, domain.NormalizeSymbol(b.Symbol), b.Interval.String(),
			b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy bar %s %s: %w", b.Symbol, b.Timestamp, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bars (symbol, interval, ts, open, high, low, close, volume)
		SELECT symbol, interval, ts, open, high, low, close, volume FROM bars_staging
		ON CONFLICT (symbol, interval, ts) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		    close = EXCLUDED.close, volume = EXCLUDED.volume`); err != nil {
		return fmt.Errorf("failed to merge staging bars: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk upsert: %w", err)
	}
	log.Debug().Int("bars", len(bars)).Msg("bulk upsert via copy complete")
	return nil
}

// DateRange reports the symbol's stored span across all intervals.
func (p *Postgres) DateRange(ctx context.Context, symbol string) (time.Time, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var row struct {
		Min sql.NullTime `db:"min_ts"`
		Max sql.NullTime `db:"max_ts"`
	}
	query := `SELECT MIN(ts) AS min_ts, MAX(ts) AS max_ts FROM bars WHERE symbol = $1`
	if err := p.db.GetContext(ctx, &row, query, domain.NormalizeSymbol(symbol)); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to query date range %s: %w", symbol, err)
	}
	if !row.Min.Valid {
		return time.Time{}, time.Time{}, fmt.Errorf("date range %s: %w", symbol, ErrNoData)
	}
	return row.Min.Time.UTC(), row.Max.Time.UTC(), nil
}

// HasData is an EXISTS probe over [start, end).
func (p *Postgres) HasData(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM bars
			WHERE symbol = $1 AND interval = $2 AND ts >= $3 AND ts < $4
		)`
	err := p.db.GetContext(ctx, &exists, query, domain.NormalizeSymbol(symbol), iv.String(), start, end)
	if err != nil {
		return false, fmt.Errorf("failed to probe bars %s %s: %w", symbol, iv, err)
	}
	return exists, nil
}
