package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Repo persists calendar exceptions in the calendar_days table. The
// table holds only deviations from the weekday schedule; regular days
// are computed, not stored.
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRepo creates a calendar repository with per-query timeout.
func NewRepo(db *sqlx.DB, timeout time.Duration) *Repo {
	return &Repo{db: db, timeout: timeout}
}

// Load fetches all overrides ordered by date.
func (r *Repo) Load(ctx context.Context) ([]DayOverride, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []struct {
		Day        string `db:"day"`
		Name       string `db:"name"`
		Holiday    bool   `db:"holiday"`
		CloseClock string `db:"close_clock"`
	}
	query := `
		SELECT day::text AS day, name, holiday, COALESCE(close_clock, '') AS close_clock
		FROM calendar_days
		ORDER BY day`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load calendar days: %w", err)
	}

	overrides := make([]DayOverride, 0, len(rows))
	for _, row := range rows {
		overrides = append(overrides, DayOverride{
			Date:       row.Day,
			Name:       row.Name,
			Holiday:    row.Holiday,
			CloseClock: row.CloseClock,
		})
	}
	return overrides, nil
}

// Seed inserts overrides from a bootstrap file, skipping dates already
// on record so reruns stay idempotent.
func (r *Repo) Seed(ctx context.Context, overrides []DayOverride) (int, error) {
	if len(overrides) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(overrides)/100+1))
	defer cancel()

	query := `
		INSERT INTO calendar_days (day, name, holiday, close_clock)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (day) DO NOTHING`

	inserted := 0
	for _, ov := range overrides {
		res, err := r.db.ExecContext(ctx, query, ov.Date, ov.Name, ov.Holiday, ov.CloseClock)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				return inserted, fmt.Errorf("failed to seed calendar day %s (pq %s): %w", ov.Date, pqErr.Code, err)
			}
			return inserted, fmt.Errorf("failed to seed calendar day %s: %w", ov.Date, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	log.Info().Int("inserted", inserted).Int("total", len(overrides)).Msg("calendar seed complete")
	return inserted, nil
}

// Count reports how many overrides the table holds.
func (r *Repo) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM calendar_days`); err != nil {
		return 0, fmt.Errorf("failed to count calendar days: %w", err)
	}
	return n, nil
}
