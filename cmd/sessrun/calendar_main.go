package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sessrun/sessrun/internal/app"
	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/config"
)

// runCalendar answers calendar questions from the bootstrap file, and
// with --seed pushes the file's overrides into the calendar table.
func runCalendar(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if seed, _ := cmd.Flags().GetBool("seed"); seed {
		return seedCalendarTable(ctx, cfg)
	}

	cal, err := app.BuildCalendar(ctx, cfg, nil)
	if err != nil {
		return err
	}
	loc := cal.Location()

	if date, _ := cmd.Flags().GetString("date"); date != "" {
		day, err := time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		printDay(cal, day)
		return nil
	}

	from := time.Now().In(loc)
	if v, _ := cmd.Flags().GetString("from"); v != "" {
		if from, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	to := from.AddDate(0, 0, 30)
	if v, _ := cmd.Flags().GetString("to"); v != "" {
		if to, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	days := cal.TradingDays(from, to)
	fmt.Printf("%d trading days between %s and %s:\n",
		len(days), from.Format("2006-01-02"), to.Format("2006-01-02"))
	for _, day := range days {
		open, close, _ := cal.SessionWindow(day)
		fmt.Printf("  %s  %s  %s - %s\n", day.Format("2006-01-02"), day.Weekday(),
			open.Format("15:04"), close.Format("15:04"))
	}
	return nil
}

func printDay(cal *calendar.Calendar, day time.Time) {
	if !cal.IsTradingDay(day) {
		fmt.Printf("%s (%s): not a trading day\n", day.Format("2006-01-02"), day.Weekday())
		next := cal.NextTradingDay(day, 1)
		if !next.IsZero() {
			fmt.Printf("next trading day: %s\n", next.Format("2006-01-02"))
		}
		return
	}
	open, close, _ := cal.SessionWindow(day)
	fmt.Printf("%s (%s): trading day, session %s - %s\n",
		day.Format("2006-01-02"), day.Weekday(),
		open.Format("15:04"), close.Format("15:04"))
}

// seedCalendarTable loads the bootstrap file and upserts its overrides
// into the calendar table.
func seedCalendarTable(ctx context.Context, cfg *config.Config) error {
	if cfg.Calendar.BootstrapFile == "" {
		return fmt.Errorf("--seed needs calendar.bootstrap_file in the config")
	}
	boot, err := calendar.LoadBootstrap(cfg.Calendar.BootstrapFile)
	if err != nil {
		return err
	}
	overrides := boot.Options().Overrides
	if len(overrides) == 0 {
		return fmt.Errorf("bootstrap file %s holds no overrides", cfg.Calendar.BootstrapFile)
	}

	db, err := sqlx.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	repo := calendar.NewRepo(db, cfg.Database.Timeout())
	n, err := repo.Seed(ctx, overrides)
	if err != nil {
		return err
	}
	log.Info().Int("overrides", n).Str("file", cfg.Calendar.BootstrapFile).
		Msg("calendar table seeded")
	return nil
}
