package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sessrun/sessrun/internal/app"
	"github.com/sessrun/sessrun/internal/config"
)

// runBacktest replays the configured range and prints the summary.
func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeBacktest {
		return fmt.Errorf("config mode is %q, the backtest command needs mode: backtest", cfg.Mode)
	}
	applyBacktestFlags(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("session", cfg.SessionName).
		Str("start", cfg.Backtest.StartDate).Str("end", cfg.Backtest.EndDate).
		Float64("speed", cfg.Backtest.SpeedMultiplier).Msg("starting replay")

	rt, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return fmt.Errorf("failed to wire runtime: %w", err)
	}

	// Drain notifications so the queue never gates the processor. The
	// summary is the replay's product; per-bar events only matter to
	// embedders.
	go func() {
		for range rt.Notifications() {
		}
	}()

	if err := rt.Run(ctx); err != nil {
		return err
	}

	sum := rt.Summary()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	printSummary(sum)
	return nil
}

// applyBacktestFlags lets the command line narrow the configured range
// without editing the session file.
func applyBacktestFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("start"); v != "" {
		cfg.Backtest.StartDate = v
	}
	if v, _ := cmd.Flags().GetString("end"); v != "" {
		cfg.Backtest.EndDate = v
	}
	if cmd.Flags().Changed("speed") {
		v, _ := cmd.Flags().GetFloat64("speed")
		cfg.Backtest.SpeedMultiplier = v
	}
}

func printSummary(sum app.Summary) {
	fmt.Printf("\nReplay complete: %d bars over %d trading days\n\n",
		sum.BarsReplayed, sum.DaysReplayed)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSYMBOL\tBARS\tVOLUME\tHIGH\tLOW\tQUALITY")
	for _, day := range sum.Days {
		for _, s := range day.Symbols {
			quality := "-"
			if s.Quality != nil {
				quality = fmt.Sprintf("%.1f", *s.Quality)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\t%.2f\t%.2f\t%s\n",
				day.Date.Format("2006-01-02"), s.Symbol,
				s.Metrics.BarCount, s.Metrics.CumulativeVolume,
				s.Metrics.SessionHigh, s.Metrics.SessionLow, quality)
		}
	}
	w.Flush()

	fmt.Printf("\nProcessor: %d processed, %d derived, %d windows skipped, %d retro\n",
		sum.Processor.Processed, sum.Processor.DerivedEmitted,
		sum.Processor.WindowsSkipped, sum.Processor.RetroEmitted)
	if sum.Counters.BarsRejected > 0 {
		fmt.Printf("Rejected bars: %.0f\n", sum.Counters.BarsRejected)
	}
}
