package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sessrun/sessrun/internal/config"
)

const (
	appName = "sessrun"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "sessrun",
		Short:   "Market data session runtime",
		Version: version,
		Long: `sessrun runs one trading session at a time: it provisions the
configured symbols, streams or replays their bars, derives intervals and
indicators, and serves the result to strategies through the session data
API. Subcommands select the driver; everything else comes from the
session config file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "session.yaml", "Session config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a live session",
		Long:  "Runs the configured session against the live feed until interrupted. Day rolls happen on the exchange calendar.",
		RunE:  runLive,
	}

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a historical session range",
		Long:  "Replays the configured date range from the bar store under a virtual clock and prints a per-day summary.",
		RunE:  runBacktest,
	}
	backtestCmd.Flags().String("start", "", "Override replay start date (YYYY-MM-DD)")
	backtestCmd.Flags().String("end", "", "Override replay end date (YYYY-MM-DD)")
	backtestCmd.Flags().Float64("speed", 0, "Override speed multiplier (0 = unpaced)")
	backtestCmd.Flags().Bool("json", false, "Print the summary as JSON")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running instance",
		Long:  "Fetches /status from the monitoring server of a running sessrun and prints it.",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("addr", "", "Monitoring server address (defaults to the config's server.listen)")

	calendarCmd := &cobra.Command{
		Use:   "calendar",
		Short: "Inspect the trading calendar",
		Long:  "Lists trading days in a range, or checks a single date's session window.",
		RunE:  runCalendar,
	}
	calendarCmd.Flags().String("date", "", "Check one date (YYYY-MM-DD)")
	calendarCmd.Flags().String("from", "", "Range start (YYYY-MM-DD, defaults to today)")
	calendarCmd.Flags().String("to", "", "Range end (YYYY-MM-DD, defaults to from+30d)")
	calendarCmd.Flags().Bool("seed", false, "Seed the calendar table from the bootstrap file")

	rootCmd.AddCommand(runCmd, backtestCmd, statusCmd, calendarCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file and applies the log settings
// before anything else emits.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg.Log)
	return cfg, nil
}

// configureLogging applies level and format from the config. Console
// format keeps the human writer only on a real terminal; piped output
// gets plain JSON lines either way.
func configureLogging(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if lc.Format == "console" && term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
