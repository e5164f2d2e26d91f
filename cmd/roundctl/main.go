package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/updown/round-engine/internal/app"
	"github.com/updown/round-engine/internal/config"
	"github.com/updown/round-engine/internal/jobs"
	"github.com/updown/round-engine/internal/model"
	"github.com/updown/round-engine/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "roundctl",
		Short:        "Run round engine batch jobs once, for external cron",
		SilenceUsage: true,
	}

	root.AddCommand(
		newLockCmd(),
		newScoreCmd(),
		newAdvanceCmd(),
		newMigrateCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// open loads config and wires the components. Schema migrations only run
// from the migrate command.
func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.NewLogger(cfg.LogLevel), false)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDay(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return day, nil
}

// parsePrices reads SYMBOL=PRICE pairs.
func parsePrices(pairs []string) (map[model.Symbol]decimal.Decimal, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[model.Symbol]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("--price %q: want SYMBOL=PRICE", pair)
		}
		sym, err := model.ParseSymbol(k)
		if err != nil {
			return nil, err
		}
		px, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("--price %q: %w", pair, err)
		}
		if !px.IsPositive() {
			return nil, fmt.Errorf("--price %q: price must be positive", pair)
		}
		out[sym] = px
	}
	return out, nil
}

func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock every open round past its cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Runner.Lock(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newScoreCmd() *cobra.Command {
	var (
		date   string
		prices []string
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Run a scoring cycle: lock, snapshot prices, reconcile, roll forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date)
			if err != nil {
				return err
			}
			override, err := parsePrices(prices)
			if err != nil {
				return err
			}

			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var rep *jobs.CycleReport
			if override != nil {
				rep, err = a.Runner.ScoreWithPrices(cmd.Context(), day, override)
			} else {
				rep, err = a.Runner.Score(cmd.Context(), day)
			}
			if perr := printJSON(rep); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "round day to score (YYYY-MM-DD); default is the last locked day")
	cmd.Flags().StringArrayVar(&prices, "price", nil, "override a feed price, e.g. --price AAPL=152.10 (repeatable)")
	return cmd
}

func newAdvanceCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Create blank next-day rounds for every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date)
			if err != nil {
				return err
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Runner.Advance(cmd.Context(), day)
			if perr := printJSON(rep); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "create rounds for the day after this one (YYYY-MM-DD)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := store.Connect(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
