package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FxDesk/internal/di"
	"FxDesk/internal/domain/models"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		instrument string
		equity     float64
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger one workflow run and print it",
		Long: "Trigger one workflow run without starting the HTTP server and print the run\n" +
			"as JSON once it finishes or stops for review.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.Scheduler.Enabled = false
			cfg.Kafka.Consumer.Enabled = false

			app, err := di.InitializeApp(cfg)
			if err != nil {
				return fmt.Errorf("app initialization failed: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				_ = app.Shutdown(sctx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			orch := app.Orchestrator()
			run, err := orch.Trigger(ctx, models.Trigger{
				Instrument:    instrument,
				AccountEquity: decimal.NewFromFloat(equity),
				Source:        models.SourceCLI,
			})
			if err != nil {
				return err
			}
			run, err = orch.Await(ctx, run.RunID)
			if err != nil {
				return fmt.Errorf("await %s: %w", run.RunID, err)
			}

			out, err := json.MarshalIndent(run, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&instrument, "instrument", "EURUSD", "instrument symbol")
	cmd.Flags().Float64Var(&equity, "equity", 10000, "account equity")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the run")
	return cmd
}
