package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"mt5-executor/internal/api"
	"mt5-executor/internal/trading"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background closure sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Open()
			if err != nil {
				return err
			}
			cfg := app.Config

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cfg.Server.Addr
			}
			noSweep, _ := cmd.Flags().GetBool("no-sweep")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sweepDone := make(chan error, 1)
			if cfg.Sweep.Enabled && !noSweep {
				go func() {
					sweepDone <- engine.Sweeper().RunEvery(ctx, every(cmd, cfg), 0)
				}()
				app.Logger.Info().Dur("interval", every(cmd, cfg)).Msg("Closure sweep scheduled")
			} else {
				close(sweepDone)
			}

			gin.SetMode(gin.ReleaseMode)
			router := api.NewRouter(engine, api.Options{Metrics: cfg.Server.Metrics, Logger: app.Logger})
			serveErr := api.Serve(ctx, addr, router, app.Logger)
			stop()

			if err := <-sweepDone; err != nil && !errors.Is(err, context.Canceled) {
				app.Logger.Error().Err(err).Msg("Closure sweep stopped")
			}
			return serveErr
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().Bool("no-sweep", false, "do not run the background closure sweep")
	cmd.Flags().Duration("every", 0, "sweep interval (default from config)")
	return cmd
}

func newSweepCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close ledger positions that are no longer open at the terminal",
		Long: `Runs the closure sweep once, or on an interval with --every.

For every client with open positions, positions whose legs are gone from the
terminal are closed using the exit deals found in the terminal's history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Open()
			if err != nil {
				return err
			}
			clientID, _ := cmd.Flags().GetInt64("client-id")

			if cmd.Flags().Changed("every") {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				err := engine.Sweeper().RunEvery(ctx, every(cmd, app.Config), clientID)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			report, err := engine.Sweep(cmd.Context(), clientID)
			output := NewOutput(cmd)
			if report != nil {
				if output.IsJSON() {
					output.JSON(report)
				} else {
					printSweepReport(output, report)
				}
			}
			return err
		},
	}
	cmd.Flags().Int64("client-id", 0, "sweep a single client")
	cmd.Flags().Duration("every", 0, "repeat on this interval until interrupted")
	return cmd
}

func printSweepReport(output *Output, r *trading.SweepReport) {
	output.Bold("Closure sweep")
	output.Printf("  Clients:  %d\n", r.Clients)
	output.Printf("  Checked:  %d\n", r.Checked)
	output.Printf("  Skipped:  %d\n", r.Skipped)
	output.Printf("  Failed:   %d\n", r.Failed)
	output.Printf("  Duration: %s\n", r.Duration)
	if r.Closed == 0 {
		output.Dim("No positions closed")
		return
	}
	output.Success("%d position(s) closed: %v", r.Closed, r.ClosedIDs)
}

// clientArg reads the required --client-id flag.
func clientArg(cmd *cobra.Command) (int64, error) {
	id, _ := cmd.Flags().GetInt64("client-id")
	if id <= 0 {
		return 0, fmt.Errorf("--client-id is required")
	}
	return id, nil
}
