package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/txplain/explorercache/internal/usage"
)

const shutdownTimeout = 30 * time.Second

// setup loads config and wires the components for a command
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, newLogger(cfg))
}

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboards and queue intake over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := a.server()
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("HTTP server error: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})
			if withWorker {
				g.Go(func() error { return a.warmer().Run(ctx) })
				g.Go(func() error { return a.maintenance.Run(ctx) })
			}
			err = g.Wait()
			a.logger.Info().Msg("shutdown completed")
			return err
		},
	}
	cmd.Flags().String("http-addr", "", "HTTP listen address; overrides EXPLORERCACHE_HTTP_ADDR")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run the warmer and maintenance loops")
	return cmd
}

func workerCmd() *cobra.Command {
	var noMaintenance bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the warming queue and run periodic maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.warmer().Run(ctx) })
			if !noMaintenance {
				g.Go(func() error { return a.maintenance.Run(ctx) })
			}
			err = g.Wait()
			a.logger.Info().Msg("worker stopped")
			return err
		},
	}
	cmd.Flags().Int("workers", 0, "Concurrent fetches; overrides EXPLORERCACHE_WORKERS")
	cmd.Flags().BoolVar(&noMaintenance, "no-maintenance", false, "Only warm, leave maintenance to another process")
	return cmd
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain [task...]",
		Short: "Run maintenance tasks once (all tasks when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			tasks := args
			if len(tasks) == 0 {
				tasks = a.maintenance.Tasks()
			}
			var failed error
			for _, task := range tasks {
				affected, err := a.maintenance.RunTask(cmd.Context(), task)
				if err != nil {
					failed = errors.Join(failed, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %d\n", task, affected)
			}
			return failed
		},
	}
}

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache, contract, queue and usage statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			cacheStats, err := a.cache.Stats(ctx)
			if err != nil {
				return err
			}
			contractStats, err := a.contracts.Stats(ctx)
			if err != nil {
				return err
			}
			queueStats, err := a.queue.GetQueueStats(ctx)
			if err != nil {
				return err
			}
			end := time.Now().UTC()
			usageStats, err := a.usage.GetUsageStats(ctx, end.AddDate(0, 0, -days), end, usage.Filter{})
			if err != nil {
				return err
			}
			summary, err := a.analytics.GetCurrentPerformanceSummary(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"cache":     cacheStats,
				"contracts": contractStats,
				"queue":     queueStats,
				"usage":     usageStats,
				"analytics": summary,
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Usage window in days")
	return cmd
}
