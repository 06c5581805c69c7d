package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scout-cli/internal/api"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/observability"
	"github.com/xkilldash9x/scout-cli/internal/schedule"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd(a *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the run API and fires scheduled runs",
		Long: `Starts the HTTP API (run control, results, live progress over websocket)
and the cron scheduler for the configured schedules. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runServe(ctx, a, cfg, observability.GetLogger())
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("headless", true, "Run browsers headless")
	return serveCmd
}

func runServe(ctx context.Context, a *app, cfg *config.Config, logger *zap.Logger) error {
	comps, err := a.build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	sched := schedule.New(comps.orch, logger)
	if err := sched.Load(cfg.Schedules()); err != nil {
		return fmt.Errorf("invalid schedules: %w", err)
	}
	if cfg.Server().JWTSecret == "" {
		logger.Warn("server.jwt_secret is empty, the run API is unauthenticated.")
	}

	ln, err := a.listen("tcp", cfg.Server().Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server().Addr, err)
	}
	server := api.NewServer(comps.orch, cfg.Server(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, ln) })
	g.Go(func() error { return sched.Run(gctx) })
	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("Server stopped.")
		return nil
	}
	return err
}
