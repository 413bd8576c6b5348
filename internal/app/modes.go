package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swaprelay/internal/coordinator"
	"github.com/alanyoungcy/swaprelay/internal/server"
	"github.com/alanyoungcy/swaprelay/internal/server/handler"
	"github.com/alanyoungcy/swaprelay/internal/server/ws"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take to drain.
const shutdownTimeout = 10 * time.Second

// RelayMode restores persisted orders, then runs the coordinator, the event
// hub, the HTTP server and the archive loop until ctx is cancelled. Dev mode
// runs the same loop over in-process dependencies.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	coord, err := coordinator.New(coordinatorConfig(a.cfg), coordinator.Deps{
		Store:    deps.Store,
		Chains:   deps.Chains,
		Bus:      deps.Bus,
		Locks:    deps.Locks,
		Limiter:  deps.Limiter,
		Archive:  deps.Archive,
		Notifier: deps.Notifier,
		Signer:   deps.Signer,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := coord.Load(ctx); err != nil {
		return fmt.Errorf("app: restore orders: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(ctx)
	})

	if len(deps.SimChains) > 0 {
		g.Go(func() error {
			return a.runSimClocks(ctx, deps)
		})
	}

	hub := ws.NewHub(deps.Bus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
		}, server.Handlers{
			Health: handler.NewHealthHandler(coord, deps.Checks, a.logger),
			Swaps:  handler.NewSwapHandler(coord, a.logger),
		}, hub, deps.Limiter, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if deps.Archive != nil {
		g.Go(func() error {
			return a.runArchive(ctx, coord)
		})
	}

	a.logger.InfoContext(ctx, "relayer running",
		slog.Int("chains", len(deps.Chains)),
		slog.Bool("server", a.cfg.Server.Enabled),
		slog.Bool("archive", deps.Archive != nil),
	)
	return g.Wait()
}

// runArchive periodically moves orders whose timelock passed more than the
// retention period ago to object storage.
func (a *App) runArchive(ctx context.Context, coord *coordinator.Coordinator) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			before := now.Add(-a.cfg.Archive.Retention.Duration)
			if _, err := coord.ArchiveSettled(ctx, before); err != nil {
				a.logger.WarnContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runSimClocks keeps simulated chain clocks on wall time so timelocks expire.
func (a *App) runSimClocks(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, c := range deps.SimChains {
				c.SetTime(now)
			}
		}
	}
}
