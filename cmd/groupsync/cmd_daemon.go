package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/groupledger/groupsync/internal/httpapi"
	"github.com/groupledger/groupsync/internal/stream"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync loop with the HTTP API",
	Long: `Runs continuous sync cycles on the configured interval and serves the
read-only HTTP surface (/healthz, /status, /metrics, /v1/groups). When a
websocket head stream is configured, new blocks trigger immediate cycles
instead of waiting for the ticker.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.orchestrator.Restore(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.orchestrator.RunForever(ctx)
	})

	g.Go(func() error {
		api := httpapi.New(p.orchestrator, p.tracker, p.store, p.registry)
		return api.ListenAndServe(ctx, p.cfg.HTTP.Addr)
	})

	if p.cfg.Stream.URL != "" {
		watcher := stream.NewWatcher(p.cfg.Stream.URL, stream.KickFunc(func() {
			select {
			case p.orchestrator.Kick <- struct{}{}:
			default:
			}
		}), p.orchestrator.Tracked())
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	log.Info().
		Strs("accounts", p.orchestrator.Tracked()).
		Str("http", p.cfg.HTTP.Addr).
		Dur("interval", p.cfg.Sync.Interval()).
		Msg("Daemon started")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Daemon stopped")
		return nil
	}
	return err
}
