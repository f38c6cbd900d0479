package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/groupledger/groupsync/internal/cache"
	"github.com/groupledger/groupsync/internal/config"
	"github.com/groupledger/groupsync/internal/ledger"
	"github.com/groupledger/groupsync/internal/metrics"
	"github.com/groupledger/groupsync/internal/nodepool"
	"github.com/groupledger/groupsync/internal/payments"
	"github.com/groupledger/groupsync/internal/persistence/postgres"
	"github.com/groupledger/groupsync/internal/rpc"
	"github.com/groupledger/groupsync/internal/syncer"
)

const (
	appName = "groupsync"
	version = "v0.3.0"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Ledger-derived group membership and payment sync daemon",
	Version: version,
	Long: `groupsync derives group membership, join-request and payment state from a
public append-only ledger. It polls account histories across a resilient
node pool, folds the events into deterministic local state and serves it
over HTTP. The ledger is the only source of truth; everything groupsync
stores can be rebuilt from it.`,
	PersistentPreRunE: setupLogging,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Log.Pretty || term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgPath)
}

// pipeline bundles everything a command needs, with one Close for teardown.
type pipeline struct {
	cfg          config.Config
	tracker      *nodepool.Tracker
	client       *rpc.Client
	fetcher      *ledger.Fetcher
	store        cache.Store
	archive      *postgres.Store
	orchestrator *syncer.Orchestrator
	metrics      *metrics.Set
	registry     *prometheus.Registry
}

func buildPipeline(ctx context.Context) (*pipeline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	set := metrics.New(promReg)

	tracker := nodepool.NewTracker(cfg.Nodes)
	client := rpc.NewClient(tracker, rpc.NewHTTPTransport(30*time.Second), rpc.Options{
		Retry: rpc.RetryPolicy{
			MaxAttempts:  cfg.RPC.MaxAttempts,
			InitialDelay: cfg.RPC.InitialDelay(),
			Multiplier:   2,
			MaxDelay:     cfg.RPC.MaxDelay(),
		},
		Hedge: rpc.HedgePolicy{
			Fanout:          cfg.RPC.HedgeFanout,
			HedgeTimeout:    cfg.RPC.HedgeTimeout(),
			FallbackTimeout: 5 * time.Second,
		},
		RPS:     cfg.RPC.RPS,
		Burst:   cfg.RPC.Burst,
		Metrics: set,
	})
	fetcher := ledger.NewFetcher(client, cfg.CustomID, cfg.Sync.PageSize)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var archive *postgres.Store
	if cfg.Postgres.DSN != "" {
		archive, err = postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.Timeout())
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := archive.EnsureSchema(ctx); err != nil {
			store.Close()
			archive.Close()
			return nil, err
		}
	}

	correlator := payments.NewCorrelator(cfg.Sync.PaymentWindow())
	orch := syncer.New(fetcher, store, archiverOrNil(archive), correlator, syncer.Options{
		Fanout:   cfg.Sync.Fanout,
		Interval: cfg.Sync.Interval(),
		Filter:   ledger.OpBoth,
		Metrics:  set,
	})
	orch.Track(cfg.Accounts...)

	return &pipeline{
		cfg:          cfg,
		tracker:      tracker,
		client:       client,
		fetcher:      fetcher,
		store:        store,
		archive:      archive,
		orchestrator: orch,
		metrics:      set,
		registry:     promReg,
	}, nil
}

func buildStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	if cfg.Redis.Addr != "" {
		store, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL())
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis state store")
		return store, nil
	}
	log.Info().Msg("No Redis configured, using in-memory state store")
	return cache.NewMemoryStore(0)
}

// archiverOrNil avoids handing the orchestrator a typed nil.
func archiverOrNil(a *postgres.Store) syncer.Archiver {
	if a == nil {
		return nil
	}
	return a
}

func (p *pipeline) Close() {
	if p.store != nil {
		p.store.Close()
	}
	if p.archive != nil {
		p.archive.Close()
	}
}
