// Package engine wires configuration into the reconciliation components
// shared by the server and worker binaries.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/chain/evm"
	"github.com/brojonat/givewatch/service/chain/solana"
	"github.com/brojonat/givewatch/service/config"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/donation"
	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/metrics"
	natspkg "github.com/brojonat/givewatch/service/nats"
	"github.com/brojonat/givewatch/service/ratelimit"
	"github.com/brojonat/givewatch/service/scheduler"
	"github.com/brojonat/givewatch/service/streams"
	"github.com/brojonat/givewatch/service/verifier"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Engine holds the long-lived components built from a Config.
type Engine struct {
	Config    *config.Config
	Store     *db.Store
	Chains    *chain.Registry
	Publisher natspkg.Publisher
	Donations *donation.Service
	Verifier  *verifier.Verifier
	Runner    *scheduler.Runner
	Metrics   *metrics.Metrics

	logger  *slog.Logger
	closers []func()
}

// New connects to Postgres, NATS and Redis and builds every pass. NATS and
// Redis are optional: without them donations are not published and explorer
// calls are not throttled across processes.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{Config: cfg, Metrics: m, logger: logger}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	e.closers = append(e.closers, pool.Close)
	e.Store = db.NewStore(pool, m)
	if err := e.Store.Ping(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	var limiter chain.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		e.closers = append(e.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, explorer limiter will fail open", "addr", cfg.RedisAddr, "error", err)
		}
		limiter = ratelimit.New(rdb, "givewatch:explorer", cfg.ExplorerRateLimit, cfg.ExplorerRateWindow, logger.With("component", "ratelimit"))
		logger.Info("explorer rate limiter enabled", "limit", cfg.ExplorerRateLimit, "window", cfg.ExplorerRateWindow)
	}

	e.Chains, err = NewChainRegistry(cfg, limiter, m, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	if cfg.NATSURL != "" {
		pub, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		e.Publisher = pub
		e.closers = append(e.closers, func() { _ = pub.Close() })
	} else {
		logger.Warn("NATS_URL not set, donation events will not be published")
	}

	e.Donations = donation.NewService(e.Store, e.Publisher, m, logger)
	e.Verifier = verifier.New(e.Chains, verifier.Config{
		TimestampTolerance: cfg.ClaimTimestampTolerance,
		Metrics:            m,
		Logger:             logger,
	})

	sources, err := NewFlowSources(cfg, m, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.Runner = scheduler.NewRunner(NewPasses(PassDeps{
		Ledger:    e.Store,
		Chains:    e.Chains,
		Flows:     sources,
		Donations: e.Donations,
		Verifier:  e.Verifier,
		Config:    cfg,
		Metrics:   m,
		Logger:    logger,
	}), m, logger)

	return e, nil
}

// Schedules maps each pass kind to its configured cron expression.
func (e *Engine) Schedules() map[string]string {
	return Schedules(e.Config)
}

// Close releases connections in reverse order of creation.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// Schedules maps each pass kind to its cron expression in cfg.
func Schedules(cfg *config.Config) map[string]string {
	return map[string]string{
		matcher.PassDraftMatch:     cfg.DraftMatchSchedule,
		matcher.PassStreamMatch:    cfg.StreamMatchSchedule,
		matcher.PassDonationVerify: cfg.DonationVerifySchedule,
		matcher.PassDraftExpiry:    cfg.DraftExpirySchedule,
	}
}

// NetworkFromConfig converts a network table entry to its runtime form.
func NetworkFromConfig(nc config.NetworkConfig) chain.Network {
	n := chain.Network{
		ID:             nc.ID,
		Name:           nc.Name,
		Family:         chain.Family(nc.Family),
		NativeSymbol:   nc.NativeSymbol,
		NativeDecimals: nc.NativeDecimals,
	}
	for _, t := range nc.Tokens {
		n.Tokens = append(n.Tokens, chain.Token{Symbol: t.Symbol, Address: t.Address, Decimals: t.Decimals})
	}
	return n
}

// NewChainRegistry builds one chain client per configured network.
func NewChainRegistry(cfg *config.Config, limiter chain.Limiter, m *metrics.Metrics, logger *slog.Logger) (*chain.Registry, error) {
	httpClient := &http.Client{Timeout: cfg.ChainHTTPTimeout}
	clients := make([]chain.Client, 0, len(cfg.Networks))

	for _, nc := range cfg.Networks {
		network := NetworkFromConfig(nc)
		var (
			c   chain.Client
			err error
		)
		switch network.Family {
		case chain.FamilyEVM:
			c, err = evm.NewClient(evm.Config{
				Network:        network,
				RPCURL:         nc.RPCURL,
				ExplorerURL:    nc.ExplorerURL,
				ExplorerAPIKey: nc.ExplorerAPIKey,
				HTTPClient:     httpClient,
				Limiter:        limiter,
				Metrics:        m,
				Logger:         logger,
			})
		case chain.FamilySolana:
			c, err = solana.NewClient(solana.Config{
				Network: network,
				RPC:     solana.NewRPCClient(nc.RPCURL, httpClient),
				Limiter: limiter,
				Metrics: m,
				Logger:  logger,
			})
		default:
			err = fmt.Errorf("network %d: unsupported family %q", nc.ID, nc.Family)
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
		logger.Info("initialized chain client", "network_id", network.ID, "network", network.Name, "family", network.Family)
	}
	return chain.NewRegistry(clients...), nil
}

// NewFlowSources builds a subgraph client for each network with a
// subgraph_url. Others are absent from the map and skipped by the stream
// matcher.
func NewFlowSources(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (map[int]matcher.FlowSource, error) {
	httpClient := &http.Client{Timeout: cfg.ChainHTTPTimeout}
	sources := make(map[int]matcher.FlowSource)
	for _, nc := range cfg.Networks {
		if nc.SubgraphURL == "" {
			continue
		}
		c, err := streams.NewClient(streams.Config{
			Network:    nc.Name,
			URL:        nc.SubgraphURL,
			HTTPClient: httpClient,
			Metrics:    m,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("network %d: %w", nc.ID, err)
		}
		sources[nc.ID] = c
	}
	return sources, nil
}

// Ledger is the storage every pass reads and writes.
type Ledger interface {
	matcher.DraftStore
	matcher.RecurringDraftStore
	matcher.PendingDonationStore
	matcher.ExpiryStore
}

// Donations is the creation routine used by the passes.
type Donations interface {
	matcher.DonationCreator
	matcher.RecurringCreator
	matcher.Confirmer
}

type PassDeps struct {
	Ledger    Ledger
	Chains    matcher.Clients
	Flows     map[int]matcher.FlowSource
	Donations Donations
	Verifier  matcher.Verifier
	Config    *config.Config
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewPasses builds the pass table for a Runner. All passes share one
// bounded pool of WorkerPoolSize goroutines.
func NewPasses(d PassDeps) map[string]scheduler.PassFunc {
	cfg := d.Config
	pool := scheduler.NewBoundedPool(cfg.WorkerPoolSize)

	drafts := matcher.NewDraftMatcher(d.Ledger, d.Chains, d.Donations, matcher.DraftConfig{
		GracePeriod: cfg.DraftGracePeriod,
		PageSize:    cfg.HistoryPageSize,
		Pool:        pool,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	})
	flows := matcher.NewStreamMatcher(d.Ledger, d.Flows, d.Donations, matcher.StreamConfig{
		GracePeriod: cfg.DraftGracePeriod,
		Pool:        pool,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	})
	pending := matcher.NewDonationVerifier(d.Ledger, d.Verifier, d.Donations, matcher.VerifyConfig{
		Pool:    pool,
		Metrics: d.Metrics,
		Logger:  d.Logger,
	})
	sweeper := matcher.NewSweeper(d.Ledger, cfg.DraftExpiry, d.Metrics, d.Logger)

	return map[string]scheduler.PassFunc{
		matcher.PassDraftMatch:     drafts.MatchPendingDrafts,
		matcher.PassStreamMatch:    flows.MatchPendingStreamDrafts,
		matcher.PassDonationVerify: pending.VerifyPendingDonations,
		matcher.PassDraftExpiry:    sweeper.Run,
	}
}
