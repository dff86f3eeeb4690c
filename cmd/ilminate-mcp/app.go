package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/config"
	"github.com/jmerrifield20/ilminate-mcp/internal/detection"
	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
	"github.com/jmerrifield20/ilminate-mcp/internal/gateway"
	"github.com/jmerrifield20/ilminate-mcp/internal/health"
	"github.com/jmerrifield20/ilminate-mcp/internal/mcpbridge"
	"github.com/jmerrifield20/ilminate-mcp/internal/ruleledger"
	"github.com/jmerrifield20/ilminate-mcp/internal/rules"
	"github.com/jmerrifield20/ilminate-mcp/internal/telemetry"
	"github.com/jmerrifield20/ilminate-mcp/internal/webhooks"
)

// app holds the components shared by the stdio and serve modes.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	ledger  ruleledger.Ledger
	feeds   *feeds.Manager
	tools   *mcpbridge.ToolRegistry
	monitor *health.Monitor
	hooks   *webhooks.Notifier

	closers []func(context.Context)
}

func newApp(ctx context.Context, vp *viper.Viper, logger *zap.Logger) (*app, error) {
	cfg, found, err := config.Load(vp)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Info("no config file found, using defaults and env vars")
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(os.Stderr, mcpbridge.ServerName, mcpbridge.ServerVersion)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func(ctx context.Context) {
			if err := shutdown(ctx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		})
	}

	if err := a.openLedger(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	gw := gateway.New(gateway.Config{BaseURL: cfg.Backend.URL, Timeout: cfg.Backend.Timeout}, logger)
	dispatcher := rules.NewDispatcher(gw, a.ledger, logger)

	a.hooks = webhooks.New(webhooks.Config{URLs: cfg.Webhooks.URLs, Secret: cfg.Webhooks.Secret}, logger)
	a.closers = append(a.closers, func(context.Context) { a.hooks.Close() })

	a.feeds = feeds.NewManager(feeds.MCPConnector{Logger: logger}, dispatcher, feeds.Config{
		PollTimeout:     cfg.Feeds.PollTimeout,
		DefaultInterval: cfg.Feeds.DefaultInterval(),
		DedupCapacity:   cfg.Feeds.DedupCapacity,
	}, logger)
	a.closers = append(a.closers, func(context.Context) { a.feeds.Close() })

	a.tools = mcpbridge.NewToolRegistry(detection.New(gw, logger), a.feeds, dispatcher, a.ledger, logger)
	a.tools.SetUpdateCallback(a.hooks.FeedUpdateCallback())

	a.monitor = health.New(gw, health.Config{
		CheckInterval: cfg.Health.Interval,
		FailThreshold: cfg.Health.FailThreshold,
	}, logger)
	if a.hooks != nil {
		a.monitor.SetWebhookDispatch(a.hooks.Dispatch)
		logger.Info("webhooks enabled", zap.Int("targets", len(cfg.Webhooks.URLs)))
	}
	return a, nil
}

// openLedger connects the Postgres ledger when a database URL is configured
// and falls back to an in-memory chain otherwise.
func (a *app) openLedger(ctx context.Context) error {
	url := a.cfg.Ledger.DatabaseURL
	if url == "" {
		a.ledger = ruleledger.NewMemory()
		a.logger.Info("rule ledger: in-memory (set ledger.database_url to persist)")
		return nil
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) { pool.Close() })

	ledger := ruleledger.NewPostgres(pool, a.logger)
	if err := ledger.Verify(ctx); err != nil {
		a.logger.Warn("rule ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := ledger.Len(ctx)
		root, _ := ledger.Root(ctx)
		a.logger.Info("rule ledger verified", zap.Int("entries", n), zap.String("root", root))
	}
	a.ledger = ledger
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
