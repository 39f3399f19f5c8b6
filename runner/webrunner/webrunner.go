// Package webrunner wires the full billing service behind the http surface.
package webrunner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/config"
	"github.com/petitio/token-billing/drip"
	"github.com/petitio/token-billing/gate"
	"github.com/petitio/token-billing/identity"
	"github.com/petitio/token-billing/ledger"
	"github.com/petitio/token-billing/petitions"
	"github.com/petitio/token-billing/postgres"
	"github.com/petitio/token-billing/reconcile"
	"github.com/petitio/token-billing/rediscache"
	"github.com/petitio/token-billing/runner"
	"github.com/petitio/token-billing/stripeclient"
	"github.com/petitio/token-billing/web"
)

type WebRunner struct {
	cfg    *runner.Config
	logger *zap.Logger
	db     *sql.DB
	cache  *rediscache.BalanceCache
	server *web.Server
}

func New(cfg *runner.Config) (*WebRunner, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("database connection string is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}

	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	if err := postgres.Migrate(cfg.Dsn, logger); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	db, err := openDatabase(cfg.Dsn)
	if err != nil {
		return nil, err
	}

	balances := postgres.NewBalanceRepository(db)
	txns := postgres.NewTransactionRepository(db)
	trackers := postgres.NewTrackerRepository(db)
	profiles := postgres.NewProfileRepository(db)

	// The balance cache is an optimization only: when redis is down the
	// service starts anyway and reads go straight to postgres.
	var cache *rediscache.BalanceCache
	cache, err = rediscache.New(rediscache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("balance cache unavailable, serving uncached", zap.Error(err))
		cache = nil
	}

	// Every balance mutation funnels through the ledger, so hanging the
	// cache invalidation there covers webhook credits, drip grants and
	// petition debits alike.
	var ledgerOpts []ledger.Option
	if cache != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithCache(cache))
	}
	ledgerSvc := ledger.New(balances, txns, logger, ledgerOpts...)

	resolver := identity.NewResolver(profiles, logger)
	stripeCli := stripeclient.NewClient(cfg.StripeAPIKey)

	reconciler := reconcile.New(ledgerSvc, resolver, trackers, stripeCli, logger)
	scheduler := drip.NewScheduler(ledgerSvc, trackers, logger)
	chargeGate := gate.New(ledgerSvc, logger)
	cfgSvc := config.New(db)

	petitionsCli := petitions.NewClient(cfg.PetitionsServiceURL, cfg.PetitionsAPIKey)

	handlers := web.Handlers{
		Webhook:       web.NewWebhookHandler(stripeCli, reconciler, cfg.StripeWebhookSecret, logger),
		Tokens:        web.NewTokensHandler(ledgerSvc, cacheOrNil(cache), logger),
		Petitions:     web.NewPetitionsHandler(chargeGate, petitionsCli, cfgSvc, logger),
		Renewals:      web.NewRenewalsHandler(scheduler, logger),
		Billing:       web.NewBillingHandler(stripeCli, profiles, cfgSvc, logger),
		Subscriptions: web.NewSubscriptionsHandler(stripeCli, trackers, logger),
	}

	server := web.NewServer(web.Config{Addr: cfg.Addr, Debug: cfg.Debug}, logger, handlers)

	return &WebRunner{
		cfg:    cfg,
		logger: logger,
		db:     db,
		cache:  cache,
		server: server,
	}, nil
}

func (w *WebRunner) Run(ctx context.Context) error {
	return w.server.Start(ctx)
}

func (w *WebRunner) Close(_ context.Context) error {
	if w.cache != nil {
		_ = w.cache.Close()
	}
	return w.db.Close()
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// cacheOrNil avoids handing the handlers a typed-nil interface value.
func cacheOrNil(cache *rediscache.BalanceCache) web.BalanceCache {
	if cache == nil {
		return nil
	}
	return cache
}
