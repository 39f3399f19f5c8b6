// Package workerrunner runs the background side of the billing service: the
// asynq worker consuming renewal tasks and the cron scheduler that enqueues
// them.
package workerrunner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/drip"
	"github.com/petitio/token-billing/ledger"
	"github.com/petitio/token-billing/postgres"
	"github.com/petitio/token-billing/rediscache"
	"github.com/petitio/token-billing/runner"
	"github.com/petitio/token-billing/tasks"
)

type WorkerRunner struct {
	cfg       *runner.Config
	logger    *zap.Logger
	db        *sql.DB
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
}

func New(cfg *runner.Config) (*WorkerRunner, error) {
	logger, db, dripScheduler, err := buildDeps(cfg)
	if err != nil {
		return nil, err
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Workers,
		Queues: map[string]int{
			tasks.QueueCritical: 6,
			tasks.QueueDefault:  3,
			tasks.QueueLow:      1,
		},
	})

	mux := asynq.NewServeMux()
	tasks.NewRenewalHandler(dripScheduler, logger).Register(mux)

	cronScheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	renewalTask, err := tasks.NewProcessRenewalsTask()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build renewal task: %w", err)
	}

	if _, err := cronScheduler.Register(cfg.RenewalSchedule, renewalTask); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register renewal schedule: %w", err)
	}

	return &WorkerRunner{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		server:    server,
		scheduler: cronScheduler,
		mux:       mux,
	}, nil
}

func (w *WorkerRunner) Run(ctx context.Context) error {
	if err := w.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start cron scheduler: %w", err)
	}

	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	w.logger.Info("worker started",
		zap.String("renewal_schedule", w.cfg.RenewalSchedule),
		zap.Int("concurrency", w.cfg.Workers),
	)

	<-ctx.Done()

	w.scheduler.Shutdown()
	w.server.Shutdown()

	return nil
}

func (w *WorkerRunner) Close(_ context.Context) error {
	return w.db.Close()
}

// BatchRunner runs one renewal batch and exits. Used by the external cron
// contract when asynq is not deployed.
type BatchRunner struct {
	logger    *zap.Logger
	db        *sql.DB
	scheduler *drip.Scheduler
}

func NewBatch(cfg *runner.Config) (*BatchRunner, error) {
	logger, db, dripScheduler, err := buildDeps(cfg)
	if err != nil {
		return nil, err
	}

	return &BatchRunner{logger: logger, db: db, scheduler: dripScheduler}, nil
}

func (b *BatchRunner) Run(ctx context.Context) error {
	result, err := b.scheduler.Run(ctx)
	if err != nil {
		return err
	}

	b.logger.Info("renewal batch done",
		zap.Int("due", result.Due),
		zap.Int("granted", result.Granted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)

	return result.Err
}

func (b *BatchRunner) Close(_ context.Context) error {
	return b.db.Close()
}

func buildDeps(cfg *runner.Config) (*zap.Logger, *sql.DB, *drip.Scheduler, error) {
	if cfg.Dsn == "" {
		return nil, nil, nil, fmt.Errorf("database connection string is required")
	}

	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := sql.Open("pgx", cfg.Dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	balances := postgres.NewBalanceRepository(db)
	txns := postgres.NewTransactionRepository(db)
	trackers := postgres.NewTrackerRepository(db)

	// Drip grants mutate balances too, so the worker invalidates the same
	// cache the web side reads through.
	var ledgerOpts []ledger.Option
	cache, err := rediscache.New(rediscache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("balance cache unavailable, grants will age out via TTL", zap.Error(err))
	} else {
		ledgerOpts = append(ledgerOpts, ledger.WithCache(cache))
	}

	ledgerSvc := ledger.New(balances, txns, logger, ledgerOpts...)
	dripScheduler := drip.NewScheduler(ledgerSvc, trackers, logger)

	return logger, db, dripScheduler, nil
}
