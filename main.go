package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/petitio/token-billing/postgres"
	"github.com/petitio/token-billing/runner"
	"github.com/petitio/token-billing/runner/webrunner"
	"github.com/petitio/token-billing/runner/workerrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	ctx, cancel := context.WithCancel(context.Background())

	cfg := runner.ParseConfig()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan

		log.Println("Received signal, shutting down...")

		cancel()
	}()

	runnerInstance, err := runnerFactory(cfg)
	if err != nil {
		cancel()
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Stderr.WriteString(err.Error() + "\n")

		_ = runnerInstance.Close(ctx)

		cancel()

		os.Exit(1)
	}

	_ = runnerInstance.Close(ctx)

	cancel()

	os.Exit(0)
}

func runnerFactory(cfg *runner.Config) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeWeb:
		return webrunner.New(cfg)
	case runner.RunModeWorker:
		return workerrunner.New(cfg)
	case runner.RunModeRenewals:
		return workerrunner.NewBatch(cfg)
	case runner.RunModeMigrate:
		return newMigrateRunner(cfg)
	default:
		return nil, runner.ErrInvalidRunMode
	}
}

type migrateRunner struct {
	dsn    string
	logger *zap.Logger
}

func newMigrateRunner(cfg *runner.Config) (runner.Runner, error) {
	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	return &migrateRunner{dsn: cfg.Dsn, logger: logger}, nil
}

func (m *migrateRunner) Run(_ context.Context) error {
	return postgres.Migrate(m.dsn, m.logger)
}

func (m *migrateRunner) Close(_ context.Context) error {
	return nil
}
