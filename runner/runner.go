// Package runner parses configuration and selects the process run mode.
package runner

import (
	"context"
	"errors"
	"flag"
	"os"
	"strconv"

	"go.uber.org/zap"
)

const (
	RunModeWeb = iota + 1
	RunModeWorker
	RunModeRenewals
	RunModeMigrate
)

var ErrInvalidRunMode = errors.New("invalid run mode")

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	RunMode int

	Addr  string
	Debug bool

	Dsn string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Workers       int

	StripeAPIKey        string
	StripeWebhookSecret string

	PetitionsServiceURL string
	PetitionsAPIKey     string

	// Cron expression for the periodic renewal batch (asynq scheduler).
	RenewalSchedule string
}

func ParseConfig() *Config {
	cfg := Config{}

	var (
		web      bool
		worker   bool
		renewals bool
		migrate  bool
	)

	flag.StringVar(&cfg.Addr, "addr", envOr("ADDR", ":8080"), "http listen address")
	flag.BoolVar(&cfg.Debug, "debug", os.Getenv("DEBUG") == "true", "enable debug logging")
	flag.StringVar(&cfg.Dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envIntOr("REDIS_DB", 0), "redis database number")
	flag.IntVar(&cfg.Workers, "workers", envIntOr("WORKERS", 10), "asynq worker concurrency")
	flag.StringVar(&cfg.RenewalSchedule, "renewal-schedule", envOr("RENEWAL_SCHEDULE", "0 3 * * *"), "cron schedule for the renewal batch")
	flag.BoolVar(&web, "web", false, "run the http server")
	flag.BoolVar(&worker, "worker", false, "run the background worker")
	flag.BoolVar(&renewals, "renewals", false, "run one renewal batch and exit")
	flag.BoolVar(&migrate, "migrate", false, "run database migrations and exit")

	flag.Parse()

	cfg.StripeAPIKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.PetitionsServiceURL = envOr("PETITIONS_SERVICE_URL", "http://localhost:8090")
	cfg.PetitionsAPIKey = os.Getenv("PETITIONS_API_KEY")

	switch {
	case migrate:
		cfg.RunMode = RunModeMigrate
	case renewals:
		cfg.RunMode = RunModeRenewals
	case worker:
		cfg.RunMode = RunModeWorker
	default:
		_ = web
		cfg.RunMode = RunModeWeb
	}

	return &cfg
}

// NewLogger builds the process-wide zap logger.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
