package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Service provides access to dynamic configuration values stored in the
// system_config table. Environment variables override database values when
// present, which keeps local development and tests free of database setup.
type Service struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]cachedEntry
}

type cachedEntry struct {
	value     string
	expiresAt time.Time
}

const defaultTTL = time.Minute

// Keys for configuration values this service owns.
const (
	KeyPetitionTokenCost      = "petition_token_cost"
	KeyBillingPortalReturnURL = "billing_portal_return_url"
)

const defaultPetitionTokenCost = 16

func New(db *sql.DB) *Service {
	return &Service{db: db, cache: make(map[string]cachedEntry)}
}

// PetitionTokenCost returns the number of tokens debited for each petition
// generation. Falls back to the built-in default when unset.
func (s *Service) PetitionTokenCost(ctx context.Context) (int, error) {
	v, err := s.GetInt(ctx, KeyPetitionTokenCost, defaultPetitionTokenCost)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return defaultPetitionTokenCost, nil
	}
	return v, nil
}

// BillingPortalReturnURL returns the URL customers land on after leaving the
// Stripe billing portal.
func (s *Service) BillingPortalReturnURL(ctx context.Context) (string, error) {
	return s.GetRequiredString(ctx, KeyBillingPortalReturnURL)
}

// GetString returns a string config value. The env var name is derived from
// key by uppercasing and replacing dots with underscores.
func (s *Service) GetString(ctx context.Context, key string, defaultValue string) (string, error) {
	if v, ok := s.envOverride(key); ok {
		return v, nil
	}
	if v, ok := s.getFromCache(key); ok {
		return v, nil
	}
	const q = `SELECT value FROM system_config WHERE key = $1 LIMIT 1`
	var v string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return defaultValue, nil
		}
		return "", err
	}
	s.putInCache(key, v)
	return v, nil
}

// GetBool returns a boolean config value.
func (s *Service) GetBool(ctx context.Context, key string, defaultValue bool) (bool, error) {
	v, err := s.GetString(ctx, key, "")
	if err != nil {
		return false, err
	}
	if v == "" {
		return defaultValue, nil
	}
	return strings.EqualFold(v, "true") || v == "1", nil
}

// GetInt returns an integer config value. Unparseable values fall back to
// the default rather than failing the caller.
func (s *Service) GetInt(ctx context.Context, key string, defaultValue int) (int, error) {
	v, err := s.GetString(ctx, key, "")
	if err != nil {
		return 0, err
	}
	if v == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue, nil
	}
	return parsed, nil
}

// GetRequiredString returns a required value or an error if missing.
func (s *Service) GetRequiredString(ctx context.Context, key string) (string, error) {
	v, err := s.GetString(ctx, key, "")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("missing required config: %s", key)
	}
	return v, nil
}

// Upsert writes a configuration value and invalidates the local cache entry.
func (s *Service) Upsert(ctx context.Context, key, value, description string) error {
	const q = `INSERT INTO system_config (key, value, description, updated_at)
	           VALUES ($1, $2, $3, NOW())
	           ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, description = EXCLUDED.description, updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q, key, value, description)
	if err == nil {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}
	return err
}

func (s *Service) envOverride(key string) (string, bool) {
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	return "", false
}

func (s *Service) getFromCache(key string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
		return "", false
	}
	return entry.value, true
}

func (s *Service) putInCache(key, value string) {
	s.mu.Lock()
	s.cache[key] = cachedEntry{value: value, expiresAt: time.Now().Add(defaultTTL)}
	s.mu.Unlock()
}
