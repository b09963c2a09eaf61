package store

import (
	"context"
	"fmt"
	"time"

	"github.com/workzone/hostgate/internal/core/domain"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the keyed persistence used by the verification engine and the
// orchestrator. Challenges and registrations are keyed by domain name.
//
// The store keeps at most one challenge per domain but does not decide when a
// challenge may be replaced; callers serialize that per domain.
type Store interface {
	// Challenge operations
	GetChallenge(ctx context.Context, name string) (*domain.Challenge, error)
	PutChallenge(ctx context.Context, challenge *domain.Challenge) error
	DeleteChallenge(ctx context.Context, name string) error
	ListChallenges(ctx context.Context) ([]domain.Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)

	// Registration operations
	GetRegistration(ctx context.Context, name string) (*domain.Registration, error)
	UpsertRegistration(ctx context.Context, registration *domain.Registration) error
	DeleteRegistration(ctx context.Context, name string) error
	ListRegistrations(ctx context.Context, opts ListOptions) ([]domain.Registration, error)

	// Lifecycle
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	RedisURL  string `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.DSN)
	case DriverRedis:
		client, err := OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.KeyPrefix), nil
	default:
		return nil, NewStoreError("Open", "", "", fmt.Sprintf("driver %q", cfg.Driver), ErrUnknownDriver)
	}
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
