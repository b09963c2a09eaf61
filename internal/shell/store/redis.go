package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workzone/hostgate/internal/core/domain"
)

const (
	DefaultKeyPrefix = "hostgate"

	// ChallengeGrace keeps an expired challenge readable for a while so status
	// checks can report it as expired instead of unknown.
	ChallengeGrace = 10 * time.Minute

	scanCount = 100
)

// OpenRedis connects to url and verifies the connection with PING.
func OpenRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	if url == "" {
		return nil, NewStoreError("OpenRedis", "", "", "empty redis url", ErrConnectionFailed)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, NewStoreError("OpenRedis", "", "", err.Error(), ErrConnectionFailed)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, NewStoreError("OpenRedis", "", "", err.Error(), ErrConnectionFailed)
	}
	return client, nil
}

// =============================================================================
// RedisStore
// =============================================================================

// RedisStore implements Store on Redis. Challenges are stored with a TTL
// derived from their deadline; registrations do not expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store using client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) challengeKey(name string) string {
	return s.prefix + ":challenge:" + name
}

func (s *RedisStore) registrationKey(name string) string {
	return s.prefix + ":registration:" + name
}

// =============================================================================
// Challenge Operations
// =============================================================================

func (s *RedisStore) GetChallenge(ctx context.Context, name string) (*domain.Challenge, error) {
	var c domain.Challenge
	if err := s.getJSON(ctx, "GetChallenge", "challenge", name, s.challengeKey(name), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) PutChallenge(ctx context.Context, c *domain.Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return NewStoreError("PutChallenge", "challenge", c.Domain, "failed to serialize challenge", ErrInvalidData)
	}

	ttl := c.ExpiresAt.Sub(s.now()) + ChallengeGrace
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := s.client.Set(ctx, s.challengeKey(c.Domain), data, ttl).Err(); err != nil {
		return NewStoreError("PutChallenge", "challenge", c.Domain, err.Error(), err)
	}
	return nil
}

func (s *RedisStore) DeleteChallenge(ctx context.Context, name string) error {
	return s.del(ctx, "DeleteChallenge", "challenge", name, s.challengeKey(name))
}

func (s *RedisStore) ListChallenges(ctx context.Context) ([]domain.Challenge, error) {
	keys, err := s.scan(ctx, s.prefix+":challenge:*")
	if err != nil {
		return nil, NewStoreError("ListChallenges", "challenge", "", err.Error(), err)
	}

	challenges := make([]domain.Challenge, 0, len(keys))
	err = s.loadAll(ctx, keys, func(data []byte) error {
		var c domain.Challenge
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		challenges = append(challenges, c)
		return nil
	})
	if err != nil {
		return nil, NewStoreError("ListChallenges", "challenge", "", err.Error(), err)
	}

	sort.Slice(challenges, func(i, j int) bool {
		return challenges[i].IssuedAt.Before(challenges[j].IssuedAt)
	})
	return challenges, nil
}

func (s *RedisStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	challenges, err := s.ListChallenges(ctx)
	if err != nil {
		return 0, err
	}

	var keys []string
	for _, c := range challenges {
		if c.Expired(now) {
			keys = append(keys, s.challengeKey(c.Domain))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, NewStoreError("DeleteExpiredChallenges", "challenge", "", err.Error(), err)
	}
	return int(n), nil
}

// =============================================================================
// Registration Operations
// =============================================================================

func (s *RedisStore) GetRegistration(ctx context.Context, name string) (*domain.Registration, error) {
	var r domain.Registration
	if err := s.getJSON(ctx, "GetRegistration", "registration", name, s.registrationKey(name), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRegistration creates or overwrites the registration for a domain. The
// original ID of an existing entry is kept.
func (s *RedisStore) UpsertRegistration(ctx context.Context, r *domain.Registration) error {
	record := *r
	if existing, err := s.GetRegistration(ctx, r.Domain); err == nil {
		record.ID = existing.ID
	}

	data, err := json.Marshal(record)
	if err != nil {
		return NewStoreError("UpsertRegistration", "registration", r.Domain, "failed to serialize registration", ErrInvalidData)
	}
	if err := s.client.Set(ctx, s.registrationKey(r.Domain), data, 0).Err(); err != nil {
		return NewStoreError("UpsertRegistration", "registration", r.Domain, err.Error(), err)
	}
	return nil
}

func (s *RedisStore) DeleteRegistration(ctx context.Context, name string) error {
	return s.del(ctx, "DeleteRegistration", "registration", name, s.registrationKey(name))
}

func (s *RedisStore) ListRegistrations(ctx context.Context, opts ListOptions) ([]domain.Registration, error) {
	opts = opts.Normalize()

	keys, err := s.scan(ctx, s.prefix+":registration:*")
	if err != nil {
		return nil, NewStoreError("ListRegistrations", "registration", "", err.Error(), err)
	}
	sort.Strings(keys)

	if opts.Offset >= len(keys) {
		return []domain.Registration{}, nil
	}
	keys = keys[opts.Offset:]
	if len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	registrations := make([]domain.Registration, 0, len(keys))
	err = s.loadAll(ctx, keys, func(data []byte) error {
		var r domain.Registration
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		registrations = append(registrations, r)
		return nil
	})
	if err != nil {
		return nil, NewStoreError("ListRegistrations", "registration", "", err.Error(), err)
	}
	return registrations, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *RedisStore) getJSON(ctx context.Context, op, entity, name, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewStoreError(op, entity, name, entity+" not found", ErrNotFound)
		}
		return NewStoreError(op, entity, name, err.Error(), err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return NewStoreError(op, entity, name, "failed to decode "+entity, ErrInvalidData)
	}
	return nil
}

func (s *RedisStore) del(ctx context.Context, op, entity, name, key string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return NewStoreError(op, entity, name, err.Error(), err)
	}
	if n == 0 {
		return NewStoreError(op, entity, name, entity+" not found", ErrNotFound)
	}
	return nil
}

// scan collects keys matching pattern without blocking the server.
func (s *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dedupe(keys), nil
}

// loadAll fetches keys with MGET and decodes each present value. Keys that
// expired between SCAN and MGET are skipped.
func (s *RedisStore) loadAll(ctx context.Context, keys []string, decode func([]byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode([]byte(str)); err != nil {
			return errors.Join(ErrInvalidData, err)
		}
	}
	return nil
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

var _ Store = (*RedisStore)(nil)
