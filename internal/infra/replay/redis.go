package replay

import (
	"context"
	"errors"
	"time"

	"beacon/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "beacon:nonce:"
	// EmbedKeyPrefix keeps embed token signatures apart from report nonces.
	EmbedKeyPrefix = "beacon:embed:"
)

// RedisLedger shares the nonce ledger between instances. SET NX gives the
// atomic insert-if-absent and key expiry replaces sweeping.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ domain.ReplayLedger = (*RedisLedger)(nil)

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return NewRedisLedgerWithPrefix(client, ttl, defaultKeyPrefix)
}

// NewRedisLedgerWithPrefix returns a ledger whose keys live under prefix,
// so several ledgers with different TTLs can share one client.
func NewRedisLedgerWithPrefix(client *redis.Client, ttl time.Duration, prefix string) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLedger{client: client, ttl: ttl, prefix: prefix}
}

func NewRedisLedgerFromAddr(addr, password string, db int, ttl time.Duration) (*RedisLedger, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLedger(client, ttl), nil
}

func (r *RedisLedger) Seen(ctx context.Context, nonce string, _ time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(nonce)).Result()
	if err != nil {
		return false, errors.Join(domain.ErrLedgerUnavailable, err)
	}
	return n > 0, nil
}

func (r *RedisLedger) Record(ctx context.Context, nonce string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, r.key(nonce), now.UnixMilli(), r.ttl).Result()
	if err != nil {
		return false, errors.Join(domain.ErrLedgerUnavailable, err)
	}
	return ok, nil
}

func (r *RedisLedger) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisLedger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLedger) Close() error {
	return r.client.Close()
}

func (r *RedisLedger) key(nonce string) string {
	return r.prefix + nonce
}
