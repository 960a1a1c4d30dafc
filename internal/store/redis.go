package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each account in a hash at acct:<uuid> and its source
// addresses in a companion hash at acct:<uuid>:ips.
type RedisStore struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func accountKey(id uuid.UUID) string { return "acct:" + id.String() }
func ipsKey(id uuid.UUID) string     { return "acct:" + id.String() + ":ips" }

func (s *RedisStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	fields, err := s.client.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	acct := &Account{ID: id, TrafficLimit: Unlimited, IPLimit: Unlimited}
	if v, ok := fields["expires_at"]; ok {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis account %s: bad expires_at %q", id, v)
		}
		acct.ExpiresAt = time.Unix(unix, 0)
	}
	if v, ok := fields["traffic_limit"]; ok {
		if acct.TrafficLimit, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("redis account %s: bad traffic_limit %q", id, v)
		}
	}
	if v, ok := fields["traffic_used"]; ok {
		if acct.TrafficUsed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("redis account %s: bad traffic_used %q", id, v)
		}
	}
	if v, ok := fields["ip_limit"]; ok {
		if acct.IPLimit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("redis account %s: bad ip_limit %q", id, v)
		}
	}
	return acct, nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, id uuid.UUID, delta int64) error {
	exists, err := s.client.Exists(ctx, accountKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.client.HIncrBy(ctx, accountKey(id), "traffic_used", delta).Err(); err != nil {
		return fmt.Errorf("redis hincrby: %w", err)
	}
	return nil
}

func (s *RedisStore) CountDistinctIPs(ctx context.Context, id uuid.UUID) (int, error) {
	n, err := s.client.HLen(ctx, ipsKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) HasIP(ctx context.Context, id uuid.UUID, addr string) (bool, error) {
	ok, err := s.client.HExists(ctx, ipsKey(id), addr).Result()
	if err != nil {
		return false, fmt.Errorf("redis hexists: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) UpsertIP(ctx context.Context, id uuid.UUID, addr string, seenAt time.Time) error {
	if err := s.client.HSet(ctx, ipsKey(id), addr, seenAt.Unix()).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// PutAccount writes a full account hash. Used by seeding and tooling.
func (s *RedisStore) PutAccount(ctx context.Context, acct Account) error {
	err := s.client.HSet(ctx, accountKey(acct.ID),
		"expires_at", acct.ExpiresAt.Unix(),
		"traffic_limit", acct.TrafficLimit,
		"traffic_used", acct.TrafficUsed,
		"ip_limit", acct.IPLimit,
	).Err()
	if err != nil {
		return fmt.Errorf("redis put account: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
