package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

const (
	DefaultRedisKey = "rangeban:blocklist"
	redisOpTimeout  = 5 * time.Second
)

// RedisStore keeps the ban set as a Redis set of CIDR strings. Consumers
// such as an OpenResty access phase read it with SMEMBERS.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// DialRedis connects to addr and checks the connection with PING.
func DialRedis(ctx context.Context, addr, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := client.Ping(opCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client, key), nil
}

func (s *RedisStore) Get(ctx context.Context) ([]domain.BanEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	members, err := s.client.SMembers(opCtx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read redis set %s: %w", s.key, err)
	}

	out := make([]domain.BanEntry, 0, len(members))
	for _, m := range members {
		e, err := domain.ParseBanEntry(m)
		if err != nil {
			log.Warn().Str("key", s.key).Str("member", m).Msg("Skipping invalid ban entry in redis set")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Set replaces the set inside MULTI/EXEC so readers never see a partial
// ban set.
func (s *RedisStore) Set(ctx context.Context, entries []domain.BanEntry) error {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	members := redisMembers(entries)
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Del(opCtx, s.key)
		if len(members) > 0 {
			pipe.SAdd(opCtx, s.key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisMembers(entries []domain.BanEntry) []interface{} {
	sorted := domain.SortedEntries(entries)
	out := make([]interface{}, len(sorted))
	for i, e := range sorted {
		out[i] = e.String()
	}
	return out
}
