package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// MemorySequence counts up from a seed, typically the highest record id
// already on disk.
type MemorySequence struct {
	n atomic.Int64
}

func NewMemorySequence(seed int64) *MemorySequence {
	s := &MemorySequence{}
	s.n.Store(seed)
	return s
}

func (s *MemorySequence) Next(context.Context) (int64, error) {
	return s.n.Add(1), nil
}

const defaultSequenceKey = "chess:record:seq"

// raiseScript lifts the counter to at least ARGV[1] without ever lowering it.
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call('SET', KEYS[1], ARGV[1])
  return floor
end
return cur
`)

// RedisSequence shares the counter between replicas with INCR.
type RedisSequence struct {
	rdb *redis.Client
	key string
}

func NewRedisSequence(ctx context.Context, rdb *redis.Client, floor int64) (*RedisSequence, error) {
	s := &RedisSequence{rdb: rdb, key: defaultSequenceKey}
	if err := raiseScript.Run(ctx, rdb, []string{s.key}, floor).Err(); err != nil {
		return nil, fmt.Errorf("seed record sequence: %w", err)
	}
	return s, nil
}

func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", s.key, err)
	}
	return n, nil
}
