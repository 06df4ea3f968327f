package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	claimKeyPrefix  = "chess:owner:"
	defaultClaimTTL = 24 * time.Hour
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisClaims enforces one live game per owner across bot replicas. Each
// claim is tagged with this process's token so a replica never releases
// another replica's claim.
type RedisClaims struct {
	rdb   *redis.Client
	token string
	ttl   time.Duration
}

func NewRedisClaims(rdb *redis.Client, ttl time.Duration) *RedisClaims {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &RedisClaims{rdb: rdb, token: uuid.NewString(), ttl: ttl}
}

func (c *RedisClaims) key(owner string) string {
	return claimKeyPrefix + strings.TrimSpace(owner)
}

func (c *RedisClaims) Claim(ctx context.Context, ownerID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(ownerID), c.token, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx owner claim: %w", err)
	}
	return ok, nil
}

func (c *RedisClaims) Release(ctx context.Context, ownerID string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{c.key(ownerID)}, c.token).Err(); err != nil {
		return fmt.Errorf("release owner claim: %w", err)
	}
	return nil
}

// OpenRedis connects using a redis:// or rediss:// URL and pings once.
func OpenRedis(ctx context.Context, raw string) (*redis.Client, error) {
	opts, err := parseRedisURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = "6379"
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, err
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	opts := &redis.Options{
		Addr:     host + ":" + portStr,
		Username: u.User.Username(),
		Password: pass,
		DB:       db,
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
