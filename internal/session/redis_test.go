package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisSequenceSeedsFromFloor(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	seq, err := NewRedisSequence(ctx, rdb, 10)
	if err != nil {
		t.Fatalf("NewRedisSequence: %v", err)
	}
	n, err := seq.Next(ctx)
	if err != nil || n != 11 {
		t.Fatalf("Next = %d, %v", n, err)
	}

	// a lower floor from another replica must not rewind the counter
	other, err := NewRedisSequence(ctx, rdb, 3)
	if err != nil {
		t.Fatalf("NewRedisSequence: %v", err)
	}
	n, err = other.Next(ctx)
	if err != nil || n != 12 {
		t.Fatalf("Next = %d, %v", n, err)
	}
}

func TestRedisClaimsExclusiveAcrossReplicas(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisClaims(rdb, time.Minute)
	b := NewRedisClaims(rdb, time.Minute)

	ok, err := a.Claim(ctx, "owner-1")
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	ok, err = b.Claim(ctx, "owner-1")
	if err != nil || ok {
		t.Fatalf("second claim should fail: %v %v", ok, err)
	}

	if err := b.Release(ctx, "owner-1"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if !mr.Exists(claimKeyPrefix + "owner-1") {
		t.Fatalf("foreign release must not drop the claim")
	}

	if err := a.Release(ctx, "owner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.Claim(ctx, "owner-1")
	if err != nil || !ok {
		t.Fatalf("claim after release: %v %v", ok, err)
	}
}

func TestRegistryWithRedisClaims(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	claims := NewRedisClaims(rdb, time.Minute)
	first := NewRegistry(nil, claims, nil)
	second := NewRegistry(nil, NewRedisClaims(rdb, time.Minute), nil)

	res, err := first.Reserve(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := second.Reserve(ctx, "owner-1"); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate from second replica, got %v", err)
	}
	res.Cancel()
	if _, err := second.Reserve(ctx, "owner-1"); err != nil {
		t.Fatalf("Reserve after cancel: %v", err)
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://:secret@cache.internal:6380/2")
	if err != nil {
		t.Fatalf("parseRedisURL: %v", err)
	}
	if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := parseRedisURL("http://x"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestOpenRedis(t *testing.T) {
	mr, _ := newTestRedis(t)
	rdb, err := OpenRedis(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	rdb.Close()
}
