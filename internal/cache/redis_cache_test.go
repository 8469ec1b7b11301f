package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisCache_StoreLastRun(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	c := NewRedisCache(rdb, 10*time.Second)
	ctx := context.Background()

	summary := RunSummary{
		RunID:      "run-1",
		Total:      5,
		Sent:       4,
		Failed:     1,
		FinishedAt: time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC),
	}

	if err := c.StoreLastRun(ctx, "tenant-9", summary); err != nil {
		t.Fatalf("StoreLastRun() error: %v", err)
	}

	key := "run:last:tenant-9"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got RunSummary
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.RunID != summary.RunID || got.Sent != summary.Sent {
		t.Fatalf("stored summary mismatch: %+v", got)
	}
}

func TestRedisCache_LastRun_MissIsNotAnError(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	c := NewRedisCache(rdb, time.Minute)

	_, ok, err := c.LastRun(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LastRun() error: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
}

func TestRedisCache_RoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	c := NewRedisCache(rdb, time.Minute)
	ctx := context.Background()

	want := RunSummary{
		RunID:      "run-2",
		Total:      2,
		Sent:       2,
		Aborted:    false,
		FinishedAt: time.Date(2026, 8, 30, 19, 30, 0, 0, time.UTC),
	}
	if err := c.StoreLastRun(ctx, "t", want); err != nil {
		t.Fatalf("StoreLastRun() error: %v", err)
	}

	got, ok, err := c.LastRun(ctx, "t")
	if err != nil {
		t.Fatalf("LastRun() error: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.RunID != want.RunID || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
