package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client, "test")
}

func TestRedisStore_RoundTrip(t *testing.T) {
	t.Parallel()

	mr, store := newTestRedis(t)
	ctx := context.Background()

	got, err := store.Load(ctx, 42)
	if err != nil || got != nil {
		t.Fatalf("Load on empty store = (%v, %v), want (nil, nil)", got, err)
	}

	dir, err := Build(42, samplePayload(), time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := store.Save(ctx, dir, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := mr.TTL("test:directory:42"); ttl != time.Hour {
		t.Errorf("stored TTL = %v, want 1h", ttl)
	}

	got, err = store.Load(ctx, 42)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Blocks) != 2 || got.Blocks[0].Floors[1].Flats[0].NameChi != "A室" {
		t.Errorf("loaded directory = %+v", got)
	}
	if !got.FetchedAt.Equal(dir.FetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, dir.FetchedAt)
	}

	if err := store.Delete(ctx, 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Load(ctx, 42); got != nil {
		t.Error("Load after Delete returned a directory")
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	t.Parallel()

	mr, store := newTestRedis(t)
	if err := mr.Set("test:directory:42", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(context.Background(), 42); err == nil {
		t.Error("Load of corrupt entry succeeded, want error")
	}
}

func TestRedisStore_Lock(t *testing.T) {
	t.Parallel()

	_, store := newTestRedis(t)
	ctx := context.Background()

	release, err := store.Lock(ctx, 42, 5*time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := store.Lock(ctx, 42, 5*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Lock err = %v, want ErrLockHeld", err)
	}
	if _, err := store.Lock(ctx, 43, 5*time.Second); err != nil {
		t.Errorf("Lock on another building: %v", err)
	}

	release()
	release2, err := store.Lock(ctx, 42, 5*time.Second)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	release2()
}

func TestCache_SharedTierServesOtherReplica(t *testing.T) {
	t.Parallel()

	_, store := newTestRedis(t)
	ctx := context.Background()

	f1 := &fakeFetcher{}
	replica1, _ := newTestCache(t, f1, WithSharedStore(store))
	if _, err := replica1.Get(ctx, 42); err != nil {
		t.Fatalf("replica1 Get: %v", err)
	}

	f2 := &fakeFetcher{}
	replica2, _ := newTestCache(t, f2, WithSharedStore(store))
	dir, err := replica2.Get(ctx, 42)
	if err != nil {
		t.Fatalf("replica2 Get: %v", err)
	}
	if len(dir.Blocks) != 2 {
		t.Errorf("replica2 blocks = %d, want 2", len(dir.Blocks))
	}
	if n := f2.calls.Load(); n != 0 {
		t.Errorf("replica2 fetches = %d, want 0", n)
	}
}

func TestCache_SharedTierDownFallsBackToRemote(t *testing.T) {
	t.Parallel()

	mr, store := newTestRedis(t)
	mr.Close()

	f := &fakeFetcher{}
	c, _ := newTestCache(t, f, WithSharedStore(store), WithFetchTimeout(2*time.Second))
	if _, err := c.Get(context.Background(), 42); err != nil {
		t.Fatalf("Get with Redis down: %v", err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestCache_WaitsForLockHolder(t *testing.T) {
	t.Parallel()

	_, store := newTestRedis(t)
	ctx := context.Background()

	// Another replica holds the refresh claim and publishes shortly after.
	release, err := store.Lock(ctx, 42, 5*time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	c, clock := newTestCache(t, &fakeFetcher{}, WithSharedStore(store), WithLockWait(2*time.Second))
	go func() {
		time.Sleep(150 * time.Millisecond)
		dir, _ := Build(42, samplePayload(), clock.Now())
		_ = store.Save(ctx, dir, time.Hour)
		release()
	}()

	f := c.fetcher.(*fakeFetcher)
	if _, err := c.Get(ctx, 42); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("fetches = %d, want 0 (served from the lock holder's refresh)", n)
	}
}
