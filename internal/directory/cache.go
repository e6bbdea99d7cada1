package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/internal/session"
)

// Default cache parameters.
const (
	DefaultTTL          = time.Hour
	defaultFetchTimeout = 30 * time.Second
	defaultLockWait     = 3 * time.Second
	sharedPollInterval  = 100 * time.Millisecond
)

// Fetcher retrieves the raw structure of one building from the remote
// service using cred. Implementations report HTTP 401 as
// [errs.ErrUnauthorized], an unknown building as [errs.ErrBuildingNotFound]
// and transport failures as [errs.ErrDirectoryUnavailable].
type Fetcher interface {
	FetchDirectory(ctx context.Context, buildingID int, cred session.Credential) (Payload, error)
}

// Option configures a [Cache].
type Option func(*Cache)

// WithTTL sets how long a fetched directory is served before it is refreshed.
// The TTL is independent of token expiry.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSharedStore adds a second cache tier shared between replicas.
func WithSharedStore(s SharedStore) Option {
	return func(c *Cache) { c.shared = s }
}

// WithFetchTimeout bounds one refresh, including the shared tier and the
// remote round trip.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// WithLockWait sets how long a replica waits for another replica's refresh to
// land in the shared tier before fetching on its own.
func WithLockWait(d time.Duration) Option {
	return func(c *Cache) { c.lockWait = d }
}

// WithMetrics records cache results and fetch latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

type entry struct {
	dir     *Directory
	expires time.Time
}

// Cache serves building directories, refreshing them from the remote service
// on miss or expiry.
//
// Readers of an unexpired entry take only a read lock. Concurrent refreshes of
// the same building collapse into one fetch whose outcome every waiter
// shares.
type Cache struct {
	fetcher      Fetcher
	sessions     *session.Manager
	shared       SharedStore
	metrics      *observe.Metrics
	now          func() time.Time
	ttl          time.Duration
	fetchTimeout time.Duration
	lockWait     time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	entries map[int]entry
}

// NewCache creates a [Cache] that fetches through f with credentials from
// sessions.
func NewCache(f Fetcher, sessions *session.Manager, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      f,
		sessions:     sessions,
		now:          time.Now,
		ttl:          DefaultTTL,
		fetchTimeout: defaultFetchTimeout,
		lockWait:     defaultLockWait,
		entries:      make(map[int]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the directory of buildingID.
//
// Errors wrap [errs.ErrBuildingNotFound] when the remote service does not
// know the building, [errs.ErrAuthentication] when credentials are rejected,
// and [errs.ErrDirectoryUnavailable] for everything else, including an
// unauthorized response that persists after re-authentication.
func (c *Cache) Get(ctx context.Context, buildingID int) (*Directory, error) {
	ctx, span := observe.StartSpan(ctx, "directory.Get")
	defer span.End()

	if dir, ok := c.lookup(buildingID); ok {
		c.record(ctx, "hit")
		return dir, nil
	}

	ch := c.group.DoChan(strconv.Itoa(buildingID), func() (any, error) {
		return c.load(ctx, buildingID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			observe.RecordError(span, res.Err)
			return nil, res.Err
		}
		return res.Val.(*Directory), nil
	}
}

// Invalidate drops the cached directory of buildingID from every tier.
func (c *Cache) Invalidate(ctx context.Context, buildingID int) {
	c.mu.Lock()
	delete(c.entries, buildingID)
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Delete(ctx, buildingID); err != nil {
			slog.Warn("directory: shared invalidate failed", "building_id", buildingID, "err", err)
		}
	}
}

func (c *Cache) lookup(buildingID int) (*Directory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[buildingID]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.dir, true
}

func (c *Cache) store(dir *Directory) {
	c.mu.Lock()
	c.entries[dir.BuildingID] = entry{dir: dir, expires: dir.FetchedAt.Add(c.ttl)}
	c.mu.Unlock()
}

// load runs once per building for all concurrent callers. It is detached
// from the first caller's cancellation so the remaining waiters still get a
// result.
func (c *Cache) load(ctx context.Context, buildingID int) (*Directory, error) {
	if dir, ok := c.lookup(buildingID); ok {
		return dir, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	if c.shared != nil {
		if dir, ok := c.fromShared(ctx, buildingID); ok {
			return dir, nil
		}
		release, err := c.shared.Lock(ctx, buildingID, c.fetchTimeout)
		switch {
		case err == nil:
			defer release()
		case errors.Is(err, ErrLockHeld):
			if dir, ok := c.awaitShared(ctx, buildingID); ok {
				return dir, nil
			}
			slog.Info("directory: shared refresh did not land, fetching directly", "building_id", buildingID)
		default:
			slog.Warn("directory: shared lock failed", "building_id", buildingID, "err", err)
		}
	}

	c.record(ctx, "miss")
	dir, err := c.fetch(ctx, buildingID)
	if err != nil {
		return nil, err
	}
	c.store(dir)

	if c.shared != nil {
		if err := c.shared.Save(ctx, dir, c.ttl); err != nil {
			slog.Warn("directory: shared save failed", "building_id", buildingID, "err", err)
		}
	}
	return dir, nil
}

func (c *Cache) fetch(ctx context.Context, buildingID int) (*Directory, error) {
	start := time.Now()
	p, err := session.Do(ctx, c.sessions, func(ctx context.Context, cred session.Credential) (Payload, error) {
		return c.fetcher.FetchDirectory(ctx, buildingID, cred)
	})
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(errs.KindOf(err))
		}
		c.metrics.RecordDirectoryFetch(ctx, time.Since(start), outcome)
	}
	if err != nil {
		return nil, classify(buildingID, err)
	}

	dir, err := Build(buildingID, p, c.now())
	if err != nil {
		return nil, err
	}
	slog.Info("directory: fetched",
		"building_id", buildingID,
		"blocks", len(dir.Blocks),
		"took", time.Since(start))
	return dir, nil
}

// classify guarantees every fetch error carries one of the directory
// sentinels.
func classify(buildingID int, err error) error {
	switch {
	case errors.Is(err, errs.ErrBuildingNotFound),
		errors.Is(err, errs.ErrAuthentication),
		errors.Is(err, errs.ErrDirectoryUnavailable):
		return fmt.Errorf("directory: fetch building %d: %w", buildingID, err)
	default:
		return fmt.Errorf("directory: fetch building %d: %w: %w", buildingID, errs.ErrDirectoryUnavailable, err)
	}
}

func (c *Cache) fromShared(ctx context.Context, buildingID int) (*Directory, bool) {
	dir, err := c.shared.Load(ctx, buildingID)
	if err != nil {
		slog.Warn("directory: shared load failed", "building_id", buildingID, "err", err)
		return nil, false
	}
	if dir == nil || !c.now().Before(dir.FetchedAt.Add(c.ttl)) {
		return nil, false
	}
	c.store(dir)
	c.record(ctx, "shared")
	return dir, true
}

// awaitShared polls the shared tier while another replica holds the refresh
// lock.
func (c *Cache) awaitShared(ctx context.Context, buildingID int) (*Directory, bool) {
	deadline := time.NewTimer(c.lockWait)
	defer deadline.Stop()
	tick := time.NewTicker(sharedPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-tick.C:
			if dir, ok := c.fromShared(ctx, buildingID); ok {
				return dir, true
			}
		}
	}
}

func (c *Cache) record(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheResult(ctx, result)
	}
}
