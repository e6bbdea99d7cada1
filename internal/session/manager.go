// Package session owns the credential used to talk to the building directory
// service.
//
// A [Manager] caches one [Credential] and hands it to every caller until it is
// within the safety margin of its expiry. Concurrent callers that find no valid
// credential share a single authentication round trip. [Do] is the one reauth
// protocol used by every remote-calling component: on an unauthorized
// response the stale token is dropped, a fresh credential is obtained and the
// call is retried exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/observe"
)

// Default lifecycle parameters.
const (
	DefaultSafetyMargin = 5 * time.Minute
	defaultAuthTimeout  = 15 * time.Second
)

// Credential is an access token issued by the directory service.
type Credential struct {
	Token        string
	RefreshToken string
	DeviceID     string
	ExpiresAt    time.Time
}

// ValidAt reports whether c can still be used at now when margin must remain
// before expiry.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-margin))
}

// Authenticator obtains a fresh credential from the directory service.
// Rejected credentials must be reported as [errs.ErrAuthentication]; transport
// failures as [errs.ErrDirectoryUnavailable].
type Authenticator interface {
	Authenticate(ctx context.Context) (Credential, error)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClock overrides the time source. Tests use it to simulate expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSafetyMargin sets how long before expiry a credential is treated as
// invalid. Defaults to [DefaultSafetyMargin].
func WithSafetyMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithAuthTimeout bounds a single authentication round trip.
func WithAuthTimeout(d time.Duration) Option {
	return func(m *Manager) { m.authTimeout = d }
}

// WithMetrics records authentication attempts on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager caches the directory credential and serialises authentication.
//
// State moves between unauthenticated (no credential, or one inside the
// safety margin) and valid. [Manager.Invalidate], [Manager.InvalidateToken]
// and expiry return it to unauthenticated; the next [Manager.Credential]
// call authenticates again.
//
// All methods are safe for concurrent use.
type Manager struct {
	auth        Authenticator
	now         func() time.Time
	margin      time.Duration
	authTimeout time.Duration
	metrics     *observe.Metrics

	group singleflight.Group

	mu   sync.RWMutex
	cred Credential
}

// NewManager creates a [Manager] that authenticates through auth.
func NewManager(auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		auth:        auth,
		now:         time.Now,
		margin:      DefaultSafetyMargin,
		authTimeout: defaultAuthTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Credential returns a credential that stays valid for at least the safety
// margin, authenticating when necessary.
//
// Concurrent callers share one in-flight authentication. A caller whose ctx
// ends stops waiting and receives ctx.Err(); the shared attempt keeps running
// for the remaining waiters.
func (m *Manager) Credential(ctx context.Context) (Credential, error) {
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	ch := m.group.DoChan("auth", func() (any, error) {
		return m.authenticate(ctx)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// cached returns the current credential if it is still usable.
func (m *Manager) cached() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred.ValidAt(m.now(), m.margin) {
		return m.cred, true
	}
	return Credential{}, false
}

func (m *Manager) authenticate(ctx context.Context) (Credential, error) {
	// Another flight may have finished between the cache check and this one
	// starting.
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.authTimeout)
	defer cancel()

	start := m.now()
	cred, err := m.auth.Authenticate(ctx)
	if err != nil {
		m.record(ctx, "error")
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errs.ErrDirectoryUnavailable, err)
		}
		slog.Warn("session: authentication failed", "err", err)
		return Credential{}, fmt.Errorf("session: authenticate: %w", err)
	}
	if !cred.ValidAt(m.now(), m.margin) {
		m.record(ctx, "error")
		return Credential{}, fmt.Errorf("session: authenticate: %w: token expires at %s, inside the %s safety margin",
			errs.ErrAuthentication, cred.ExpiresAt.Format(time.RFC3339), m.margin)
	}
	m.record(ctx, "ok")

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	slog.Info("session: authenticated",
		"device_id", cred.DeviceID,
		"expires_at", cred.ExpiresAt,
		"took", m.now().Sub(start))
	return cred, nil
}

func (m *Manager) record(ctx context.Context, status string) {
	if m.metrics != nil {
		m.metrics.RecordAuthAttempt(ctx, status)
	}
}

// Invalidate drops the cached credential so the next call re-authenticates.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cred = Credential{}
	m.mu.Unlock()
}

// InvalidateToken drops the cached credential only if its token is still
// token. A request holding a stale token cannot evict a fresher one obtained
// by another request.
func (m *Manager) InvalidateToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred.Token == "" || m.cred.Token != token {
		return false
	}
	m.cred = Credential{}
	return true
}

// Do runs call with a valid credential. If call fails with
// [errs.ErrUnauthorized] the credential is invalidated, a fresh one is
// obtained and call runs once more. A second unauthorized response surfaces
// as [errs.ErrDirectoryUnavailable] wrapping the cause; every other error is
// returned unchanged.
func Do[T any](ctx context.Context, m *Manager, call func(context.Context, Credential) (T, error)) (T, error) {
	var zero T

	cred, err := m.Credential(ctx)
	if err != nil {
		return zero, err
	}
	v, err := call(ctx, cred)
	if !errors.Is(err, errs.ErrUnauthorized) {
		return v, err
	}

	slog.Info("session: token rejected, re-authenticating", "device_id", cred.DeviceID)
	m.InvalidateToken(cred.Token)

	cred, err = m.Credential(ctx)
	if err != nil {
		return zero, err
	}
	v, err = call(ctx, cred)
	if errors.Is(err, errs.ErrUnauthorized) {
		return zero, fmt.Errorf("session: rejected after re-authentication: %w: %w", errs.ErrDirectoryUnavailable, err)
	}
	return v, err
}
