// Package health serves the liveness and readiness probes.
//
//   - /healthz always answers 200 while the process can serve HTTP.
//   - /readyz runs every registered [Checker] and answers 503 when a
//     required one fails.
//
// A failing optional checker, such as the shared directory cache, marks the
// instance "degraded" but keeps it ready: the service can still answer from
// the remote directory.
//
// Concurrent /readyz requests share one evaluation, and a finished
// evaluation can be reused for a short time with [WithCacheTTL] so that a
// busy load balancer does not authenticate against the directory service on
// every probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check.
type Checker struct {
	// Name labels the check in the response, e.g. "directory" or "redis".
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional marks a dependency the service can run without.
	Optional bool
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"` // ok | degraded | fail
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status   string `json:"status"` // ok | fail
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Millis   int64  `json:"duration_ms"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCacheTTL reuses a readiness report for up to ttl after it was computed.
func WithCacheTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.ttl = ttl }
}

// WithClock overrides the time source used for the report cache and
// durations.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu       sync.Mutex
	cached   Report
	cachedAt time.Time
}

// New creates a [Handler] for the given checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if rep.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Check evaluates the checkers, or returns a recent report when one is
// cached.
func (h *Handler) Check(ctx context.Context) Report {
	if rep, ok := h.fresh(); ok {
		return rep
	}
	ch := h.group.DoChan("ready", func() (any, error) {
		// Shared by concurrent callers, so one caller leaving must not
		// cancel the others' checks.
		rep := h.evaluate(context.WithoutCancel(ctx))
		h.mu.Lock()
		h.cached, h.cachedAt = rep, h.now()
		h.mu.Unlock()
		return rep, nil
	})
	select {
	case res := <-ch:
		return res.Val.(Report)
	case <-ctx.Done():
		return Report{Status: "fail", Checks: map[string]CheckResult{
			"probe": {Status: "fail", Error: ctx.Err().Error()},
		}}
	}
}

func (h *Handler) fresh() (Report, bool) {
	if h.ttl <= 0 {
		return Report{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cachedAt.IsZero() || h.now().Sub(h.cachedAt) >= h.ttl {
		return Report{}, false
	}
	return h.cached, true
}

func (h *Handler) evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := h.now()
			err := c.Check(cctx)
			res := CheckResult{Status: "ok", Optional: c.Optional, Millis: h.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = "fail", err.Error()
			}
			results[i] = res
		})
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		switch {
		case res.Status == "ok":
		case !c.Optional:
			rep.Status = "fail"
		case rep.Status == "ok":
			rep.Status = "degraded"
		}
	}
	return rep
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
