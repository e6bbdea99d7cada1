package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/visitorparse/internal/audit"
	"github.com/MrWong99/visitorparse/internal/directory"
	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/extract"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/internal/reconcile"
)

const defaultAuditTimeout = 2 * time.Second

// Directories returns the directory of a building.
type Directories interface {
	Get(ctx context.Context, buildingID int) (*directory.Directory, error)
}

// Extractor turns an utterance into candidate fields.
type Extractor interface {
	Extract(ctx context.Context, text string, dir *directory.Directory) (extract.Candidate, error)
}

// Reconciler resolves candidate fields against a directory.
type Reconciler interface {
	Reconcile(c extract.Candidate, dir *directory.Directory) reconcile.Result
}

// Compile-time checks against the concrete pipeline stages.
var (
	_ Directories = (*directory.Cache)(nil)
	_ Extractor   = (*extract.Adapter)(nil)
	_ Reconciler  = (*reconcile.Engine)(nil)
)

// Option configures a [Service].
type Option func(*Service)

// WithSuccessThreshold sets the minimum confidence of a success response.
func WithSuccessThreshold(v float64) Option {
	return func(s *Service) { s.threshold = v }
}

// WithMetrics records parse outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit records every parse outcome on r. Audit failures are logged and
// never fail the request.
func WithAudit(r audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// Service runs the parse pipeline: directory lookup, extraction,
// reconciliation and composition.
type Service struct {
	dirs      Directories
	extractor Extractor
	engine    Reconciler
	threshold float64
	metrics   *observe.Metrics
	audit     audit.Recorder
}

// NewService wires the pipeline stages.
func NewService(dirs Directories, extractor Extractor, engine Reconciler, opts ...Option) *Service {
	s := &Service{
		dirs:      dirs,
		extractor: extractor,
		engine:    engine,
		threshold: DefaultSuccessThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Parse runs the pipeline for text in buildingID. On failure the returned
// Response is already the error envelope and err carries the cause for
// status mapping. Partial resolution is not an error.
func (s *Service) Parse(ctx context.Context, buildingID int, text string) (Response, error) {
	ctx, span := observe.StartSpan(ctx, "registration.Parse")
	defer span.End()
	log := observe.Logger(ctx).With("building_id", buildingID)

	start := time.Now()
	if s.metrics != nil {
		s.metrics.InFlightParses.Add(ctx, 1)
		defer s.metrics.InFlightParses.Add(ctx, -1)
	}

	resp, err := s.run(ctx, buildingID, text)
	if err != nil {
		observe.RecordError(span, err)
		resp = ComposeError(err)
		if errors.Is(err, errs.ErrBuildingNotFound) {
			resp.Details = map[string]any{"building_id": buildingID}
		}
		log.Warn("parse failed", "kind", resp.Kind, "err", err)
	} else {
		log.Info("parse completed",
			"status", resp.Status,
			"confidence", *resp.Confidence,
			"issues", len(resp.Issues),
			"degraded", resp.Degraded)
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		var conf float64
		if resp.Confidence != nil {
			conf = *resp.Confidence
		}
		s.metrics.RecordParse(ctx, string(resp.Status), elapsed, conf)
	}
	s.record(ctx, buildingID, text, resp, elapsed)
	return resp, err
}

func (s *Service) run(ctx context.Context, buildingID int, text string) (Response, error) {
	dir, err := s.dirs.Get(ctx, buildingID)
	if err != nil {
		return Response{}, fmt.Errorf("registration: directory for building %d: %w", buildingID, err)
	}

	cand, err := s.extractor.Extract(ctx, text, dir)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// The directory is in hand, so the request still gets an answer.
		observe.Logger(ctx).Warn("extraction deadline exceeded, reconciling without it",
			"building_id", buildingID, "err", err)
		cand = extract.Candidate{Text: text, Degraded: true}
	case err != nil:
		return Response{}, fmt.Errorf("registration: extract: %w", err)
	}

	result := s.engine.Reconcile(cand, dir)
	return compose(result, cand, s.threshold), nil
}

// record writes the audit entry on a context detached from cancellation so
// that a client disconnect still leaves a trace of the request.
func (s *Service) record(ctx context.Context, buildingID int, text string, resp Response, elapsed time.Duration) {
	if s.audit == nil {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		observe.Logger(ctx).Error("audit: marshal response", "err", err)
		return
	}
	e := &audit.Entry{
		RequestID:  observe.RequestID(ctx),
		BuildingID: buildingID,
		Text:       text,
		Status:     string(resp.Status),
		ErrorKind:  string(resp.Kind),
		Degraded:   resp.Degraded,
		Response:   body,
		Duration:   elapsed,
	}
	if resp.Confidence != nil {
		e.Confidence = *resp.Confidence
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAuditTimeout)
	defer cancel()
	if err := s.audit.Record(actx, e); err != nil {
		observe.Logger(ctx).Warn("audit: record failed", "err", err)
	}
}
