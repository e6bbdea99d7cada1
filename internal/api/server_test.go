package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/visitorparse/internal/audit"
	"github.com/MrWong99/visitorparse/internal/category"
	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/health"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/internal/registration"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

type parserFunc func(ctx context.Context, buildingID int, text string) (registration.Response, error)

func (f parserFunc) Parse(ctx context.Context, buildingID int, text string) (registration.Response, error) {
	return f(ctx, buildingID, text)
}

type fakeAudit struct {
	entries    []audit.Entry
	err        error
	buildingID int
	limit      int
}

func (f *fakeAudit) Recent(_ context.Context, buildingID, limit int) ([]audit.Entry, error) {
	f.buildingID, f.limit = buildingID, limit
	return f.entries, f.err
}

func ptr[T any](v T) *T { return &v }

func newTestServer(t *testing.T, p Parser, opts ...Option) *Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	base := []Option{
		WithMetrics(m),
		WithVersion("1.2.3"),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "# metrics")
		})),
	}
	return New(p, append(base, opts...)...)
}

func successParser() Parser {
	return parserFunc(func(_ context.Context, buildingID int, text string) (registration.Response, error) {
		conf := 0.9
		return registration.Response{
			Status:     registration.StatusSuccess,
			Confidence: &conf,
			Data: &registration.Data{
				BlockID:      ptr(1),
				FloorID:      ptr(15),
				FlatID:       ptr(151),
				VisitorName:  ptr("李先生"),
				MainCategory: int(category.Delivery),
				SubCategory:  ptr("熊猫"),
			},
		}, nil
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

// ── Parse ────────────────────────────────────────────────────────────────────

func TestParse_Success(t *testing.T) {
	var gotBuilding int
	var gotText string
	p := successParser()
	s := newTestServer(t, parserFunc(func(ctx context.Context, b int, text string) (registration.Response, error) {
		gotBuilding, gotText = b, text
		if _, ok := ctx.Deadline(); !ok {
			t.Error("parse context has no deadline")
		}
		return p.Parse(ctx, b, text)
	}))

	rec := do(t, s, "POST", "/api/v1/parse-visitor", `{"building_id": 7, "text": "李先生 2座15樓A室 熊猫外賣"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	if gotBuilding != 7 || gotText != "李先生 2座15樓A室 熊猫外賣" {
		t.Errorf("parser got (%d, %q)", gotBuilding, gotText)
	}

	body := decode[map[string]any](t, rec)
	if body["status"] != "success" {
		t.Errorf("status = %v, want success", body["status"])
	}
	data, _ := body["data"].(map[string]any)
	if data["flat_id"] != float64(151) || data["sub_category"] != "熊猫" || data["main_category"] != float64(20) {
		t.Errorf("data = %v", data)
	}
	if _, ok := data["id_card_prefix"]; !ok {
		t.Error("data should carry id_card_prefix even when null")
	}
	if rec.Header().Get(observe.RequestIDHeader) == "" {
		t.Error("response is missing the request ID header")
	}
}

func TestParse_InvalidRequest(t *testing.T) {
	called := false
	s := newTestServer(t, parserFunc(func(context.Context, int, string) (registration.Response, error) {
		called = true
		return registration.Response{}, nil
	}))

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"malformed json", `{"building_id": 1,`, "body"},
		{"wrong type", `{"building_id": "one", "text": "hi"}`, "building_id"},
		{"missing building", `{"text": "hi"}`, "building_id"},
		{"negative building", `{"building_id": -3, "text": "hi"}`, "building_id"},
		{"missing text", `{"building_id": 1}`, "text"},
		{"blank text", `{"building_id": 1, "text": "   \t "}`, "text"},
		{"text too long", fmt.Sprintf(`{"building_id": 1, "text": %q}`, strings.Repeat("樓", 1001)), "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, "POST", "/api/v1/parse-visitor", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			resp := decode[registration.Response](t, rec)
			if resp.Status != registration.StatusError || resp.Kind != errs.KindInvalidRequest {
				t.Errorf("response = %+v", resp)
			}
			if _, ok := resp.Details[tt.wantField]; !ok {
				t.Errorf("details = %v, want key %q", resp.Details, tt.wantField)
			}
		})
	}
	if called {
		t.Error("parser must not run for invalid requests")
	}
}

func TestParse_TextAtLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser())
	body := fmt.Sprintf(`{"building_id": 1, "text": %q}`, strings.Repeat("樓", 1000))
	if rec := do(t, s, "POST", "/api/v1/parse-visitor", body); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestParse_ErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errs.ErrBuildingNotFound, http.StatusNotFound},
		{"unavailable", errs.ErrDirectoryUnavailable, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusBadGateway},
		{"authentication", errs.ErrAuthentication, http.StatusBadGateway},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, parserFunc(func(context.Context, int, string) (registration.Response, error) {
				err := fmt.Errorf("registration: %w", tt.err)
				return registration.ComposeError(err), err
			}))
			rec := do(t, s, "POST", "/api/v1/parse-visitor", `{"building_id": 9, "text": "hello"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			resp := decode[registration.Response](t, rec)
			if resp.Status != registration.StatusError || resp.Message == "" {
				t.Errorf("response = %+v", resp)
			}
			if strings.Contains(resp.Message, "boom") {
				t.Error("message leaks the underlying error")
			}
		})
	}
}

func TestParse_PartialIsNotAnError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, parserFunc(func(context.Context, int, string) (registration.Response, error) {
		conf := 0.3
		return registration.Response{Status: registration.StatusPartial, Confidence: &conf, Data: &registration.Data{MainCategory: 19}}, nil
	}))
	rec := do(t, s, "POST", "/api/v1/parse-visitor", `{"building_id": 1, "text": "someone"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := decode[registration.Response](t, rec); got.Status != registration.StatusPartial {
		t.Errorf("status = %q, want partial", got.Status)
	}
}

func TestParse_RequestTimeout(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, parserFunc(func(ctx context.Context, _ int, _ string) (registration.Response, error) {
		<-ctx.Done()
		return registration.ComposeError(ctx.Err()), ctx.Err()
	}), WithRequestTimeout(20*time.Millisecond))

	rec := do(t, s, "POST", "/api/v1/parse-visitor", `{"building_id": 1, "text": "slow"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

// ── Static routes ────────────────────────────────────────────────────────────

func TestHealthRoute(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser())
	rec := do(t, s, "GET", "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "healthy" || body["service"] != ServiceName || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestCategoriesRoute(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser())
	rec := do(t, s, "GET", "/api/v1/categories", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	tax := decode[category.Taxonomy](t, rec)
	if len(tax.MainCategories) != 2 {
		t.Fatalf("main categories = %d, want 2", len(tax.MainCategories))
	}
	del := tax.MainCategories[1]
	if del.ID != 20 || !del.HasSubcategories || len(del.Subcategories) != 2 {
		t.Errorf("delivery entry = %+v", del)
	}
}

func TestInfoAndProbes(t *testing.T) {
	t.Parallel()
	h := health.New([]health.Checker{{Name: "directory", Check: func(context.Context) error { return nil }}})
	s := newTestServer(t, successParser(), WithHealth(h))

	for _, path := range []string{"/", "/healthz", "/readyz", "/metrics"} {
		if rec := do(t, s, "GET", path, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s: status = %d, want 200", path, rec.Code)
		}
	}
	if rec := do(t, s, "GET", "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope: status = %d, want 404", rec.Code)
	}
	info := decode[map[string]any](t, do(t, s, "GET", "/", ""))
	if info["service"] != ServiceName {
		t.Errorf("info = %v", info)
	}
}

// ── Audit ────────────────────────────────────────────────────────────────────

func TestAudit_Disabled(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser())
	rec := do(t, s, "GET", "/api/v1/audit", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp := decode[registration.Response](t, rec); resp.Kind != errs.KindAuditDisabled {
		t.Errorf("kind = %q, want %q", resp.Kind, errs.KindAuditDisabled)
	}
}

func TestAudit_Enabled(t *testing.T) {
	t.Parallel()
	store := &fakeAudit{entries: []audit.Entry{{ID: 4, BuildingID: 7, Text: "hi", Status: "success"}}}
	s := newTestServer(t, successParser(), WithAuditReader(store))

	rec := do(t, s, "GET", "/api/v1/audit?building_id=7&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	if store.buildingID != 7 || store.limit != 10 {
		t.Errorf("Recent(%d, %d), want (7, 10)", store.buildingID, store.limit)
	}
	body := decode[map[string][]audit.Entry](t, rec)
	if len(body["entries"]) != 1 || body["entries"][0].ID != 4 {
		t.Errorf("entries = %+v", body["entries"])
	}
}

func TestAudit_BadQuery(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser(), WithAuditReader(&fakeAudit{}))

	for _, q := range []string{"limit=abc", "limit=501", "building_id=-1"} {
		if rec := do(t, s, "GET", "/api/v1/audit?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestAudit_StoreError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser(), WithAuditReader(&fakeAudit{err: errors.New("db down")}))
	rec := do(t, s, "GET", "/api/v1/audit", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db down") {
		t.Error("response leaks the store error")
	}
}

// ── Middleware ───────────────────────────────────────────────────────────────

func TestRecoverer(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, parserFunc(func(context.Context, int, string) (registration.Response, error) {
		panic("kaboom")
	}))
	rec := do(t, s, "POST", "/api/v1/parse-visitor", `{"building_id": 1, "text": "x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if resp := decode[registration.Response](t, rec); resp.Kind != errs.KindInternal {
		t.Errorf("kind = %q, want internal", resp.Kind)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		origins    []string
		origin     string
		wantHeader string
	}{
		{"disabled", nil, "https://a.example.com", ""},
		{"allowed", []string{"https://a.example.com"}, "https://a.example.com", "https://a.example.com"},
		{"not allowed", []string{"https://a.example.com"}, "https://evil.example.com", ""},
		{"wildcard", []string{"*"}, "https://any.example.com", "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, successParser(), WithCORSOrigins(tt.origins...))

			req := httptest.NewRequest("GET", "/api/v1/health", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, successParser(), WithCORSOrigins("https://a.example.com"))

	req := httptest.NewRequest("OPTIONS", "/api/v1/parse-visitor", nil)
	req.Header.Set("Origin", "https://a.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("Access-Control-Allow-Methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}
