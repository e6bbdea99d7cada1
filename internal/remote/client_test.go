package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/resilience"
	"github.com/MrWong99/visitorparse/internal/session"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeService emulates the directory service. Fields select failure modes.
type fakeService struct {
	t *testing.T

	sessionStatus  int // envelope status for RequestSessionToken; 0 means 1
	sessionHTTP    int
	loginOK        bool
	buildingHTTP   int
	buildingStatus int
	expiresIn      int
	token          string

	landingCalls  atomic.Int32
	sessionCalls  atomic.Int32
	loginCalls    atomic.Int32
	buildingCalls atomic.Int32
}

func (s *fakeService) writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "errMsg": "", "data": data})
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.t.Errorf("method = %s, want POST", r.Method)
	}
	switch r.URL.Path {
	case pathLandingInfo:
		s.landingCalls.Add(1)
		if r.Header.Get("Apikey") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.writeEnvelope(w, 1, map[string]string{"deviceId": "dev-discovered"})

	case pathSessionToken:
		s.sessionCalls.Add(1)
		if s.sessionHTTP != 0 {
			w.WriteHeader(s.sessionHTTP)
			return
		}
		if r.URL.Query().Get("deviceId") == "" {
			s.t.Error("session token request without deviceId")
		}
		status := s.sessionStatus
		if status == 0 {
			status = 1
		}
		token := s.token
		if token == "" {
			token = "session-token"
		}
		data := map[string]any{"access_token": token, "refresh_token": "r-1"}
		if s.expiresIn > 0 {
			data["expires_in"] = s.expiresIn
		}
		s.writeEnvelope(w, status, data)

	case pathLogin:
		s.loginCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !s.loginOK || body["username"] != "guard" || body["password"] != "secret" {
			s.writeEnvelope(w, 0, nil)
			return
		}
		s.writeEnvelope(w, 1, map[string]any{"AccessToken": "login-token", "ExpiresIn": 3600, "RefreshToken": "r-2"})

	case pathBuildingSetting:
		s.buildingCalls.Add(1)
		if s.buildingHTTP != 0 {
			w.WriteHeader(s.buildingHTTP)
			return
		}
		if r.Header.Get("Access_token") != "session-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("BuildingId"); got != "42" {
			s.writeEnvelope(w, 0, nil)
			return
		}
		status := s.buildingStatus
		if status == 0 {
			status = 1
		}
		s.writeEnvelope(w, status, map[string]any{
			"BlockList": []map[string]any{{"Id": 1, "NameChi": "2座", "NameEng": "Block 2", "Seq": 1}},
			"FloorList": []map[string]any{{"Id": 10, "BlockId": 1, "NameChi": "15樓", "NameEng": "15/F", "Seq": 15}},
			"UnitList":  []map[string]any{{"Id": 100, "FloorId": 10, "NameChi": "A室", "NameEng": "A", "Seq": 1}},
		})

	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, svc *fakeService, cfg Config) *Client {
	t.Helper()
	svc.t = t
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.RetryCount == 0 {
		cfg.RetryCount = -1
	}
	c, err := New(cfg, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"api key", Config{BaseURL: "http://x", APIKey: "k"}, false},
		{"login only", Config{BaseURL: "http://x", Username: "u", Password: "p"}, false},
		{"no base url", Config{APIKey: "k"}, true},
		{"no credentials", Config{BaseURL: "http://x", Username: "u"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticate_SessionToken(t *testing.T) {
	t.Parallel()

	svc := &fakeService{expiresIn: 7200}
	c := newTestClient(t, svc, Config{APIKey: "key-1"})

	cred, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if cred.Token != "session-token" || cred.RefreshToken != "r-1" {
		t.Errorf("cred = %+v", cred)
	}
	if cred.DeviceID != "dev-discovered" {
		t.Errorf("DeviceID = %q, want %q", cred.DeviceID, "dev-discovered")
	}
	if want := fixedNow.Add(2 * time.Hour); !cred.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, want)
	}

	// The discovered device ID is reused.
	if _, err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if n := svc.landingCalls.Load(); n != 1 {
		t.Errorf("landing calls = %d, want 1", n)
	}
}

func TestAuthenticate_ConfiguredDeviceSkipsDiscovery(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	c := newTestClient(t, svc, Config{APIKey: "key-1", DeviceID: "dev-cfg"})

	cred, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if cred.DeviceID != "dev-cfg" {
		t.Errorf("DeviceID = %q, want %q", cred.DeviceID, "dev-cfg")
	}
	if n := svc.landingCalls.Load(); n != 0 {
		t.Errorf("landing calls = %d, want 0", n)
	}
}

func TestAuthenticate_ExpiryFromJWT(t *testing.T) {
	t.Parallel()

	exp := fixedNow.Add(90 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	svc := &fakeService{token: token}
	c := newTestClient(t, svc, Config{APIKey: "key-1", DeviceID: "dev"})

	cred, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
}

func TestAuthenticate_DefaultExpiry(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	c := newTestClient(t, svc, Config{APIKey: "key-1", DeviceID: "dev"})

	cred, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if want := fixedNow.Add(defaultTokenTTL); !cred.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, want)
	}
}

func TestAuthenticate_LoginFallback(t *testing.T) {
	t.Parallel()

	svc := &fakeService{sessionStatus: 0, sessionHTTP: http.StatusForbidden, loginOK: true}
	c := newTestClient(t, svc, Config{APIKey: "key-1", DeviceID: "dev", Username: "guard", Password: "secret"})

	cred, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if cred.Token != "login-token" {
		t.Errorf("Token = %q, want %q", cred.Token, "login-token")
	}
	if want := fixedNow.Add(time.Hour); !cred.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, want)
	}
	if svc.sessionCalls.Load() != 1 || svc.loginCalls.Load() != 1 {
		t.Errorf("calls = session %d login %d, want 1 and 1", svc.sessionCalls.Load(), svc.loginCalls.Load())
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		svc     *fakeService
		cfg     Config
		wantErr error
	}{
		{
			name:    "rejected key no login",
			svc:     &fakeService{sessionStatus: 2},
			cfg:     Config{APIKey: "key-1", DeviceID: "dev"},
			wantErr: errs.ErrAuthentication,
		},
		{
			name:    "both flows rejected",
			svc:     &fakeService{sessionHTTP: http.StatusUnauthorized},
			cfg:     Config{APIKey: "key-1", DeviceID: "dev", Username: "guard", Password: "wrong"},
			wantErr: errs.ErrAuthentication,
		},
		{
			name:    "service down",
			svc:     &fakeService{sessionHTTP: http.StatusServiceUnavailable},
			cfg:     Config{APIKey: "key-1", DeviceID: "dev"},
			wantErr: errs.ErrDirectoryUnavailable,
		},
		{
			name:    "device discovery rejected",
			svc:     &fakeService{},
			cfg:     Config{APIKey: "wrong-key"},
			wantErr: errs.ErrAuthentication,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.svc, tt.cfg)
			_, err := c.Authenticate(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetchDirectory(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	c := newTestClient(t, svc, Config{APIKey: "key-1", DeviceID: "dev"})
	cred := session.Credential{Token: "session-token", DeviceID: "dev"}

	p, err := c.FetchDirectory(context.Background(), 42, cred)
	if err != nil {
		t.Fatalf("FetchDirectory: %v", err)
	}
	if len(p.BlockList) != 1 || p.BlockList[0].NameChi != "2座" {
		t.Errorf("BlockList = %+v", p.BlockList)
	}
	if len(p.FloorList) != 1 || p.FloorList[0].BlockID != 1 {
		t.Errorf("FloorList = %+v", p.FloorList)
	}
	if len(p.UnitList) != 1 || p.UnitList[0].FloorID != 10 {
		t.Errorf("UnitList = %+v", p.UnitList)
	}
}

func TestFetchDirectory_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		svc        *fakeService
		token      string
		buildingID int
		wantErr    error
	}{
		{"stale token", &fakeService{}, "old-token", 42, errs.ErrUnauthorized},
		{"http 404", &fakeService{buildingHTTP: http.StatusNotFound}, "session-token", 42, errs.ErrBuildingNotFound},
		{"unknown building", &fakeService{}, "session-token", 7, errs.ErrBuildingNotFound},
		{"error status", &fakeService{buildingStatus: 3}, "session-token", 42, errs.ErrBuildingNotFound},
		{"server error", &fakeService{buildingHTTP: http.StatusBadGateway}, "session-token", 42, errs.ErrDirectoryUnavailable},
		{"bad request", &fakeService{buildingHTTP: http.StatusBadRequest}, "session-token", 42, errs.ErrDirectoryUnavailable},
		{"request timeout", &fakeService{buildingHTTP: http.StatusRequestTimeout}, "session-token", 42, errs.ErrDirectoryUnavailable},
		{"throttled", &fakeService{buildingHTTP: http.StatusTooManyRequests}, "session-token", 42, errs.ErrDirectoryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.svc, Config{APIKey: "key-1", DeviceID: "dev"})
			_, err := c.FetchDirectory(context.Background(), tt.buildingID, session.Credential{Token: tt.token, DeviceID: "dev"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != errs.ErrBuildingNotFound && errors.Is(err, errs.ErrBuildingNotFound) {
				t.Errorf("err = %v also reports the building as unknown", err)
			}
		})
	}
}

func TestFetchDirectory_TransientStatusesRetryAndTripBreaker(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{buildingHTTP: code, t: t}
			srv := httptest.NewServer(svc)
			t.Cleanup(srv.Close)

			c, err := New(Config{BaseURL: srv.URL, APIKey: "k", DeviceID: "dev", RetryCount: 1},
				WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute}))
			if err != nil {
				t.Fatal(err)
			}
			cred := session.Credential{Token: "session-token", DeviceID: "dev"}
			if _, err := c.FetchDirectory(context.Background(), 42, cred); !errors.Is(err, errs.ErrDirectoryUnavailable) {
				t.Fatalf("err = %v, want ErrDirectoryUnavailable", err)
			}
			if n := svc.buildingCalls.Load(); n != 2 {
				t.Errorf("building calls = %d, want 2 (one retry)", n)
			}
			_, err = c.FetchDirectory(context.Background(), 42, cred)
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				t.Errorf("err = %v, want open circuit after a transient failure", err)
			}
		})
	}
}

func TestFetchDirectory_Timeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	c, err := New(Config{BaseURL: srv.URL, APIKey: "k", DeviceID: "dev", Timeout: 50 * time.Millisecond, RetryCount: -1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchDirectory(context.Background(), 42, session.Credential{Token: "t", DeviceID: "dev"})
	if !errors.Is(err, errs.ErrDirectoryUnavailable) {
		t.Fatalf("err = %v, want ErrDirectoryUnavailable", err)
	}
	if errors.Is(err, errs.ErrBuildingNotFound) {
		t.Error("timeout reported as building not found")
	}
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	svc := &fakeService{buildingHTTP: http.StatusInternalServerError}
	svc.t = t
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "k", DeviceID: "dev", RetryCount: -1},
		WithCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}))
	if err != nil {
		t.Fatal(err)
	}
	cred := session.Credential{Token: "session-token", DeviceID: "dev"}
	for range 2 {
		_, _ = c.FetchDirectory(context.Background(), 42, cred)
	}
	_, err = c.FetchDirectory(context.Background(), 42, cred)
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, errs.ErrDirectoryUnavailable) {
		t.Fatalf("err = %v, want open circuit reported as unavailable", err)
	}
	if n := svc.buildingCalls.Load(); n != 2 {
		t.Errorf("building calls = %d, want 2", n)
	}
}
