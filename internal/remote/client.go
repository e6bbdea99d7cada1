// Package remote talks to the building directory service over HTTP.
//
// [Client] implements both [session.Authenticator] and [directory.Fetcher]:
// it discovers a device ID when none is configured, obtains access tokens
// through the API-key session endpoint (falling back to username/password
// login) and downloads building structures. Every outcome is mapped onto the
// sentinels in internal/errs so callers never see HTTP details.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/visitorparse/internal/directory"
	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/resilience"
	"github.com/MrWong99/visitorparse/internal/session"
)

// Endpoint paths relative to the base URL.
const (
	pathLandingInfo     = "/Account/GetLandingInfo"
	pathSessionToken    = "/Account/RequestSessionToken"
	pathLogin           = "/Authorization/Login"
	pathBuildingSetting = "/Visitor/GetVisitorBuildingSetting"
)

// defaultTokenTTL applies when neither the response nor the token itself
// states an expiry.
const defaultTokenTTL = time.Hour

// Config holds the connection settings for the directory service.
type Config struct {
	BaseURL  string
	APIKey   string
	DeviceID string // discovered on first use when empty
	Username string
	Password string

	// Timeout bounds a single HTTP request. Default: 30s.
	Timeout time.Duration
	// RetryCount is the number of transport-level retries. Default: 2.
	RetryCount int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errList []error
	if c.BaseURL == "" {
		errList = append(errList, errors.New("base URL is required"))
	}
	if c.APIKey == "" && (c.Username == "" || c.Password == "") {
		errList = append(errList, errors.New("an API key or a username and password are required"))
	}
	return errors.Join(errList...)
}

// Option configures a [Client].
type Option func(*Client)

// WithClock overrides the time source used to compute token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithCircuitBreaker replaces the default breaker configuration.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) {
		cfg.Name = "directory-service"
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// Client is the directory-service HTTP client. It is safe for concurrent use.
type Client struct {
	http    *resty.Client
	cfg     Config
	breaker *resilience.CircuitBreaker
	now     func() time.Time

	mu       sync.Mutex
	deviceID string
}

var (
	_ session.Authenticator = (*Client)(nil)
	_ directory.Fetcher     = (*Client)(nil)
)

// New creates a [Client]. It returns an error when cfg is invalid.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	} else if cfg.RetryCount == 0 {
		cfg.RetryCount = 2
	}

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r != nil && isTransient(r.StatusCode())
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	c := &Client{
		http:     hc,
		cfg:      cfg,
		breaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "directory-service"}),
		now:      time.Now,
		deviceID: cfg.DeviceID,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// envelope is the response wrapper every endpoint uses. status 1 means
// success.
type envelope struct {
	Status int             `json:"status"`
	ErrMsg string          `json:"errMsg"`
	Data   json.RawMessage `json:"data"`
}

func (e envelope) ok() bool { return e.Status == 1 }

func (e envelope) empty() bool {
	d := strings.TrimSpace(string(e.Data))
	return d == "" || d == "null" || d == "{}"
}

// ── Authentication ───────────────────────────────────────────────────────────

// Authenticate implements [session.Authenticator]. The API-key session flow
// is tried first; username/password login is the fallback.
func (c *Client) Authenticate(ctx context.Context) (session.Credential, error) {
	deviceID, err := c.DeviceID(ctx)
	if err != nil {
		return session.Credential{}, err
	}

	var attempts []error
	if c.cfg.APIKey != "" {
		cred, err := c.requestSessionToken(ctx, deviceID)
		if err == nil {
			return cred, nil
		}
		slog.Warn("remote: session token request failed", "err", err)
		attempts = append(attempts, err)
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		cred, err := c.login(ctx, deviceID)
		if err == nil {
			return cred, nil
		}
		slog.Warn("remote: login failed", "err", err)
		attempts = append(attempts, err)
	}

	err = errors.Join(attempts...)
	if errors.Is(err, errs.ErrDirectoryUnavailable) && !errors.Is(err, errs.ErrAuthentication) {
		return session.Credential{}, fmt.Errorf("remote: authenticate: %w", err)
	}
	return session.Credential{}, fmt.Errorf("remote: authenticate: %w: %w", errs.ErrAuthentication, err)
}

// DeviceID returns the configured device ID, discovering one from the
// service's landing endpoint on first use.
func (c *Client) DeviceID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID != "" {
		return c.deviceID, nil
	}

	var env envelope
	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Apikey", c.cfg.APIKey).
			SetQueryParams(map[string]string{
				"NotificationProvider": "2",
				"Lang":                 "1",
				"Reg_id":               "visitorparse",
				"Appver":               "1",
				"Osver":                "server",
				"MobileModel":          "server",
				"ShowNotification":     "0",
				"DeviceId":             "",
			}).
			SetResult(&env).
			Post(pathLandingInfo)
	})
	if err != nil {
		return "", fmt.Errorf("remote: discover device: %w", err)
	}
	if isAuthStatus(resp.StatusCode()) {
		return "", fmt.Errorf("remote: discover device: http %d: %w", resp.StatusCode(), errs.ErrAuthentication)
	}
	if !env.ok() {
		return "", fmt.Errorf("remote: discover device: status %d %q: %w", env.Status, env.ErrMsg, errs.ErrAuthentication)
	}
	var data struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.DeviceID == "" {
		return "", fmt.Errorf("remote: discover device: no device ID in response: %w", errs.ErrAuthentication)
	}

	c.deviceID = data.DeviceID
	slog.Info("remote: discovered device ID", "device_id", data.DeviceID)
	return c.deviceID, nil
}

func (c *Client) requestSessionToken(ctx context.Context, deviceID string) (session.Credential, error) {
	var env envelope
	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Apikey", c.cfg.APIKey).
			SetQueryParam("deviceId", deviceID).
			SetResult(&env).
			Post(pathSessionToken)
	})
	if err != nil {
		return session.Credential{}, fmt.Errorf("session token: %w", err)
	}
	if isAuthStatus(resp.StatusCode()) || !env.ok() {
		return session.Credential{}, fmt.Errorf("session token: http %d status %d %q: %w",
			resp.StatusCode(), env.Status, env.ErrMsg, errs.ErrAuthentication)
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AccessToken == "" {
		return session.Credential{}, fmt.Errorf("session token: no access token in response: %w", errs.ErrAuthentication)
	}
	return c.credential(deviceID, data.AccessToken, data.RefreshToken, data.ExpiresIn), nil
}

func (c *Client) login(ctx context.Context, deviceID string) (session.Credential, error) {
	var env envelope
	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"deviceId": deviceID,
				"username": c.cfg.Username,
				"password": c.cfg.Password,
			}).
			SetResult(&env).
			Post(pathLogin)
	})
	if err != nil {
		return session.Credential{}, fmt.Errorf("login: %w", err)
	}
	if isAuthStatus(resp.StatusCode()) || !env.ok() {
		return session.Credential{}, fmt.Errorf("login: http %d status %d %q: %w",
			resp.StatusCode(), env.Status, env.ErrMsg, errs.ErrAuthentication)
	}

	var data struct {
		AccessToken  string `json:"AccessToken"`
		ExpiresIn    int    `json:"ExpiresIn"`
		RefreshToken string `json:"RefreshToken"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AccessToken == "" {
		return session.Credential{}, fmt.Errorf("login: no access token in response: %w", errs.ErrAuthentication)
	}
	return c.credential(deviceID, data.AccessToken, data.RefreshToken, data.ExpiresIn), nil
}

// credential computes the expiry of token: the stated lifetime when present,
// otherwise the token's own exp claim, otherwise [defaultTokenTTL].
func (c *Client) credential(deviceID, token, refresh string, expiresIn int) session.Credential {
	now := c.now()
	expires := now.Add(defaultTokenTTL)
	switch {
	case expiresIn > 0:
		expires = now.Add(time.Duration(expiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(token); ok {
			expires = exp
		}
	}
	return session.Credential{
		Token:        token,
		RefreshToken: refresh,
		DeviceID:     deviceID,
		ExpiresAt:    expires,
	}
}

// jwtExpiry reads the exp claim of token without verifying its signature.
// The service is the only party that validates tokens; the claim is only
// used to schedule refresh.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ── Directory ────────────────────────────────────────────────────────────────

// FetchDirectory implements [directory.Fetcher].
func (c *Client) FetchDirectory(ctx context.Context, buildingID int, cred session.Credential) (directory.Payload, error) {
	deviceID := cred.DeviceID
	if deviceID == "" {
		var err error
		if deviceID, err = c.DeviceID(ctx); err != nil {
			return directory.Payload{}, err
		}
	}

	var env envelope
	resp, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Apikey", c.cfg.APIKey).
			SetHeader("Access_token", cred.Token).
			SetQueryParams(map[string]string{
				"deviceId":   deviceID,
				"BuildingId": strconv.Itoa(buildingID),
			}).
			SetResult(&env).
			Post(pathBuildingSetting)
	})
	if err != nil {
		return directory.Payload{}, fmt.Errorf("remote: fetch building %d: %w", buildingID, err)
	}

	switch code := resp.StatusCode(); {
	case isAuthStatus(code):
		return directory.Payload{}, fmt.Errorf("remote: fetch building %d: http %d: %w", buildingID, code, errs.ErrUnauthorized)
	case code == http.StatusNotFound:
		return directory.Payload{}, fmt.Errorf("remote: fetch building %d: %w", buildingID, errs.ErrBuildingNotFound)
	case code < 200 || code >= 300:
		// Only a 2xx envelope can speak for the building.
		return directory.Payload{}, fmt.Errorf("remote: fetch building %d: http %d: %w", buildingID, code, errs.ErrDirectoryUnavailable)
	}
	if !env.ok() || env.empty() {
		return directory.Payload{}, fmt.Errorf("remote: fetch building %d: status %d %q: %w",
			buildingID, env.Status, env.ErrMsg, errs.ErrBuildingNotFound)
	}

	var p directory.Payload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return directory.Payload{}, fmt.Errorf("remote: decode building %d: %w: %w", buildingID, errs.ErrDirectoryUnavailable, err)
	}
	slog.Debug("remote: building fetched",
		"building_id", buildingID,
		"blocks", len(p.BlockList),
		"floors", len(p.FloorList),
		"units", len(p.UnitList))
	return p, nil
}

// do runs send behind the circuit breaker. Transport failures, transient
// statuses (5xx, 408, 429) and an open breaker surface as
// [errs.ErrDirectoryUnavailable]; any other response is returned for the
// caller to interpret.
func (c *Client) do(send func() (*resty.Response, error)) (*resty.Response, error) {
	var resp *resty.Response
	err := c.breaker.Execute(func() error {
		r, err := send()
		if err != nil {
			return err
		}
		resp = r
		if isTransient(r.StatusCode()) {
			return fmt.Errorf("http %d", r.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrDirectoryUnavailable, err)
	}
	return resp, nil
}

// isTransient reports statuses worth retrying that say nothing about the
// request itself.
func isTransient(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
