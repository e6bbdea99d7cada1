package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the LLM provider names registered by the server.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "openrouter", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// envPattern matches ${NAME} references. Bare $NAME is left untouched so
// that secrets containing '$' survive.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${NAME} environment
// references, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${NAME} with the value of the environment variable NAME.
// Unset variables expand to the empty string and are logged.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envPattern.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config references unset environment variable", "name", name)
		}
		return []byte(v)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio must be within [0, 1], got %g", *r))
	}
	if cfg.Server.ReadyCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("server.ready_cache_ttl must not be negative, got %s", cfg.Server.ReadyCacheTTL))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must not be negative, got %s", cfg.Server.RequestTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Directory
	d := cfg.Directory
	if d.BaseURL == "" {
		errs = append(errs, errors.New("directory.base_url is required"))
	} else if u, err := url.Parse(d.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("directory.base_url %q is not an absolute URL", d.BaseURL))
	}
	if d.APIKey == "" && (d.Username == "" || d.Password == "") {
		errs = append(errs, errors.New("directory requires api_key or both username and password"))
	}
	if d.Timeout < 0 || d.SafetyMargin < 0 || d.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("directory durations must not be negative"))
	}
	if d.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("directory.circuit_breaker.max_failures must not be negative, got %d", d.CircuitBreaker.MaxFailures))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName(fmt.Sprintf("providers.llm_fallbacks[%d]", i), fb.Name)
	}

	// Extraction
	e := cfg.Extraction
	if e.Temperature != nil && (*e.Temperature < 0 || *e.Temperature > 2) {
		errs = append(errs, fmt.Errorf("extraction.temperature %.2f is out of range [0, 2]", *e.Temperature))
	}
	if e.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("extraction.max_tokens must not be negative, got %d", e.MaxTokens))
	}
	if e.RateLimit < 0 || e.Burst < 0 || e.Timeout < 0 {
		errs = append(errs, errors.New("extraction.rate_limit, burst and timeout must not be negative"))
	}

	// Matching
	if err := cfg.Matching.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("matching: %w", err))
	}
	if st := cfg.Matching.SuccessThreshold; st != nil && (*st < 0 || *st > 1) {
		errs = append(errs, fmt.Errorf("matching.success_threshold %.2f is out of range [0, 1]", *st))
	}

	// Cache
	if cfg.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative, got %s", cfg.Cache.TTL))
	}
	if cfg.Cache.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("cache.redis.db must not be negative, got %d", cfg.Cache.Redis.DB))
	}

	// Audit availability
	if cfg.Audit.PostgresDSN == "" {
		slog.Debug("audit.postgres_dsn is empty; parse requests will not be audited")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
