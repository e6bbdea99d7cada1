// Package extract turns a free-form visitor utterance into candidate fields
// using a language model.
//
// The [Adapter] grounds the model on the requested building: the prompt lists
// the category taxonomy and the building's block, floor and flat names so the
// model is biased toward vocabulary that actually exists there. The model's
// reply is untrusted. Fences are stripped, the outermost JSON object is
// recovered from surrounding prose, and sentinel strings such as "null" or
// "n/a" become nil. A reply that cannot be used at all yields a degraded,
// all-nil [Candidate] instead of an error, so the request still completes with
// a partial result.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/visitorparse/internal/directory"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/pkg/provider/llm"
)

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 512
	defaultTimeout     = 30 * time.Second

	// defaultSelfConfidence is assumed when the model omits its confidence.
	defaultSelfConfidence = 0.8
)

// Option is a functional option for configuring an [Adapter].
type Option func(*Adapter)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(a *Adapter) { a.temperature = temp }
}

// WithMaxTokens caps the length of the model's reply. Default: 512.
func WithMaxTokens(n int) Option {
	return func(a *Adapter) { a.maxTokens = n }
}

// WithTimeout bounds a single model call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithRateLimit limits model calls to r per second with the given burst.
// Callers wait for a slot; a caller whose context ends first gets ctx.Err().
func WithRateLimit(r float64, burst int) Option {
	return func(a *Adapter) {
		if r > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithMetrics records model latency and failures on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter extracts [Candidate] fields through an [llm.Provider]. It is safe
// for concurrent use.
type Adapter struct {
	llm         llm.Provider
	limiter     *rate.Limiter
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// New returns an [Adapter] backed by provider.
func New(provider llm.Provider, opts ...Option) *Adapter {
	a := &Adapter{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		timeout:     defaultTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Extract asks the model for the fields in text, grounded on dir.
//
// Only cancellation of ctx is returned as an error. A failed model call or an
// unusable reply yields a Candidate with Degraded set; a reply missing some
// keys yields LowConfidence.
func (a *Adapter) Extract(ctx context.Context, text string, dir *directory.Directory) (Candidate, error) {
	ctx, span := observe.StartSpan(ctx, "extract.Extract")
	defer span.End()
	log := observe.Logger(ctx)

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Candidate{}, ctx.Err()
			}
			log.Warn("extract: rate limit wait failed", "err", err)
			return degraded(text), nil //nolint:nilerr // the request continues without extraction
		}
	}

	req := a.buildRequest(text, dir)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.llm.Complete(callCtx, req)
	if a.metrics != nil {
		a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return Candidate{}, ctx.Err()
		}
		if a.metrics != nil {
			a.metrics.RecordProviderError(ctx, "llm", "complete")
		}
		log.Warn("extract: model call failed, continuing degraded", "err", err)
		return degraded(text), nil //nolint:nilerr // provider failures are absorbed into confidence
	}

	var content string
	if resp != nil {
		content = resp.Content
	}
	c, err := parseResponse(content)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordProviderError(ctx, "llm", "parse")
		}
		log.Warn("extract: unusable model reply", "err", err, "reply_len", len(content))
		return degraded(text), nil //nolint:nilerr // intentional graceful fallback
	}
	c.Text = text

	log.Debug("extract: candidate",
		"block", Value(c.Block),
		"floor", Value(c.Floor),
		"flat", Value(c.Flat),
		"category", Value(c.Category),
		"self_confidence", c.Confidence,
		"low_confidence", c.LowConfidence)
	return c, nil
}

// buildRequest renders the grounding prompt at the most detailed level that
// fits the model's context window.
func (a *Adapter) buildRequest(text string, dir *directory.Directory) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		JSONOutput:  true,
		Messages:    []llm.Message{{Role: "user", Content: userPrompt(text)}},
	}

	window := a.llm.Capabilities().ContextWindow
	for _, detail := range []detailLevel{detailFlats, detailFloors, detailBlocks} {
		req.SystemPrompt = systemPrompt(dir, detail)
		if window <= 0 {
			return req
		}
		n, err := a.llm.CountTokens(append([]llm.Message{{Role: "system", Content: req.SystemPrompt}}, req.Messages...))
		if err != nil || n+a.maxTokens <= window {
			return req
		}
		slog.Debug("extract: prompt exceeds context window, reducing detail",
			"tokens", n, "window", window, "detail", detail)
	}
	return req
}

// degraded is the Candidate used when extraction produced nothing usable.
func degraded(text string) Candidate {
	return Candidate{Text: text, Degraded: true}
}

// ── Reply parsing ────────────────────────────────────────────────────────────

// fieldKeys lists the accepted JSON keys for each field, preferred key first.
var fieldKeys = []struct {
	keys []string
	set  func(*Candidate, *string)
}{
	{[]string{"block"}, func(c *Candidate, v *string) { c.Block = v }},
	{[]string{"floor"}, func(c *Candidate, v *string) { c.Floor = v }},
	{[]string{"flat", "unit"}, func(c *Candidate, v *string) { c.Flat = v }},
	{[]string{"visitor_name", "name"}, func(c *Candidate, v *string) { c.VisitorName = v }},
	{[]string{"id_card_prefix"}, func(c *Candidate, v *string) { c.IDCardPrefix = v }},
	{[]string{"category", "main_category"}, func(c *Candidate, v *string) { c.Category = v }},
	{[]string{"sub_category"}, func(c *Candidate, v *string) { c.SubCategory = v }},
}

// nullWords are values models emit instead of JSON null.
var nullWords = map[string]struct{}{
	"": {}, "none": {}, "null": {}, "n/a": {}, "nil": {},
}

var errNoObject = errors.New("no JSON object in reply")

// parseResponse decodes a model reply. A missing key sets LowConfidence;
// extra keys are ignored.
func parseResponse(content string) (Candidate, error) {
	obj, err := decodeObject(content)
	if err != nil {
		return Candidate{}, fmt.Errorf("extract: parse reply: %w", err)
	}

	var c Candidate
	for _, f := range fieldKeys {
		raw, ok := lookup(obj, f.keys)
		if !ok {
			c.LowConfidence = true
			continue
		}
		f.set(&c, scalar(raw))
	}

	c.Confidence = defaultSelfConfidence
	if raw, ok := obj["confidence"]; ok {
		if v := scalar(raw); v != nil {
			if f, err := strconv.ParseFloat(*v, 64); err == nil {
				c.Confidence = min(max(f, 0), 1)
			}
		}
	}
	return c, nil
}

// decodeObject tries the whole reply, then the outermost {...} span.
func decodeObject(content string) (map[string]json.RawMessage, error) {
	cleaned := stripMarkdown(content)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, nil
	}

	start, end := strings.IndexByte(cleaned, '{'), strings.LastIndexByte(cleaned, '}')
	if start < 0 || end <= start {
		return nil, errNoObject
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errNoObject
	}
	return obj, nil
}

func lookup(obj map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if raw, ok := obj[k]; ok {
			return raw, true
		}
	}
	return nil, false
}

// scalar converts a JSON string or number to a trimmed string. null, other
// JSON types and null-like words yield nil.
func scalar(raw json.RawMessage) *string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return nil
	}
	if _, isNull := nullWords[strings.ToLower(s)]; isNull {
		return nil
	}
	return &s
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
