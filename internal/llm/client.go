// Package llm implements C7: a model-tier-routing LLM client with token
// budgeting, retry+backoff, tier fallback, and structured-output
// validation (spec §4.6).
//
// Grounded on other_examples' najim2004-mrcrypto-go AIService: the
// try-each-model-in-order fallback list and markdown-fenced JSON
// extraction are adapted directly from its ValidateSignal/
// extractJSONFromMarkdown. The underlying wire client is
// google.golang.org/genai, the same SDK used there and independently by
// two other pack repos (ternarybob-quaero, develaparX-goliz) — picked over
// a hand-rolled HTTP client because three separate examples in the pack
// reach for it whenever they need an LLM call. Retry/backoff-with-jitter
// and the half-open circuit state are grounded on the teacher's
// internal/store/redis/circuitbreaker.go, re-targeted at LLM call
// failures instead of Redis writes.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"marketsynth/internal/metrics"
	breaker "marketsynth/internal/store/redis"
)

// Tier is one of the two model routing tiers an analyzer can request
// (spec §4.6, §6.3 llm_model_tier option).
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
	TierAuto     Tier = "auto" // try primary, degrade to fallback on exhaustion
)

// Request is one generation call (spec §4.6).
type Request struct {
	// RequestID correlates this call's attempts/retries in the logs with
	// the /analyze call that triggered it; empty when called outside an
	// HTTP request (e.g. from a test).
	RequestID           string
	PromptText          string
	Images              [][]byte // optional inline image bytes, for chart-pattern analyzers
	EnableCodeExecution bool
	ExpectedSchema      any  // used only to describe the shape in repair prompts; validated via Response.Unmarshal
	ModelTier           Tier
	// LowPrioritySection, if non-empty, is the part of PromptText that may
	// be truncated first when the budget is exceeded (spec §4.6 — never
	// the instruction preamble or prior-levels block).
	LowPrioritySection string
}

// Response is the parsed outcome of a successful Generate call.
type Response struct {
	RawText   string
	TierUsed  Tier
	ModelName string
}

// Unmarshal parses Response.RawText (after markdown-fence stripping) into v.
func (r Response) Unmarshal(v any) error {
	return json.Unmarshal([]byte(extractJSON(r.RawText)), v)
}

// ErrRefused indicates the model explicitly refused the request — this is
// non-retriable and surfaces immediately (spec §4.6).
var ErrRefused = errors.New("llm: model refused request")

// ErrSchemaInvalid indicates the response failed to parse against the
// expected schema after one repair attempt.
var ErrSchemaInvalid = errors.New("llm: response failed schema validation")

// ModelBudget caps the prompt length (characters, a crude proxy for
// tokens) accepted for a given model name.
type ModelBudget struct {
	MaxPromptChars int
}

// Config configures a Client.
type Config struct {
	APIKey          string
	PrimaryModels   []string // tried in order, spec §4.6 "fallback to secondary tier"
	FallbackModels  []string
	Budgets         map[string]ModelBudget // by model name; DefaultBudget used if absent
	DefaultBudget   ModelBudget
	MaxRetries      int // spec §4.6: up to 3 attempts
	BaseBackoff     time.Duration
}

func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		PrimaryModels:  []string{"gemini-2.5-pro", "gemini-2.0-flash"},
		FallbackModels: []string{"gemini-1.5-flash"},
		DefaultBudget:  ModelBudget{MaxPromptChars: 120_000},
		MaxRetries:     3,
		BaseBackoff:    500 * time.Millisecond,
	}
}

// Client routes Generate calls across model tiers with retry, fallback,
// and structured-output repair.
type Client struct {
	cfg    Config
	client *genai.Client
	m      *metrics.Metrics

	breakersMu sync.Mutex
	breakers   map[string]*breaker.CircuitBreaker
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	return NewWithMetrics(ctx, cfg, nil)
}

// NewWithMetrics is New with an explicit metrics sink; passing nil disables
// instrumentation (used by tests that don't stand up a registry).
func NewWithMetrics(ctx context.Context, cfg Config, m *metrics.Metrics) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create genai client: %w", err)
	}
	return &Client{cfg: cfg, client: c, m: m, breakers: make(map[string]*breaker.CircuitBreaker)}, nil
}

// breakerFor returns the per-model circuit breaker, creating it on first
// use. Five consecutive failures trips the breaker for 30s, same
// thresholds the teacher uses for its Redis connection guard. State
// transitions are mirrored onto LLMCircuitState so an open breaker shows
// up on dashboards the same way the teacher's Redis breaker does.
func (c *Client) breakerFor(modelName string) *breaker.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[modelName]
	if !ok {
		cb = breaker.NewCircuitBreaker(5, 30*time.Second)
		if c.m != nil {
			name := modelName
			cb.OnStateChange = func(from, to breaker.State) {
				c.m.LLMCircuitState.WithLabelValues(name).Set(float64(to))
			}
		}
		c.breakers[modelName] = cb
	}
	return cb
}

// Generate executes req, trying every model in the requested tier's list in
// order, with up to MaxRetries attempts per model on transient failure
// (network, 5xx, rate limit), exponential backoff + jitter between
// attempts. A schema validation failure triggers exactly one self-repair
// re-prompt (spec §4.6); a refusal surfaces immediately, un-retried.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	tiers := c.tierOrder(req.ModelTier)
	var lastErr error
	for _, tier := range tiers {
		for _, modelName := range c.modelsFor(tier) {
			prompt := c.truncate(req, modelName)
			text, err := c.tryModel(ctx, req.RequestID, modelName, prompt)
			if errors.Is(err, ErrRefused) {
				return Response{}, err
			}
			if err != nil {
				lastErr = err
				continue
			}

			if req.ExpectedSchema == nil {
				return Response{RawText: text, TierUsed: tier, ModelName: modelName}, nil
			}

			if json.Valid([]byte(extractJSON(text))) {
				return Response{RawText: text, TierUsed: tier, ModelName: modelName}, nil
			}

			// One self-repair attempt: re-prompt with the original prompt
			// plus the parse error (spec §4.6, §4.8 state machine).
			repairPrompt := prompt + "\n\nYour previous response did not parse as valid JSON. " +
				"Return ONLY valid JSON matching the expected shape, no markdown fences.\n" +
				"Previous response:\n" + text
			repaired, rerr := c.tryModel(ctx, req.RequestID, modelName, repairPrompt)
			if rerr == nil && json.Valid([]byte(extractJSON(repaired))) {
				return Response{RawText: repaired, TierUsed: tier, ModelName: modelName}, nil
			}
			if c.m != nil {
				c.m.LLMCallsTotal.WithLabelValues(modelName, "schema_invalid").Inc()
			}
			lastErr = ErrSchemaInvalid
		}
	}
	if lastErr == nil {
		lastErr = errors.New("llm: no models configured")
	}
	return Response{}, fmt.Errorf("llm: all tiers exhausted: %w", lastErr)
}

func (c *Client) tierOrder(requested Tier) []Tier {
	switch requested {
	case TierPrimary:
		return []Tier{TierPrimary}
	case TierFallback:
		return []Tier{TierFallback}
	default:
		return []Tier{TierPrimary, TierFallback}
	}
}

func (c *Client) modelsFor(tier Tier) []string {
	if tier == TierFallback {
		return c.cfg.FallbackModels
	}
	return c.cfg.PrimaryModels
}

// tryModel runs up to MaxRetries attempts of one model with backoff+jitter,
// gated by a per-model circuit breaker: once a model has failed repeatedly
// it is skipped outright (rather than retried into the ground) until the
// breaker's reset timeout elapses and a half-open probe succeeds.
func (c *Client) tryModel(ctx context.Context, requestID, modelName, prompt string) (string, error) {
	maxAttempts := c.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	cb := c.breakerFor(modelName)

	var lastErr error
	var resultText string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			log.Printf("[llm] [%s] retrying %s (attempt %d/%d): %v", requestID, modelName, attempt+1, maxAttempts, lastErr)
			backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		start := time.Now()
		var refused error
		err := cb.Execute(func() error {
			result, err := c.client.Models.GenerateContent(ctx, modelName, genai.Text(prompt), nil)
			if err != nil {
				if isRefusal(err) {
					refused = fmt.Errorf("%w: %v", ErrRefused, err)
					return nil // not a breaker-tripping failure, just a refusal
				}
				return err
			}
			resultText = result.Text()
			return nil
		})
		c.observeCall(modelName, time.Since(start), refused, err)
		if refused != nil {
			return "", refused
		}
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return "", err
			}
			if !isTransient(err) {
				return "", err // non-retriable, non-refusal failure
			}
			lastErr = err
			continue
		}
		return resultText, nil
	}
	return "", lastErr
}

// observeCall records LLMCallsTotal/LLMCallDur for one attempt. outcome
// follows the label set documented on LLMCallsTotal: ok, refused, or
// retry (a transient failure that will be retried or exhaust attempts).
func (c *Client) observeCall(modelName string, dur time.Duration, refused, err error) {
	if c.m == nil {
		return
	}
	outcome := "ok"
	switch {
	case refused != nil:
		outcome = "refused"
	case err != nil:
		outcome = "retry"
	}
	c.m.LLMCallsTotal.WithLabelValues(modelName, outcome).Inc()
	c.m.LLMCallDur.WithLabelValues(modelName).Observe(dur.Seconds())
}

func isRefusal(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "refus") || strings.Contains(msg, "blocked") || strings.Contains(msg, "safety")
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection")
}

// truncate enforces the per-model token budget by dropping characters from
// req.LowPrioritySection only, never the instruction preamble or the
// prior-levels block that precedes it (spec §4.6). Callers that build a
// prompt with no declared low-priority section get no truncation beyond
// the hard error below.
func (c *Client) truncate(req Request, modelName string) string {
	budget, ok := c.cfg.Budgets[modelName]
	if !ok {
		budget = c.cfg.DefaultBudget
	}
	full := req.PromptText
	if len(full) <= budget.MaxPromptChars {
		return full
	}
	if req.LowPrioritySection == "" {
		// Nothing declared droppable: truncate the tail as a last resort
		// rather than corrupt the preamble.
		return full[:budget.MaxPromptChars]
	}
	overflow := len(full) - budget.MaxPromptChars
	if overflow >= len(req.LowPrioritySection) {
		return strings.Replace(full, req.LowPrioritySection, "", 1)
	}
	keep := len(req.LowPrioritySection) - overflow
	trimmedSection := req.LowPrioritySection[:keep]
	return strings.Replace(full, req.LowPrioritySection, trimmedSection, 1)
}

// extractJSON strips a markdown code fence around a JSON payload, if
// present (adapted from najim2004's extractJSONFromMarkdown).
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	start := strings.IndexByte(text, '\n')
	if start < 0 {
		return text
	}
	start++
	end := strings.LastIndex(text, "```")
	if end <= start {
		return text[start:]
	}
	return strings.TrimSpace(text[start:end])
}
