package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"marketsynth/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Subscription
	SubscribeTokens string

	// Dynamic Timeframes (comma-separated seconds, e.g. "60,300,900")
	EnabledTFs string

	// LLM client (C7, spec §4.6)
	GenAIAPIKey        string
	LLMPrimaryModels   []string
	LLMFallbackModels  []string
	LLMMaxRetries      int
	LLMBaseBackoffMS   int
	LLMPromptBudget    int

	// Context builder (C8, spec §4.7)
	ContextMaxBytes int

	// Analyzer manifest (C6, spec §4.5). Empty means use the built-in
	// default manifest rather than loading a file.
	AnalyzerManifestPath string

	// Cache (C5, spec §4.4)
	CacheAddr     string
	CachePassword string
	CacheDB       int

	// Instrument mapping seed (spec §6.1 mapping endpoints):
	// "exchange:token:symbol:lotsize:ticksize,..."
	InstrumentSeed string

	// Notification (telegram/webhook alert delivery)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: mustEnv("ANGEL_TOTP_SECRET"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/candles.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		// Default: NIFTY 50 on NSE_CM
		SubscribeTokens: getEnv("SUBSCRIBE_TOKENS", "1:99926000"),

		// Default TFs: the canonical MTF set (spec §4.9) in seconds.
		EnabledTFs: getEnv("ENABLED_TFS", "60,300,900,1800,3600,86400"),

		GenAIAPIKey:       getEnv("GENAI_API_KEY", ""),
		LLMPrimaryModels:  splitCSV(getEnv("LLM_PRIMARY_MODELS", "gemini-2.5-pro,gemini-2.0-flash")),
		LLMFallbackModels: splitCSV(getEnv("LLM_FALLBACK_MODELS", "gemini-1.5-flash")),
		LLMMaxRetries:     getEnvInt("LLM_MAX_RETRIES", 3),
		LLMBaseBackoffMS:  getEnvInt("LLM_BASE_BACKOFF_MS", 500),
		LLMPromptBudget:   getEnvInt("LLM_PROMPT_BUDGET_CHARS", 120_000),

		ContextMaxBytes: getEnvInt("CONTEXT_MAX_BYTES", 32_000),

		AnalyzerManifestPath: getEnv("ANALYZER_MANIFEST_PATH", ""),

		CacheAddr:     getEnv("CACHE_ADDR", getEnv("REDIS_ADDR", "localhost:6379")),
		CachePassword: getEnv("CACHE_PASSWORD", getEnv("REDIS_PASSWORD", "")),
		CacheDB:       getEnvInt("CACHE_DB", 0),

		InstrumentSeed: getEnv("INSTRUMENT_SEED", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("NOTIFY_WEBHOOK_URL", ""),
	}
}

// LLMBaseBackoff returns LLMBaseBackoffMS as a time.Duration.
func (c *Config) LLMBaseBackoff() time.Duration {
	return time.Duration(c.LLMBaseBackoffMS) * time.Millisecond
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

// AnalyzeOptions is the closed set of options recognized by `POST /analyze`
// (spec §6.3). Per REDESIGN FLAGS §9 "Dynamic config objects -> typed
// structs", unrecognized keys are a decode-time ClientError rather than
// silently ignored — see DecodeAnalyzeOptions.
type AnalyzeOptions struct {
	IncludeMTF    bool   `json:"include_mtf"`
	IncludeSector bool   `json:"include_sector"`
	IncludeML     bool   `json:"include_ml"`
	ForceLive     bool   `json:"force_live"`
	TimeoutMS     int    `json:"timeout_ms"`
	LLMModelTier  string `json:"llm_model_tier"` // "primary" | "fallback" | "auto"
}

// DefaultAnalyzeOptions is used when a request omits the options field.
func DefaultAnalyzeOptions() AnalyzeOptions {
	return AnalyzeOptions{
		IncludeMTF:    true,
		IncludeSector: true,
		IncludeML:     true,
		TimeoutMS:     180_000,
		LLMModelTier:  "auto",
	}
}

// DecodeAnalyzeOptions decodes r into a closed AnalyzeOptions, rejecting
// any field not named above (spec §6.3).
func DecodeAnalyzeOptions(r io.Reader) (AnalyzeOptions, error) {
	opts := DefaultAnalyzeOptions()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil && err != io.EOF {
		return AnalyzeOptions{}, fmt.Errorf("config: decode analyze options: %w", err)
	}
	return opts, nil
}

// ParseTFs parses the EnabledTFs string into a slice of timeframe durations
// in seconds, preserved for anything that still wants the raw seconds form.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid TF value: %q", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// secondsToTimeframe maps the handful of durations the engine's canonical
// MTF set (spec §4.9) is built from. Anything else has no model.Timeframe
// to resolve to and is skipped by ParseTimeframes rather than guessed.
var secondsToTimeframe = map[int]model.Timeframe{
	60:    model.TF1m,
	300:   model.TF5m,
	900:   model.TF15m,
	1800:  model.TF30m,
	3600:  model.TF1h,
	86400: model.TF1d,
}

// ParseTimeframes resolves EnabledTFs into the model.Timeframe values the
// aggregator (C3) builds candles for, in canonical order regardless of the
// order they were declared in the environment.
func (c *Config) ParseTimeframes() []model.Timeframe {
	wanted := make(map[string]bool)
	for _, secs := range c.ParseTFs() {
		tf, ok := secondsToTimeframe[secs]
		if !ok {
			log.Printf("[config] ENABLED_TFS value %ds has no canonical timeframe, skipping", secs)
			continue
		}
		wanted[tf.Label] = true
	}
	var out []model.Timeframe
	for _, tf := range model.CanonicalMTFSet {
		if wanted[tf.Label] {
			out = append(out, tf)
		}
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
