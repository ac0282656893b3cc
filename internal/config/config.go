// Package config loads the environment-driven settings for the BlockRemote
// control plane, with an optional YAML tuning file for rate limits and
// analyzer breaker thresholds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Settings holds every runtime setting. Required fields fail Load with an
// error; the process must exit nonzero on that (unrecoverable init).
type Settings struct {
	AppName     string
	Environment string

	DatabaseURL string
	RedisURL    string

	// JWT / JWKS
	JWTSecretKey     string // HMAC, dev only
	JWTPrivateKeyPEM string
	JWTPublicKeyPEM  string
	JWKSURL          string
	JWKSCacheTTL     time.Duration
	JWTAlgorithm     string
	JWTExpire        time.Duration
	JWTIssuer        string
	JWTAudience      string
	JWTClockSkew     time.Duration
	JWTActiveKID     string

	// Refresh / fingerprinting
	RefreshFingerprintSecret string
	RefreshBaseTTL           time.Duration
	RefreshMaxTTL            time.Duration
	RefreshExtend            time.Duration

	BillingWebhookSecret string

	WSAllowedOrigins  []string
	WSRateLimitWindow time.Duration
	WSRateLimitMax    int64

	Port string

	Tuning Tuning
}

// Tuning carries the knobs that ops adjusts without a redeploy. Values come
// from a YAML file when TUNING_FILE is set, shipped defaults otherwise.
type Tuning struct {
	PlanRateLimits map[string]PlanRateLimit `yaml:"plan_rate_limits"`

	Analyzer AnalyzerTuning `yaml:"analyzer"`

	SignalHistoryMax int `yaml:"signal_history_max"`
}

// PlanRateLimit is the per-plan admission ceiling.
type PlanRateLimit struct {
	Limit  int64 `yaml:"limit"`
	Window int   `yaml:"window_seconds"`
}

// AnalyzerTuning configures the analyzer circuit breakers and worker pool.
type AnalyzerTuning struct {
	Workers        int   `yaml:"workers"`
	QueueDepthMax  int64 `yaml:"queue_depth_max"`
	LatencyP95Ms   int64 `yaml:"latency_p95_ms"`
	LatencyWindow  int   `yaml:"latency_window"`
	BaselineMinN   int64 `yaml:"baseline_min_count"`
	ThresholdFloor int   `yaml:"threshold_floor"`
}

// DefaultTuning returns the shipped defaults.
func DefaultTuning() Tuning {
	return Tuning{
		PlanRateLimits: map[string]PlanRateLimit{
			"trial":                 {Limit: 120, Window: 60},
			"paid_basic":            {Limit: 600, Window: 60},
			"paid":                  {Limit: 1200, Window: 60},
			"android_accessibility": {Limit: 1800, Window: 60},
		},
		Analyzer: AnalyzerTuning{
			Workers:        4,
			QueueDepthMax:  1000,
			LatencyP95Ms:   500,
			LatencyWindow:  200,
			BaselineMinN:   10,
			ThresholdFloor: 30,
		},
		SignalHistoryMax: 100,
	}
}

// Load reads settings from the environment, applying the optional tuning
// file. Hard requirements are validated up front so main can fail fast.
func Load() (*Settings, error) {
	s := &Settings{
		AppName:     envOr("APP_NAME", "blockremote-api"),
		Environment: envOr("ENVIRONMENT", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecretKey:     os.Getenv("JWT_SECRET_KEY"),
		JWTPrivateKeyPEM: os.Getenv("JWT_PRIVATE_KEY_PEM"),
		JWTPublicKeyPEM:  os.Getenv("JWT_PUBLIC_KEY_PEM"),
		JWKSURL:          os.Getenv("JWKS_URL"),
		JWKSCacheTTL:     envSeconds("JWKS_CACHE_TTL_SECONDS", 300),
		JWTAlgorithm:     envOr("JWT_ALGORITHM", "RS256"),
		JWTExpire:        envMinutes("JWT_EXPIRE_MINUTES", 15),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		JWTAudience:      os.Getenv("JWT_AUDIENCE"),
		JWTClockSkew:     envSeconds("JWT_CLOCK_SKEW_SECONDS", 30),
		JWTActiveKID:     os.Getenv("JWT_ACTIVE_KID"),

		RefreshFingerprintSecret: os.Getenv("REFRESH_FINGERPRINT_SECRET"),
		RefreshBaseTTL:           envMinutes("REFRESH_BASE_TTL_MINUTES", 60*24*7),
		RefreshMaxTTL:            envMinutes("REFRESH_MAX_TTL_MINUTES", 60*24*14),
		RefreshExtend:            envMinutes("REFRESH_EXTEND_MINUTES", 60*24),

		BillingWebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),

		WSAllowedOrigins:  splitCSV(os.Getenv("WS_ALLOWED_ORIGINS")),
		WSRateLimitWindow: envSeconds("WS_RATE_LIMIT_WINDOW", 60),
		WSRateLimitMax:    int64(envInt("WS_RATE_LIMIT_MAX", 20)),

		Port: envOr("PORT", "8080"),

		Tuning: DefaultTuning(),
	}

	if s.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if s.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if s.BillingWebhookSecret == "" {
		return nil, fmt.Errorf("BILLING_WEBHOOK_SECRET is required")
	}
	if !strings.HasPrefix(s.RedisURL, "rediss://") && s.Environment != "development" {
		return nil, fmt.Errorf("redis URL must use TLS (rediss://) outside development")
	}

	if path := os.Getenv("TUNING_FILE"); path != "" {
		if err := s.Tuning.loadFile(path); err != nil {
			return nil, fmt.Errorf("load tuning file %s: %w", path, err)
		}
	}

	return s, nil
}

// IsDevelopment reports whether the process runs with relaxed guards
// (HMAC tokens allowed, plain redis:// allowed).
func (s *Settings) IsDevelopment() bool {
	return s.Environment == "development"
}

func (t *Tuning) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var overlay Tuning
	if err := yaml.NewDecoder(f).Decode(&overlay); err != nil {
		return err
	}

	for tier, rl := range overlay.PlanRateLimits {
		t.PlanRateLimits[tier] = rl
	}
	if overlay.Analyzer.Workers > 0 {
		t.Analyzer.Workers = overlay.Analyzer.Workers
	}
	if overlay.Analyzer.QueueDepthMax > 0 {
		t.Analyzer.QueueDepthMax = overlay.Analyzer.QueueDepthMax
	}
	if overlay.Analyzer.LatencyP95Ms > 0 {
		t.Analyzer.LatencyP95Ms = overlay.Analyzer.LatencyP95Ms
	}
	if overlay.Analyzer.LatencyWindow > 0 {
		t.Analyzer.LatencyWindow = overlay.Analyzer.LatencyWindow
	}
	if overlay.Analyzer.BaselineMinN > 0 {
		t.Analyzer.BaselineMinN = overlay.Analyzer.BaselineMinN
	}
	if overlay.Analyzer.ThresholdFloor > 0 {
		t.Analyzer.ThresholdFloor = overlay.Analyzer.ThresholdFloor
	}
	if overlay.SignalHistoryMax > 0 {
		t.SignalHistoryMax = overlay.SignalHistoryMax
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMinutes(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Minute
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
