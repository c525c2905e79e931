// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the settings of the
// HTTP server, storage backends, admission limits, caching, background
// schedules and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
	AdminToken string // ADMIN_TOKEN; empty disables the admin API
	RedactLogs bool   // LOG_REDACT; scrub PII from access logs
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chat-gatekeeper")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects and tunes the persistent backends.
type StorageConfig struct {
	Backend      string        // sqlite|postgres
	DBPath       string        // SQLite path
	PGConnURL    string        // Postgres connection string
	PGMaxConns   int           // pool size
	QuotaBackend string        // storage|redis
	RedisURL     string        // redis://host:6379/0
	Timeout      time.Duration // per storage call on the request path
}

// CacheConfig tunes the user state cache.
type CacheConfig struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// AdmissionConfig holds the per-message limits.
type AdmissionConfig struct {
	RulesFile             string // optional YAML rate rules
	FloodMinGap           time.Duration
	FloodMaxRapid         int
	FloodSessionIdle      time.Duration
	ViolationsBeforeBlock int
	AutoBlockDuration     time.Duration
	FreeMessageLimit      int64
	PremiumMessageLimit   int64
	MessageLengthLimit    int
	SanitizationThreshold float64
	RequireConsent        bool
	DefaultLanguage       string // BCP 47 tag for implicitly registered users
	CharRepetitionRatio   float64
	WordRepetitionRatio   float64
	PunctuationRatio      float64
}

// SchedulerConfig fixes the background windows.
type SchedulerConfig struct {
	PartitionCreateDay       int
	PartitionDropDay         int
	PartitionHour            int
	PartitionRetentionMonths int
	Backoff                  time.Duration
	CounterRetentionDays     int
	Timezone                 string
	Location                 *time.Location
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	Storage   StorageConfig
	Cache     CacheConfig
	Admission AdmissionConfig
	Scheduler SchedulerConfig

	// Edge rate limiting per client IP
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Storage: StorageConfig{
			Backend:      strings.ToLower(getenv("STORAGE_BACKEND", "sqlite")),
			DBPath:       getenv("DB_PATH", "gatekeeper.db"),
			PGConnURL:    getenv("PG_CONN_URL", ""),
			PGMaxConns:   getint("PG_MAX_CONNS", 10),
			QuotaBackend: strings.ToLower(getenv("QUOTA_BACKEND", "storage")),
			RedisURL:     getenv("REDIS_URL", ""),
			Timeout:      getdur("STORAGE_TIMEOUT", 3*time.Second),
		},

		Cache: CacheConfig{
			TTL:             getdur("CACHE_TTL", 30*time.Minute),
			MaxSize:         getint("CACHE_MAX_SIZE", 10000),
			CleanupInterval: getdur("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		},

		Admission: AdmissionConfig{
			RulesFile:             getenv("RATE_RULES_FILE", ""),
			FloodMinGap:           getdur("FLOOD_MIN_GAP", time.Second),
			FloodMaxRapid:         getint("FLOOD_MAX_RAPID", 5),
			FloodSessionIdle:      getdur("FLOOD_SESSION_IDLE", 10*time.Minute),
			ViolationsBeforeBlock: getint("VIOLATIONS_BEFORE_BLOCK", 5),
			AutoBlockDuration:     getdur("AUTO_BLOCK_DURATION", 24*time.Hour),
			FreeMessageLimit:      int64(getint("FREE_MESSAGE_LIMIT", 100)),
			PremiumMessageLimit:   int64(getint("PREMIUM_MESSAGE_LIMIT", 1000)),
			MessageLengthLimit:    getint("MESSAGE_LENGTH_LIMIT", 2500),
			SanitizationThreshold: getfloat("SANITIZATION_THRESHOLD", 0.8),
			RequireConsent:        getbool("REQUIRE_CONSENT", true),
			DefaultLanguage:       getenv("DEFAULT_LANGUAGE", "en"),
			CharRepetitionRatio:   getfloat("CHAR_REPETITION_RATIO", 0.6),
			WordRepetitionRatio:   getfloat("WORD_REPETITION_RATIO", 0.7),
			PunctuationRatio:      getfloat("PUNCTUATION_RATIO", 0.2),
		},

		Scheduler: SchedulerConfig{
			PartitionCreateDay:       getint("PARTITION_CREATE_DAY", 25),
			PartitionDropDay:         getint("PARTITION_DROP_DAY", 1),
			PartitionHour:            getint("PARTITION_HOUR", 5),
			PartitionRetentionMonths: getint("PARTITION_RETENTION_MONTHS", 2),
			Backoff:                  getdur("SCHEDULER_BACKOFF", time.Hour),
			CounterRetentionDays:     getint("COUNTER_RETENTION_DAYS", 30),
			Timezone:                 getenv("TIMEZONE", "Local"),
		},

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
			AdminToken: getenv("ADMIN_TOKEN", ""),
			RedactLogs: getbool("LOG_REDACT", true),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chat-gatekeeper"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Storage.Backend == "sqlite3" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Backend == "pg" || cfg.Storage.Backend == "postgresql" {
		cfg.Storage.Backend = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if err := cfg.Storage.validate(); err != nil {
		return cfg, err
	}
	if cfg.Cache.TTL <= 0 || cfg.Cache.CleanupInterval <= 0 {
		return cfg, errors.New("CACHE_TTL and CACHE_CLEANUP_INTERVAL must be > 0")
	}
	if cfg.Cache.MaxSize < 1 {
		return cfg, errors.New("CACHE_MAX_SIZE must be >= 1")
	}
	if err := cfg.Admission.validate(); err != nil {
		return cfg, err
	}
	loc, err := cfg.Scheduler.validate()
	if err != nil {
		return cfg, err
	}
	cfg.Scheduler.Location = loc
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case "sqlite":
		if strings.TrimSpace(s.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(s.PGConnURL) == "" {
			return errors.New("PG_CONN_URL is required when STORAGE_BACKEND=postgres")
		}
		if s.PGMaxConns < 1 {
			return errors.New("PG_MAX_CONNS must be >= 1")
		}
	default:
		return errors.New("STORAGE_BACKEND must be sqlite or postgres")
	}
	switch s.QuotaBackend {
	case "storage":
	case "redis":
		if strings.TrimSpace(s.RedisURL) == "" {
			return errors.New("REDIS_URL is required when QUOTA_BACKEND=redis")
		}
	default:
		return errors.New("QUOTA_BACKEND must be storage or redis")
	}
	if s.Timeout <= 0 {
		return errors.New("STORAGE_TIMEOUT must be > 0")
	}
	return nil
}

func (a AdmissionConfig) validate() error {
	switch {
	case a.FloodMinGap <= 0 || a.FloodSessionIdle <= 0 || a.FloodMaxRapid < 1:
		return errors.New("FLOOD_MIN_GAP, FLOOD_SESSION_IDLE must be > 0 and FLOOD_MAX_RAPID >= 1")
	case a.ViolationsBeforeBlock < 1 || a.AutoBlockDuration <= 0:
		return errors.New("VIOLATIONS_BEFORE_BLOCK must be >= 1 and AUTO_BLOCK_DURATION > 0")
	case a.FreeMessageLimit < 1 || a.PremiumMessageLimit < a.FreeMessageLimit:
		return errors.New("FREE_MESSAGE_LIMIT must be >= 1 and PREMIUM_MESSAGE_LIMIT >= FREE_MESSAGE_LIMIT")
	case a.MessageLengthLimit < 1:
		return errors.New("MESSAGE_LENGTH_LIMIT must be >= 1")
	case a.SanitizationThreshold < 0 || a.SanitizationThreshold > 1:
		return errors.New("SANITIZATION_THRESHOLD must be between 0 and 1")
	case !ratio(a.CharRepetitionRatio) || !ratio(a.WordRepetitionRatio) || !ratio(a.PunctuationRatio):
		return errors.New("CHAR_REPETITION_RATIO, WORD_REPETITION_RATIO and PUNCTUATION_RATIO must be in (0,1]")
	}
	if a.RulesFile != "" {
		if _, err := os.Stat(a.RulesFile); err != nil {
			return errors.New("RATE_RULES_FILE is not readable: " + err.Error())
		}
	}
	return nil
}

func ratio(f float64) bool { return f > 0 && f <= 1 }

func (s SchedulerConfig) validate() (*time.Location, error) {
	if s.PartitionCreateDay < 1 || s.PartitionCreateDay > 28 || s.PartitionDropDay < 1 || s.PartitionDropDay > 28 {
		return nil, errors.New("PARTITION_CREATE_DAY and PARTITION_DROP_DAY must be in 1..28")
	}
	if s.PartitionHour < 0 || s.PartitionHour > 23 {
		return nil, errors.New("PARTITION_HOUR must be in 0..23")
	}
	if s.PartitionRetentionMonths < 1 {
		return nil, errors.New("PARTITION_RETENTION_MONTHS must be >= 1")
	}
	if s.Backoff <= 0 {
		return nil, errors.New("SCHEDULER_BACKOFF must be > 0")
	}
	if s.CounterRetentionDays < 0 {
		return nil, errors.New("COUNTER_RETENTION_DAYS must be >= 0")
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, errors.New("TIMEZONE is not a known location: " + s.Timezone)
	}
	return loc, nil
}

// env parses the value of k, falling back to def when k is unset, empty or
// malformed. Malformed numbers are not errors; range checks in Load catch
// the values that matter.
func env[T any](k string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func getenv(k, def string) string {
	return env(k, def, func(s string) (string, error) { return s, nil })
}

func getfloat(k string, def float64) float64 {
	return env(k, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func getint(k string, def int) int { return env(k, def, strconv.Atoi) }

func getdur(k string, def time.Duration) time.Duration { return env(k, def, time.ParseDuration) }

func getbool(k string, def bool) bool { return env(k, def, parseBool) }

var errNotBool = errors.New("not a boolean")

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, errNotBool
}

// splitCSV splits a comma-separated list, dropping blank items. Nil when
// nothing remains.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
