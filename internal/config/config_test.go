package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Clear all env that might affect defaults. t.Setenv isolates per test.
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging / Docs
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v1/") // no leading slash + trailing slash -> "/api/v1"

	// Storage
	t.Setenv("STORAGE_BACKEND", "PostgreSQL") // -> "postgres"
	t.Setenv("PG_CONN_URL", "postgres://u:p@db:5432/gk")
	t.Setenv("QUOTA_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("STORAGE_TIMEOUT", "750ms")

	// Cache / admission / schedules
	t.Setenv("CACHE_TTL", "10m")
	t.Setenv("CACHE_MAX_SIZE", "50")
	t.Setenv("FREE_MESSAGE_LIMIT", "30")
	t.Setenv("PREMIUM_MESSAGE_LIMIT", "300")
	t.Setenv("REQUIRE_CONSENT", "off")
	t.Setenv("PARTITION_CREATE_DAY", "20")
	t.Setenv("TIMEZONE", "UTC")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 20.0
	t.Setenv("RATE_BURST", "nope") // -> default 40

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("LOG_REDACT", "false")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging / Docs
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging unexpected: %+v", cfg)
	}

	// Storage
	st := cfg.Storage
	if st.Backend != "postgres" || st.PGConnURL != "postgres://u:p@db:5432/gk" || st.QuotaBackend != "redis" ||
		st.RedisURL != "redis://cache:6379/1" || st.Timeout != 750*time.Millisecond || st.PGMaxConns != 10 {
		t.Fatalf("storage unexpected: %+v", st)
	}

	// Cache / admission / schedules
	if cfg.Cache.TTL != 10*time.Minute || cfg.Cache.MaxSize != 50 || cfg.Cache.CleanupInterval != 5*time.Minute {
		t.Fatalf("cache unexpected: %+v", cfg.Cache)
	}
	if cfg.Admission.FreeMessageLimit != 30 || cfg.Admission.PremiumMessageLimit != 300 || cfg.Admission.RequireConsent {
		t.Fatalf("admission unexpected: %+v", cfg.Admission)
	}
	if cfg.Scheduler.PartitionCreateDay != 20 || cfg.Scheduler.PartitionDropDay != 1 || cfg.Scheduler.Location != time.UTC {
		t.Fatalf("scheduler unexpected: %+v", cfg.Scheduler)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 20.0 || cfg.RateBurst != 40 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour || cfg.Security.AdminToken != "s3cret" || cfg.Security.RedactLogs {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"blank port", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"zero timeout", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"header bytes", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"blank db path", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"storage backend", map[string]string{"STORAGE_BACKEND": "mysql"}, "STORAGE_BACKEND"},
		{"postgres url", map[string]string{"STORAGE_BACKEND": "postgres"}, "PG_CONN_URL"},
		{"redis url", map[string]string{"QUOTA_BACKEND": "redis"}, "REDIS_URL"},
		{"cache size", map[string]string{"CACHE_MAX_SIZE": "0"}, "CACHE_MAX_SIZE"},
		{"premium below free", map[string]string{"FREE_MESSAGE_LIMIT": "100", "PREMIUM_MESSAGE_LIMIT": "10"}, "PREMIUM_MESSAGE_LIMIT"},
		{"sanitization threshold", map[string]string{"SANITIZATION_THRESHOLD": "1.5"}, "SANITIZATION_THRESHOLD"},
		{"rules file", map[string]string{"RATE_RULES_FILE": "/nonexistent/rules.yaml"}, "RATE_RULES_FILE"},
		{"partition day", map[string]string{"PARTITION_CREATE_DAY": "31"}, "PARTITION_CREATE_DAY"},
		{"timezone", map[string]string{"TIMEZONE": "Mars/Olympus_Mons"}, "TIMEZONE"},
		{"edge rps", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"edge burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts max age", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"sample ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); !containsErr(err, tc.want) {
				t.Fatalf("want error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GK_EMPTY", "")
	t.Setenv("GK_STR", "val")
	t.Setenv("GK_FLOAT", "0.35")
	t.Setenv("GK_INT", "42")
	t.Setenv("GK_DUR", "150ms")
	t.Setenv("GK_BAD", "nope")

	if getenv("GK_EMPTY", "d") != "d" || getenv("GK_STR", "d") != "val" {
		t.Fatalf("getenv")
	}
	if getfloat("GK_FLOAT", 0) != 0.35 || getfloat("GK_BAD", 1.5) != 1.5 {
		t.Fatalf("getfloat")
	}
	if getint("GK_INT", 0) != 42 || getint("GK_BAD", 7) != 7 {
		t.Fatalf("getint")
	}
	if getdur("GK_DUR", time.Second) != 150*time.Millisecond || getdur("GK_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur")
	}
}

func TestGetbool(t *testing.T) {
	cases := map[string]bool{
		"1": true, "TRUE": true, " yes ": true, "Y": true, "On": true,
		"0": false, "false": false, " no ": false, "N": false, "Off": false,
	}
	for v, want := range cases {
		t.Setenv("GK_BOOL", v)
		if got := getbool("GK_BOOL", !want); got != want {
			t.Fatalf("getbool(%q) = %v, want %v", v, got, want)
		}
	}
	t.Setenv("GK_BOOL", "")
	if !getbool("GK_BOOL", true) || getbool("GK_BOOL", false) {
		t.Fatalf("empty value must yield the default")
	}
}

func TestSplitCSV(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV(\"\") = %#v", out)
	}
	want := []string{"https://a.example", "https://b.example"}
	if got := splitCSV(" https://a.example, ,https://b.example ,"); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV = %#v", got)
	}
}

func TestNormalizeBasePath(t *testing.T) {
	for in, want := range map[string]string{"": "/", " / ": "/", "v1": "/v1", "/api/v1/": "/api/v1"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

// Ensure tests do not leak env to others.
func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Exit(m.Run())
}

func containsErr(err error, want string) bool {
	return err != nil && strings.Contains(err.Error(), want)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_PATH", "db.sqlite")
	// Intentionally leave API_BASE_PATH and the storage selection unset

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	// default per code is "/api/v1"
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.DBPath != "db.sqlite" || cfg.Storage.QuotaBackend != "storage" {
		t.Fatalf("storage defaults unexpected: %+v", cfg.Storage)
	}
	if cfg.Cache.TTL != 30*time.Minute || cfg.Cache.MaxSize != 10000 {
		t.Fatalf("cache defaults unexpected: %+v", cfg.Cache)
	}
	a := cfg.Admission
	if a.FreeMessageLimit != 100 || a.PremiumMessageLimit != 1000 || a.MessageLengthLimit != 2500 ||
		a.SanitizationThreshold != 0.8 || !a.RequireConsent || a.FloodMaxRapid != 5 {
		t.Fatalf("admission defaults unexpected: %+v", a)
	}
	sc := cfg.Scheduler
	if sc.PartitionCreateDay != 25 || sc.PartitionDropDay != 1 || sc.PartitionHour != 5 ||
		sc.PartitionRetentionMonths != 2 || sc.Backoff != time.Hour || sc.Location == nil {
		t.Fatalf("scheduler defaults unexpected: %+v", sc)
	}
	if cfg.Admission.DefaultLanguage != "en" {
		t.Fatalf("DefaultLanguage=%q want en", cfg.Admission.DefaultLanguage)
	}
	if !cfg.Security.RedactLogs || cfg.Security.AdminToken != "" {
		t.Fatalf("security defaults unexpected: %+v", cfg.Security)
	}
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}
