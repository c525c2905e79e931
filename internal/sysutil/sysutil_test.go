package sysutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"  DeBuG ": zerolog.DebugLevel,
		"trace":    zerolog.TraceLevel,
		"warning":  zerolog.WarnLevel,
		"WARN":     zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := SetLogLevel(in); got != want || zerolog.GlobalLevel() != want {
			t.Fatalf("SetLogLevel(%q) = %v (global %v); want %v", in, got, zerolog.GlobalLevel(), want)
		}
	}
}

func TestIsTruthy(t *testing.T) {
	for v, want := range map[string]bool{
		"1": true, " yes ": true, "Y": true, "On": true, "TRUE": true,
		"": false, "0": false, "off": false, "n": false, "enabled": false,
	} {
		if got := IsTruthy(v); got != want {
			t.Fatalf("IsTruthy(%q) = %v; want %v", v, got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{" ", "\t"}, ""},
		{[]string{"", "  v1.2.0 ", "dev"}, "  v1.2.0 "},
		{[]string{"override", "dev"}, "override"},
	}
	for _, tc := range cases {
		if got := FirstNonEmpty(tc.in...); got != tc.want {
			t.Fatalf("FirstNonEmpty(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestSetupLogger_JSONAndPretty(t *testing.T) {
	origLevel, origLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
	})

	var buf bytes.Buffer
	SetupLogger("warn", false, &buf)
	log.Info().Msg("dropped")
	log.Warn().Str("k", "v").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at warn level, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if m["message"] != "kept" || m["k"] != "v" || m["time"] == nil {
		t.Fatalf("unexpected entry: %v", m)
	}

	buf.Reset()
	t.Setenv("NO_COLOR", "1")
	SetupLogger("info", true, &buf)
	log.Info().Msg("pretty")
	if out := buf.String(); !strings.Contains(out, "pretty") || strings.HasPrefix(out, "{") {
		t.Fatalf("expected console output, got %q", out)
	}
}

func TestVersion_Override(t *testing.T) {
	if got := Version("1.4.0"); got != "1.4.0" {
		t.Fatalf("Version(override) = %q", got)
	}
	if got := Version(""); got == "" {
		t.Fatalf("Version(\"\") must not be empty")
	}
}
