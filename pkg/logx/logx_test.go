package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("comp", "link"))

	log.Debug("hidden")
	log.Info("link connected", String("addr", "10.0.0.9:9000"), Int("attempt", 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["message"] != "link connected" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "link" || m["addr"] != "10.0.0.9:9000" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["attempt"] != float64(2) {
		t.Fatalf("attempt = %v", m["attempt"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if l.With(String("k", "v")).IsZero() {
		t.Fatal("logger with fields is not zero")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLimitedSuppressesAndReports(t *testing.T) {
	var buf bytes.Buffer
	l := NewLimited(NewWriter(&buf, "DEBUG"), 0.0001, 2)

	for i := 0; i < 5; i++ {
		l.Warn("inbound dropped", String("reason", "parse"))
	}
	if got := strings.Count(buf.String(), "inbound dropped"); got != 2 {
		t.Fatalf("written = %d, want 2", got)
	}
	if l.Suppressed() != 3 {
		t.Fatalf("suppressed = %d, want 3", l.Suppressed())
	}
}

func TestCallerPointsAtCallSite(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG")
	log.Info("here")
	NewLimited(log, 100, 10).Info("limited")

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatal(err)
		}
		caller, _ := m["caller"].(string)
		if !strings.HasPrefix(caller, "logx_test.go:") {
			t.Fatalf("caller = %q", caller)
		}
	}
}
