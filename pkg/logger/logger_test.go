package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	})

	SetLevel(WARN)
	InfoC("test", "hidden message")
	WarnCF("test", "visible message", map[string]interface{}{"key": "value"})

	out := buf.String()
	if strings.Contains(out, "hidden message") {
		t.Fatalf("info entry should be filtered at WARN level, got: %q", out)
	}
	if !strings.Contains(out, "visible message") {
		t.Fatalf("warn entry missing, got: %q", out)
	}
	if !strings.Contains(out, "component") || !strings.Contains(out, "test") {
		t.Fatalf("component field missing, got: %q", out)
	}
	if !strings.Contains(out, "value") {
		t.Fatalf("field value missing, got: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelRoundTrip(t *testing.T) {
	t.Cleanup(func() { SetLevel(INFO) })
	SetLevel(DEBUG)
	if GetLevel() != DEBUG {
		t.Fatalf("GetLevel() = %v, want DEBUG", GetLevel())
	}
}

func TestEnableFileLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "picoquote.log")
	EnableFileLogging(FileOptions{Path: path})
	t.Cleanup(DisableFileLogging)

	InfoCF("file", "written to file", map[string]interface{}{"n": 1})
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"file"`) {
		t.Fatalf("expected JSON entry with component, got: %q", string(data))
	}
}
