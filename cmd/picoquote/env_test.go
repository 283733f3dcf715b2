package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")

	content := `
# comment
PICOQUOTE_TEST_ENV_A=alpha
export PICOQUOTE_TEST_ENV_B = bravo
PICOQUOTE_TEST_ENV_C="hello world"
PICOQUOTE_TEST_ENV_D='single # keep'
PICOQUOTE_TEST_ENV_E=value # inline comment
PICOQUOTE_TEST_ENV_F="line1\nline2"
PICOQUOTE_TEST_ENV_G="quoted with comment" # comment
`
	if err := os.WriteFile(envPath, []byte(content), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}

	tests := map[string]string{
		"PICOQUOTE_TEST_ENV_A": "alpha",
		"PICOQUOTE_TEST_ENV_B": "bravo",
		"PICOQUOTE_TEST_ENV_C": "hello world",
		"PICOQUOTE_TEST_ENV_D": "single # keep",
		"PICOQUOTE_TEST_ENV_E": "value",
		"PICOQUOTE_TEST_ENV_F": "line1\nline2",
		"PICOQUOTE_TEST_ENV_G": "quoted with comment",
	}

	for k, want := range tests {
		got := os.Getenv(k)
		if got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestLoadEnvFile_DoesNotOverrideExisting(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")

	if err := os.WriteFile(envPath, []byte("PICOQUOTE_TEST_ENV_OVERRIDE=from_file\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("PICOQUOTE_TEST_ENV_OVERRIDE", "from_process")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}

	if got := os.Getenv("PICOQUOTE_TEST_ENV_OVERRIDE"); got != "from_process" {
		t.Fatalf("PICOQUOTE_TEST_ENV_OVERRIDE = %q, want %q", got, "from_process")
	}
}

func TestLoadEnvFile_InvalidLine(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")

	if err := os.WriteFile(envPath, []byte("bad_line_without_equal\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := loadEnvFile(envPath); err == nil {
		t.Fatal("expected error for invalid .env line, got nil")
	}
}

func TestLoadEnvFile_QuotingEdgeCases(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "PICOQUOTE_TEST_ENV_EMPTY=\nPICOQUOTE_TEST_ENV_HASH=a#b\nPICOQUOTE_TEST_ENV_RAW='x\\ny'\n"
	if err := os.WriteFile(envPath, []byte(content), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}

	if v, ok := os.LookupEnv("PICOQUOTE_TEST_ENV_EMPTY"); !ok || v != "" {
		t.Fatalf("PICOQUOTE_TEST_ENV_EMPTY = %q, %v", v, ok)
	}
	if got := os.Getenv("PICOQUOTE_TEST_ENV_HASH"); got != "a#b" {
		t.Fatalf("PICOQUOTE_TEST_ENV_HASH = %q, want a#b", got)
	}
	if got := os.Getenv("PICOQUOTE_TEST_ENV_RAW"); got != `x\ny` {
		t.Fatalf("PICOQUOTE_TEST_ENV_RAW = %q, single quotes keep escapes", got)
	}
}

func TestLoadEnvFile_UnterminatedQuote(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("PICOQUOTE_TEST_ENV_BAD=\"open\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := loadEnvFile(envPath); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	err := loadEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}
