package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvMissingFileIsIgnored(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should not error: %v", err)
	}
}

func TestLoadEnvSetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BASIS_TEST_TOKEN=abc123\n"), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	t.Setenv("BASIS_TEST_TOKEN", "")
	os.Unsetenv("BASIS_TEST_TOKEN")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if got := os.Getenv("BASIS_TEST_TOKEN"); got != "abc123" {
		t.Fatalf("BASIS_TEST_TOKEN = %q, want abc123", got)
	}
}

func TestLoadEnvEmptyPathRejected(t *testing.T) {
	if err := LoadEnv(""); err == nil {
		t.Fatal("empty path should error")
	}
}
