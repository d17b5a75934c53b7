package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type envTestConfig struct {
	Port int `env:"AUTH_BROKER_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("AUTH_BROKER_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")
	if err := LoadDotEnv("", missing); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "AUTH_BROKER_TEST_PORT=456\nAUTH_BROKER_TEST_DOTENV_ONLY=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("AUTH_BROKER_TEST_PORT", "789")
	t.Setenv("AUTH_BROKER_TEST_DOTENV_ONLY", "")
	os.Unsetenv("AUTH_BROKER_TEST_DOTENV_ONLY")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 789 {
		t.Fatalf("expected environment to win, got %d", cfg.Port)
	}
	if got := os.Getenv("AUTH_BROKER_TEST_DOTENV_ONLY"); got != "from-file" {
		t.Fatalf("expected file value, got %q", got)
	}
}
