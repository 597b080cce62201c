package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overseer.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://user:pass@db:5432/overseer")
	path := writeConfig(t, `{
		"server": {"port": 3210, "log_level": "${TEST_LOG_LEVEL:debug}"},
		"engine": {"max_steps": 50},
		"database": {"postgres": {"dsn": "${TEST_PG_DSN}"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://user:pass@db:5432/overseer" {
		t.Errorf("dsn = %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level = %q, want default debug", cfg.Server.LogLevel)
	}
	if cfg.Engine.MaxSteps != 50 {
		t.Errorf("max steps = %d", cfg.Engine.MaxSteps)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("TEST_LOG_LEVEL2", "warn")
	path := writeConfig(t, `{"server": {"port": 1, "log_level": "${TEST_LOG_LEVEL2:info}"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Server.LogLevel)
	}
}

func TestLoadEmptyDefault(t *testing.T) {
	path := writeConfig(t, `{"database": {"redis": {"url": "${TEST_UNSET_REDIS:}"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Redis.URL != "" {
		t.Errorf("redis url = %q, want empty", cfg.Database.Redis.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
