package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("HIPPO_PG_DSN", "postgres://u:p@db:5432/hippo")
	path := writeConfig(t, `{
		"database": {
			"postgres": {"dsn": "${HIPPO_PG_DSN}"},
			"redis": {"url": "${HIPPO_REDIS_URL:redis://localhost:6379/0}"}
		},
		"pipeline": {"intervals": {"consolidation": 1800}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Postgres.DSN != "postgres://u:p@db:5432/hippo" {
		t.Errorf("dsn %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis default not applied: %q", cfg.Database.Redis.URL)
	}
	if cfg.Pipeline.Intervals.Consolidation != 1800 || cfg.Pipeline.Intervals.Episodes != 0 {
		t.Errorf("explicit intervals overwritten: %+v", cfg.Pipeline.Intervals)
	}
	if cfg.Server.Port != 3210 || cfg.Embedding.Provider != "hash" {
		t.Errorf("defaults missing: %+v", cfg.Server)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Pipeline.Intervals.Consolidation != 3600 {
		t.Errorf("consolidation interval %d, want hourly", cfg.Pipeline.Intervals.Consolidation)
	}
	if cfg.Database.Postgres.DSN != "" {
		t.Error("default must not require postgres")
	}
}
