package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
pool:
  max_workers: 8
  queue_capacity: 128
keys:
  - name: seed
    key: cc_seedkey
    project_id: proj-1
    role: member
    profile: pro
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if cfg.Pool.MaxWorkers != 8 {
		t.Errorf("pool.max_workers = %d, want 8", cfg.Pool.MaxWorkers)
	}
	if len(cfg.Keys) != 1 {
		t.Fatalf("keys count = %d, want 1", len(cfg.Keys))
	}
	if cfg.Keys[0].Profile != "pro" {
		t.Errorf("key profile = %q, want %q", cfg.Keys[0].Profile, "pro")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	yaml := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "claudegate.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "claudegate.db")
	}
	if cfg.Pool.MaxWorkers != 4 {
		t.Errorf("default pool.max_workers = %d, want 4", cfg.Pool.MaxWorkers)
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := defaults()
	applyEnv(cfg, []string{
		"CLAUDEGATE_SERVER_ADDR=:7070",
		"CLAUDEGATE_POOL_MAX_WORKERS=16",
		"CLAUDEGATE_CACHE_ENABLED=false",
		"CLAUDEGATE_UNKNOWN_SETTING=ignored",
	})
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Pool.MaxWorkers != 16 {
		t.Errorf("max_workers = %d, want 16", cfg.Pool.MaxWorkers)
	}
	if cfg.Cache.Enabled {
		t.Error("cache.enabled should be false")
	}
}
