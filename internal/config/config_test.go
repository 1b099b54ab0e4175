package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/szaher/sessionstore/internal/store"
	"github.com/szaher/sessionstore/internal/testutil"
)

// isolate runs the test in an empty directory so no stray .env is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// withSecret sets the binding secret durable backends require.
func withSecret(t *testing.T) {
	t.Helper()
	t.Setenv("SESSIONSTORE_BINDING_SECRET", "test-binding-secret")
}

// validConfig is Default plus the settings Validate insists on.
func validConfig() *Config {
	cfg := Default()
	cfg.Security.Secret = "test-binding-secret"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	withSecret(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cfg.Backend != store.BackendEtcd {
		t.Errorf("Backend = %q, want %q", cfg.Backend, store.BackendEtcd)
	}
	if cfg.TTL.Session != 24*time.Hour {
		t.Errorf("TTL.Session = %v, want 24h", cfg.TTL.Session)
	}
	if cfg.Security.Enumeration.Threshold != 10 {
		t.Errorf("Enumeration.Threshold = %d, want 10", cfg.Security.Enumeration.Threshold)
	}
	if cfg.Cleanup.Schedule != "@every 5m" {
		t.Errorf("Cleanup.Schedule = %q, want %q", cfg.Cleanup.Schedule, "@every 5m")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)
	withSecret(t)

	yamlPath := filepath.Join(dir, "sessionstore.yaml")
	yamlDoc := `
backend: postgres
namespace: chat
postgres:
  dsn: postgres://file
pool:
  size: 4
ttl:
  session: 2h
  memory:
    knowledge: 48h
security:
  enumeration:
    threshold: 5
    window: 30s
`
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SESSIONSTORE_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("SESSIONSTORE_CONFIG", yamlPath)
	t.Setenv("SESSIONSTORE_PG_DSN", "postgres://env")
	t.Setenv("SESSIONSTORE_POOL_SIZE", "8")
	// godotenv does not override variables that are already set.
	t.Setenv("SESSIONSTORE_LOG_FORMAT", "text")

	t.Cleanup(func() { os.Unsetenv("SESSIONSTORE_LOG_LEVEL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}

	if cfg.Backend != store.BackendPostgres {
		t.Errorf("Backend = %q, want postgres (from file)", cfg.Backend)
	}
	if cfg.Namespace != "chat" {
		t.Errorf("Namespace = %q, want chat", cfg.Namespace)
	}
	if cfg.Postgres.DSN != "postgres://env" {
		t.Errorf("Postgres.DSN = %q, want the env override", cfg.Postgres.DSN)
	}
	if cfg.Pool.Size != 8 {
		t.Errorf("Pool.Size = %d, want 8", cfg.Pool.Size)
	}
	if cfg.TTL.Session != 2*time.Hour {
		t.Errorf("TTL.Session = %v, want 2h", cfg.TTL.Session)
	}
	if cfg.TTL.Memory.Knowledge != 48*time.Hour {
		t.Errorf("TTL.Memory.Knowledge = %v, want 48h", cfg.TTL.Memory.Knowledge)
	}
	if cfg.TTL.Memory.UserContext != 72*time.Hour {
		t.Errorf("TTL.Memory.UserContext = %v, want the 72h default", cfg.TTL.Memory.UserContext)
	}
	if cfg.Security.Enumeration.Window != 30*time.Second {
		t.Errorf("Enumeration.Window = %v, want 30s", cfg.Security.Enumeration.Window)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (from .env)", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}

	sc := cfg.StoreConfig()
	if sc.Pool.Size != 8 || sc.SessionTTL != 2*time.Hour || sc.Security.Detector.Threshold != 5 {
		t.Errorf("StoreConfig = %+v, not carried over", sc)
	}
	if dc := cfg.DriverConfig(); dc.Postgres.DSN != "postgres://env" {
		t.Errorf("DriverConfig.Postgres.DSN = %q", dc.Postgres.DSN)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	isolate(t)
	t.Setenv("SESSIONSTORE_POOL_WAIT_TIMEOUT", "soon")
	t.Setenv("SESSIONSTORE_FORCE_FALLBACK", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatal("Load with malformed values should return an error")
	}
	for _, want := range []string{"POOL_WAIT_TIMEOUT", "FORCE_FALLBACK"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestEtcdEndpointsFromEnv(t *testing.T) {
	isolate(t)
	withSecret(t)
	t.Setenv("SESSIONSTORE_ETCD_ENDPOINTS", "a:2379, b:2379,,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if got := cfg.DriverConfig().Etcd.Endpoints; len(got) != 2 || got[0] != "a:2379" || got[1] != "b:2379" {
		t.Errorf("Etcd.Endpoints = %q, want [a:2379 b:2379]", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "redis" }, "unknown backend"},
		{"etcd without endpoints", func(c *Config) { c.Etcd.Endpoints = nil }, "endpoint"},
		{"postgres without dsn", func(c *Config) { c.Backend = store.BackendPostgres }, "DSN"},
		{"badger without dir", func(c *Config) { c.Backend = store.BackendBadger; c.Badger.Dir = "" }, "badger"},
		{"namespace separator", func(c *Config) { c.Namespace = "a:b" }, "namespace"},
		{"zero pool", func(c *Config) { c.Pool.Size = 0 }, "pool size"},
		{"zero session ttl", func(c *Config) { c.TTL.Session = 0 }, "session TTL"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"etcd without secret", func(c *Config) { c.Security.Secret = "" }, "binding secret"},
		{"postgres without secret", func(c *Config) {
			c.Backend = store.BackendPostgres
			c.Postgres.DSN = "postgres://db"
			c.Security.Secret = ""
		}, "binding secret"},
		{"badger on disk without secret", func(c *Config) {
			c.Backend = store.BackendBadger
			c.Badger.Dir = "/var/lib/sessionstore"
			c.Security.Secret = ""
		}, "binding secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("validConfig().Validate() = %v, want nil", err)
	}
	mem := Default()
	mem.Backend = store.BackendMemory
	mem.Etcd.Endpoints = nil
	if err := mem.Validate(); err != nil {
		t.Errorf("memory backend without secret Validate() = %v, want nil", err)
	}
	inMem := Default()
	inMem.Backend = store.BackendBadger
	inMem.Badger.InMemory = true
	if err := inMem.Validate(); err != nil {
		t.Errorf("in-memory badger without secret Validate() = %v, want nil", err)
	}
}

func TestSecretReferencesInFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "sessionstore.yaml")
	body := "security:\n  secret: env(TEST_BINDING_SECRET)\nhttp:\n  api_key: literal-key\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSIONSTORE_CONFIG", path)
	t.Setenv("TEST_BINDING_SECRET", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if cfg.Security.Secret != "from-env" {
		t.Errorf("Security.Secret = %q, want %q", cfg.Security.Secret, "from-env")
	}
	if cfg.HTTP.APIKey != "literal-key" {
		t.Errorf("HTTP.APIKey = %q, want literal value", cfg.HTTP.APIKey)
	}
}

func TestSecretReferenceUnset(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "sessionstore.yaml")
	if err := os.WriteFile(path, []byte("etcd:\n  password: env(SESSIONSTORE_TEST_MISSING)\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSIONSTORE_CONFIG", path)

	_, err := Load()
	testutil.AssertErrorContains(t, err, "etcd.password")
}

func TestSecretsForRedaction(t *testing.T) {
	cfg := Default()
	cfg.Security.Secret = "bind"
	cfg.Postgres.DSN = "postgres://app:pgpass@db:5432/sessions"
	cfg.HTTP.APIKey = "new-key,old-key"

	got := cfg.Secrets()
	for _, want := range []string{"bind", "pgpass", cfg.Postgres.DSN, "new-key", "old-key"} {
		if !slices.Contains(got, want) {
			t.Errorf("Secrets() = %q, missing %q", got, want)
		}
	}
}
