// Package config loads the session store configuration from an optional
// .env file, an optional YAML file and SESSIONSTORE_* environment variables,
// in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/szaher/sessionstore/internal/cleanup"
	"github.com/szaher/sessionstore/internal/kv/badgerkv"
	"github.com/szaher/sessionstore/internal/kv/etcdkv"
	"github.com/szaher/sessionstore/internal/kv/pgkv"
	"github.com/szaher/sessionstore/internal/memory"
	"github.com/szaher/sessionstore/internal/pool"
	"github.com/szaher/sessionstore/internal/security"
	"github.com/szaher/sessionstore/internal/session"
	"github.com/szaher/sessionstore/internal/store"
)

const envPrefix = "SESSIONSTORE_"

// Config holds all settings.
type Config struct {
	Backend       string `yaml:"backend"`
	Namespace     string `yaml:"namespace"`
	ForceFallback bool   `yaml:"force_fallback"`

	Etcd     EtcdConfig     `yaml:"etcd"`
	Postgres PostgresConfig `yaml:"postgres"`
	Badger   BadgerConfig   `yaml:"badger"`
	Pool     PoolConfig     `yaml:"pool"`
	TTL      TTLConfig      `yaml:"ttl"`
	Security SecurityConfig `yaml:"security"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type BadgerConfig struct {
	Dir        string `yaml:"dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// PoolConfig bounds durable backend calls.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	ProbeAttempts  int           `yaml:"probe_attempts"`
}

type TTLConfig struct {
	Session time.Duration `yaml:"session"`
	Memory  memory.TTLs   `yaml:"memory"`
}

type SecurityConfig struct {
	// Secret keys owner bindings and CSRF tokens. Sessions written under one
	// secret are unreadable under another.
	Secret      string                  `yaml:"secret"`
	Enumeration security.DetectorConfig `yaml:"enumeration"`
}

type CleanupConfig struct {
	Schedule    string        `yaml:"schedule"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	APIKey          string        `yaml:"api_key"`
	RateLimit       float64       `yaml:"rate_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	p := pool.DefaultOptions()
	r := pool.DefaultRetryPolicy()
	c := cleanup.DefaultOptions()
	return &Config{
		Backend:   store.BackendEtcd,
		Namespace: "sessionstore",
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Badger: BadgerConfig{Dir: "./data/sessionstore"},
		Pool: PoolConfig{
			Size:           p.Size,
			WaitTimeout:    p.WaitTimeout,
			OpTimeout:      p.OpTimeout,
			RetryAttempts:  r.Attempts,
			RetryBaseDelay: r.BaseDelay,
			ProbeAttempts:  3,
		},
		TTL: TTLConfig{
			Session: session.DefaultTTL,
			Memory:  memory.DefaultTTLs(),
		},
		Security: SecurityConfig{Enumeration: security.DefaultDetectorConfig()},
		Cleanup: CleanupConfig{
			Schedule:    c.Schedule,
			Concurrency: c.Concurrency,
			Timeout:     c.Timeout,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RateLimit:       100,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads .env (if present), then the YAML file named by
// SESSIONSTORE_CONFIG (if set), then environment overrides. Secret fields
// in the file may be written as env(NAME).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		if err := cfg.resolveSecrets(); err != nil {
			return nil, fmt.Errorf("resolve config secrets: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("BACKEND", &c.Backend)
	str("NAMESPACE", &c.Namespace)
	boolean("FORCE_FALLBACK", &c.ForceFallback)

	if v, ok := lookup("ETCD_ENDPOINTS"); ok {
		c.Etcd.Endpoints = splitList(v)
	}
	duration("ETCD_DIAL_TIMEOUT", &c.Etcd.DialTimeout)
	str("ETCD_USERNAME", &c.Etcd.Username)
	str("ETCD_PASSWORD", &c.Etcd.Password)

	str("PG_DSN", &c.Postgres.DSN)
	if v, ok := lookup("PG_MAX_CONNS"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPG_MAX_CONNS: %w", envPrefix, err))
		} else {
			c.Postgres.MaxConns = int32(n)
		}
	}

	str("BADGER_DIR", &c.Badger.Dir)
	boolean("BADGER_IN_MEMORY", &c.Badger.InMemory)
	boolean("BADGER_SYNC_WRITES", &c.Badger.SyncWrites)

	integer("POOL_SIZE", &c.Pool.Size)
	duration("POOL_WAIT_TIMEOUT", &c.Pool.WaitTimeout)
	duration("OP_TIMEOUT", &c.Pool.OpTimeout)
	integer("RETRY_ATTEMPTS", &c.Pool.RetryAttempts)
	duration("RETRY_BASE_DELAY", &c.Pool.RetryBaseDelay)
	integer("PROBE_ATTEMPTS", &c.Pool.ProbeAttempts)

	duration("SESSION_TTL", &c.TTL.Session)
	duration("USER_CONTEXT_TTL", &c.TTL.Memory.UserContext)
	duration("AGENT_MEMORY_TTL", &c.TTL.Memory.Agent)
	duration("KNOWLEDGE_TTL", &c.TTL.Memory.Knowledge)
	duration("HISTORY_TTL", &c.TTL.Memory.History)

	str("BINDING_SECRET", &c.Security.Secret)
	integer("ENUM_THRESHOLD", &c.Security.Enumeration.Threshold)
	duration("ENUM_WINDOW", &c.Security.Enumeration.Window)
	duration("ENUM_COOLDOWN", &c.Security.Enumeration.Cooldown)

	str("SWEEP_SCHEDULE", &c.Cleanup.Schedule)
	integer("SWEEP_CONCURRENCY", &c.Cleanup.Concurrency)
	duration("SWEEP_TIMEOUT", &c.Cleanup.Timeout)

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("API_KEY", &c.HTTP.APIKey)
	if v, ok := lookup("RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT: %w", envPrefix, err))
		} else {
			c.HTTP.RateLimit = f
		}
	}
	duration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// persistent reports whether sessions outlive the process or are shared
// with other replicas.
func (c *Config) persistent() bool {
	switch c.Backend {
	case store.BackendMemory:
		return false
	case store.BackendBadger:
		return !c.Badger.InMemory
	default:
		return true
	}
}

// Validate checks the configuration for values the store cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case store.BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("etcd backend requires at least one endpoint"))
		}
	case store.BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres backend requires a DSN"))
		}
	case store.BackendBadger:
		if c.Badger.Dir == "" && !c.Badger.InMemory {
			errs = append(errs, errors.New("badger backend requires a directory or in_memory"))
		}
	case store.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.Security.Secret == "" && c.persistent() {
		errs = append(errs, fmt.Errorf("%s backend requires a binding secret (SESSIONSTORE_BINDING_SECRET); sessions written under another secret fail owner verification", c.Backend))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace cannot be empty"))
	}
	if strings.ContainsAny(c.Namespace, ":%") {
		errs = append(errs, fmt.Errorf("namespace %q must not contain ':' or '%%'", c.Namespace))
	}
	if c.Pool.Size <= 0 {
		errs = append(errs, errors.New("pool size must be > 0"))
	}
	if c.Pool.WaitTimeout <= 0 || c.Pool.OpTimeout <= 0 {
		errs = append(errs, errors.New("pool wait and op timeouts must be > 0"))
	}
	if c.Pool.RetryAttempts <= 0 || c.Pool.ProbeAttempts <= 0 {
		errs = append(errs, errors.New("retry and probe attempts must be > 0"))
	}
	if c.TTL.Session <= 0 {
		errs = append(errs, errors.New("session TTL must be > 0"))
	}
	if c.Security.Enumeration.Threshold <= 0 {
		errs = append(errs, errors.New("enumeration threshold must be > 0"))
	}
	if c.Cleanup.Schedule == "" {
		errs = append(errs, errors.New("sweep schedule cannot be empty"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must be >= 0"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// StoreConfig converts to the factory configuration.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Namespace:     c.Namespace,
		ForceFallback: c.ForceFallback,
		Pool: pool.Options{
			Size:        c.Pool.Size,
			WaitTimeout: c.Pool.WaitTimeout,
			OpTimeout:   c.Pool.OpTimeout,
		},
		Retry: pool.RetryPolicy{
			Attempts:  c.Pool.RetryAttempts,
			BaseDelay: c.Pool.RetryBaseDelay,
			MaxDelay:  pool.DefaultRetryPolicy().MaxDelay,
		},
		ProbeAttempts: c.Pool.ProbeAttempts,
		SessionTTL:    c.TTL.Session,
		MemoryTTLs:    c.TTL.Memory,
		Security: security.Options{
			Secret:   []byte(c.Security.Secret),
			Detector: c.Security.Enumeration,
		},
	}
}

// DriverConfig converts to the durable driver configuration.
func (c *Config) DriverConfig() store.DriverConfig {
	badger := badgerkv.DefaultOptions(c.Badger.Dir)
	badger.InMemory = c.Badger.InMemory
	badger.SyncWrites = c.Badger.SyncWrites
	return store.DriverConfig{
		Backend: c.Backend,
		Etcd: etcdkv.Options{
			Endpoints:   c.Etcd.Endpoints,
			DialTimeout: c.Etcd.DialTimeout,
			Username:    c.Etcd.Username,
			Password:    c.Etcd.Password,
		},
		Postgres: pgkv.Options{DSN: c.Postgres.DSN, MaxConns: c.Postgres.MaxConns},
		Badger:   badger,
	}
}

// CleanupOptions converts to scheduler options.
func (c *Config) CleanupOptions() cleanup.Options {
	return cleanup.Options{
		Schedule:    c.Cleanup.Schedule,
		Concurrency: c.Cleanup.Concurrency,
		Timeout:     c.Cleanup.Timeout,
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
