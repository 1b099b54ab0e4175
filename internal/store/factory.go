// Package store assembles the session store: it picks the durable or the
// in-memory backend, puts the security guard in front of it and hands out a
// single Facade that callers use regardless of which backend is active.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/szaher/sessionstore/internal/events"
	"github.com/szaher/sessionstore/internal/kv"
	"github.com/szaher/sessionstore/internal/memory"
	"github.com/szaher/sessionstore/internal/pool"
	"github.com/szaher/sessionstore/internal/security"
	"github.com/szaher/sessionstore/internal/session"
	"github.com/szaher/sessionstore/internal/telemetry"
)

// Config holds the backend-independent settings.
type Config struct {
	Namespace     string
	ForceFallback bool
	Pool          pool.Options
	Retry         pool.RetryPolicy
	// ProbeAttempts bounds the startup availability check.
	ProbeAttempts int
	SessionTTL    time.Duration
	MemoryTTLs    memory.TTLs
	Security      security.Options
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:     "sessionstore",
		Pool:          pool.DefaultOptions(),
		Retry:         pool.DefaultRetryPolicy(),
		ProbeAttempts: 3,
		SessionTTL:    session.DefaultTTL,
		MemoryTTLs:    memory.DefaultTTLs(),
		Security:      security.Options{Detector: security.DefaultDetectorConfig()},
	}
}

// Factory builds Facades.
type Factory struct {
	cfg         Config
	dial        Dialer
	forceMemory bool
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	events      events.Emitter
	now         func() time.Time
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDialer sets how the durable backend is reached. Without one the
// factory always serves from memory.
func WithDialer(d Dialer) FactoryOption {
	return func(f *Factory) { f.dial = d }
}

// WithForceMemory skips the durable backend regardless of availability.
func WithForceMemory(force bool) FactoryOption {
	return func(f *Factory) { f.forceMemory = force }
}

func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

func WithMetrics(m *telemetry.Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// WithEmitter receives lifecycle events: backend connection and demotion
// and enumeration flags.
func WithEmitter(e events.Emitter) FactoryOption {
	return func(f *Factory) { f.events = e }
}

// WithClock replaces time.Now for every component the factory builds.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, opts ...FactoryOption) *Factory {
	f := &Factory{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.events = events.OrNoop(f.events)
	if f.cfg.Namespace == "" {
		f.cfg.Namespace = "sessionstore"
	}
	if f.cfg.ProbeAttempts <= 0 {
		f.cfg.ProbeAttempts = 1
	}
	return f
}

// Build probes the durable backend and returns a Facade over it, or over
// the in-memory backend if it is disabled or unreachable. It only fails on
// invalid configuration.
func (f *Factory) Build(ctx context.Context) (*Facade, error) {
	secOpts := f.cfg.Security
	secOpts.Logger = f.logger
	if secOpts.Now == nil {
		secOpts.Now = f.now
	}
	onFlag := secOpts.OnFlag
	secOpts.OnFlag = func(fl security.Flag) {
		f.metrics.RecordEnumerationFlag()
		f.events.Emit(events.New(events.SourceFlagged, "").
			WithData("source", fl.Subject).
			WithData("failed_attempts", fl.FailedAttempts).
			WithData("cooldown_until", fl.CooldownUntil))
		if onFlag != nil {
			onFlag(fl)
		}
	}
	guard, err := security.NewGuard(secOpts)
	if err != nil {
		return nil, err
	}

	fallback := f.memoryBackends()
	facade := newFacade(guard, fallback, f.logger, f.metrics, f.events, f.now)

	switch {
	case f.forceMemory || f.cfg.ForceFallback:
		f.logger.Info("durable backend disabled by override; serving from memory")
		facade.reason = "forced"
	case f.dial == nil:
		f.logger.Info("no durable backend configured; serving from memory")
		facade.reason = "not configured"
	default:
		durable, err := f.connect(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			f.logger.Warn("durable backend unavailable; degrading to in-memory store",
				"attempts", f.cfg.ProbeAttempts, "error", err)
			f.metrics.RecordDemotion("startup")
			facade.markDemoted(ctx, "startup", "", err)
			break
		}
		facade.durable = durable
		facade.active.Store(durable)
		f.logger.Info("durable backend connected", "driver", durable.driver)
		f.events.Emit(events.New(events.BackendConnected, telemetry.CorrelationID(ctx)).
			WithData("driver", durable.driver))
	}

	f.metrics.SetActiveBackend(string(facade.active.Load().kind))
	return facade, nil
}

func (f *Factory) memoryBackends() *backends {
	client := kv.NewMemory(kv.WithMemoryClock(f.now))
	return &backends{
		kind:   KindMemory,
		driver: client.Name(),
		sessions: session.NewMemoryStore(
			session.WithTTL(f.cfg.SessionTTL),
			session.WithClock(f.now),
		),
		memory: memory.New(client,
			memory.WithNamespace(f.cfg.Namespace),
			memory.WithTTLs(f.cfg.MemoryTTLs),
			memory.WithClock(f.now),
			memory.WithLogger(f.logger),
		),
		client: client,
	}
}

// connect dials and pings the durable backend, retrying per ProbeAttempts.
func (f *Factory) connect(ctx context.Context) (*backends, error) {
	poolOpts := f.cfg.Pool
	poolOpts.OnTimeout = f.metrics.RecordPoolTimeout
	poolOpts.OnInUse = f.metrics.SetPoolInUse
	p := pool.New(poolOpts)

	probe := f.cfg.Retry
	probe.Attempts = f.cfg.ProbeAttempts
	probe.Logger = f.logger

	var raw kv.Client
	var client kv.Client
	retryable := func(error) bool { return ctx.Err() == nil }
	err := probe.Do(ctx, retryable, func() error {
		if raw == nil {
			c, err := f.dial(ctx)
			if err != nil {
				return err
			}
			raw = c
			client = kv.Pooled(raw, p, f.cfg.Retry, f.logger)
		}
		return client.Ping(ctx)
	})
	if err != nil {
		if raw != nil {
			_ = raw.Close()
		}
		_ = p.Close(context.Background())
		return nil, fmt.Errorf("probe durable backend: %w", err)
	}

	return &backends{
		kind:   KindDurable,
		driver: raw.Name(),
		sessions: session.NewDurableStore(client,
			session.WithNamespace(f.cfg.Namespace),
			session.WithTTL(f.cfg.SessionTTL),
			session.WithClock(f.now),
			session.WithLogger(f.logger),
		),
		memory: memory.New(client,
			memory.WithNamespace(f.cfg.Namespace),
			memory.WithTTLs(f.cfg.MemoryTTLs),
			memory.WithClock(f.now),
			memory.WithLogger(f.logger),
		),
		client: client,
		pool:   p,
	}, nil
}
