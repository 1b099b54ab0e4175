// Package cleanup runs the periodic TTL sweep over every keyspace.
//
// Each target removes its own expired keys one at a time, so a sweep never
// takes a store-wide lock and can run alongside live traffic. Running a
// sweep that finds nothing is a no-op.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/sessionstore/internal/events"
	"github.com/szaher/sessionstore/internal/telemetry"
)

// Target is one sweepable keyspace.
type Target struct {
	Name  string
	Sweep func(ctx context.Context) (int, error)
}

// Source supplies the current targets. It is consulted on every run, so a
// store that switches backends is swept on the right one.
type Source interface {
	SweepTargets() []Target
}

// Report summarizes one sweep run.
type Report struct {
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"duration"`
	Removed  map[string]int    `json:"removed"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Total returns the number of keys removed across targets.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Options configures a Scheduler.
type Options struct {
	// Schedule is a cron expression or descriptor such as "@every 5m".
	Schedule string
	// Concurrency bounds how many targets are swept at once.
	Concurrency int
	// Timeout bounds one scheduled run.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Events receives a cleanup.completed event after every run.
	Events events.Emitter
}

// DefaultOptions sweeps every five minutes, two targets at a time.
func DefaultOptions() Options {
	return Options{
		Schedule:    "@every 5m",
		Concurrency: 2,
		Timeout:     time.Minute,
	}
}

// Scheduler runs sweeps on a cron schedule.
type Scheduler struct {
	src  Source
	opts Options
	cron *cron.Cron

	mu   sync.Mutex
	last *Report
}

// New creates a Scheduler. The schedule is validated immediately.
func New(src Source, opts Options) (*Scheduler, error) {
	def := DefaultOptions()
	if opts.Schedule == "" {
		opts.Schedule = def.Schedule
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Events = events.OrNoop(opts.Events)

	cl := cronLogger{opts.Logger.With("component", "cleanup")}
	s := &Scheduler{
		src:  src,
		opts: opts,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(opts.Schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.opts.Logger.Info("cleanup scheduler started", "schedule", s.opts.Schedule)
	s.cron.Start()
}

// Stop stops scheduling and waits for a running sweep, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastReport returns the report of the most recent run.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.opts.Logger.Warn("cleanup sweep finished with errors", "error", err)
	}
}

// RunOnce sweeps every target once. A failing target does not stop the
// others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	targets := s.src.SweepTargets()
	report := Report{
		Started: time.Now(),
		Removed: make(map[string]int, len(targets)),
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	for _, t := range targets {
		g.Go(func() error {
			removed, err := t.Sweep(ctx)
			s.opts.Metrics.RecordSweep(t.Name, removed, err)

			mu.Lock()
			defer mu.Unlock()
			report.Removed[t.Name] = removed
			if err != nil {
				if report.Errors == nil {
					report.Errors = make(map[string]string)
				}
				report.Errors[t.Name] = err.Error()
				errs = append(errs, fmt.Errorf("sweep %s: %w", t.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Duration = time.Since(report.Started)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	s.opts.Logger.Info("cleanup sweep completed",
		"removed", report.Total(),
		"targets", len(targets),
		"duration_ms", report.Duration.Milliseconds(),
	)
	ev := events.New(events.SweepCompleted, telemetry.CorrelationID(ctx)).
		WithData("removed", report.Total()).
		WithData("targets", len(targets)).
		WithData("duration_ms", report.Duration.Milliseconds())
	if len(report.Errors) > 0 {
		ev.WithData("errors", report.Errors)
	}
	s.opts.Events.Emit(ev)
	return report, errors.Join(errs...)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
