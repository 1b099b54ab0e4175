package store

import (
	"context"
	"time"

	"github.com/szaher/sessionstore/internal/cleanup"
	"github.com/szaher/sessionstore/internal/memory"
	"github.com/szaher/sessionstore/internal/pool"
	"github.com/szaher/sessionstore/internal/security"
)

// Stats describes the facade's current state.
type Stats struct {
	StoreType      string          `json:"store_type"`
	Driver         string          `json:"driver"`
	Demoted        bool            `json:"demoted"`
	DemotedAt      time.Time       `json:"demoted_at,omitzero"`
	Reason         string          `json:"reason,omitempty"`
	Pool           *pool.Stats     `json:"pool,omitempty"`
	FlaggedSources []security.Flag `json:"flagged_sources,omitempty"`
}

// Stats returns a snapshot.
func (f *Facade) Stats() Stats {
	b := f.active.Load()
	s := Stats{
		StoreType:      string(b.kind),
		Driver:         b.driver,
		FlaggedSources: f.guard.Detector().Flags(),
	}
	if b.pool != nil {
		ps := b.pool.Stats()
		s.Pool = &ps
	}

	f.mu.Lock()
	s.Demoted = f.demoted
	s.DemotedAt = f.demotedAt
	s.Reason = f.reason
	f.mu.Unlock()
	return s
}

// SweepTargets lists the keyspaces of the active backend plus the security
// flags. It is re-evaluated on every sweep.
func (f *Facade) SweepTargets() []cleanup.Target {
	b := f.active.Load()
	targets := []cleanup.Target{{
		Name:  "session",
		Sweep: b.sessions.Sweep,
	}}
	for _, ks := range memory.Keyspaces {
		targets = append(targets, cleanup.Target{
			Name:  "memory_" + string(ks),
			Sweep: func(ctx context.Context) (int, error) { return b.memory.Sweep(ctx, ks) },
		})
	}
	targets = append(targets, cleanup.Target{
		Name: "security_flags",
		Sweep: func(context.Context) (int, error) {
			return f.guard.Detector().Sweep(), nil
		},
	})
	return targets
}
