package store

import (
	"context"
	"fmt"

	"github.com/szaher/sessionstore/internal/kv"
	"github.com/szaher/sessionstore/internal/kv/badgerkv"
	"github.com/szaher/sessionstore/internal/kv/etcdkv"
	"github.com/szaher/sessionstore/internal/kv/pgkv"
)

// Backend names accepted by DriverConfig.
const (
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// Dialer opens a connection to the durable backend.
type Dialer func(ctx context.Context) (kv.Client, error)

// DriverConfig selects and configures the durable driver.
type DriverConfig struct {
	Backend  string
	Etcd     etcdkv.Options
	Postgres pgkv.Options
	Badger   badgerkv.Options
}

// NewDialer returns the dialer for dc.Backend. The memory backend has no
// dialer and yields nil.
func NewDialer(dc DriverConfig) (Dialer, error) {
	switch dc.Backend {
	case BackendEtcd:
		return func(context.Context) (kv.Client, error) { return etcdkv.New(dc.Etcd) }, nil
	case BackendPostgres:
		return func(ctx context.Context) (kv.Client, error) { return pgkv.New(ctx, dc.Postgres) }, nil
	case BackendBadger:
		return func(context.Context) (kv.Client, error) { return badgerkv.Open(dc.Badger) }, nil
	case BackendMemory, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", dc.Backend)
	}
}
