// Package backend opens the database handles pooled for each bucket.
// Every driver yields one physical connection behind the Handle interface,
// so the pool can treat them uniformly as opaque resources.
package backend

import (
	"context"
	"fmt"

	"github.com/joao-brasil/connpool/pkg/bucket"
	"github.com/joao-brasil/connpool/pkg/pool"
)

// Handle is one live backend connection.
type Handle interface {
	// Driver names the backend kind (sqlserver, postgres, redis, memory).
	Driver() string
	// Ping checks the connection is still usable.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

// Open establishes and verifies one connection to the bucket's backend.
func Open(ctx context.Context, b *bucket.Bucket) (Handle, error) {
	if b.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.ConnectionTimeout)
		defer cancel()
	}

	switch b.Driver {
	case "", bucket.DriverSQLServer:
		return openSQLServer(ctx, b)
	case bucket.DriverPostgres:
		return openPostgres(ctx, b)
	case bucket.DriverRedis:
		return openRedis(ctx, b)
	case bucket.DriverMemory:
		return NewMemory(b.ID), nil
	default:
		return nil, fmt.Errorf("bucket %s: unsupported driver %q", b.ID, b.Driver)
	}
}

// Factory adapts Open to a pool factory for the bucket.
func Factory(b *bucket.Bucket) pool.Factory[Handle] {
	if b.Driver == bucket.DriverMemory {
		return MemoryFactory(b.ID)
	}
	return func(ctx context.Context) (Handle, error) {
		return Open(ctx, b)
	}
}

// Close is the pool closer for every driver.
func Close(h Handle) error {
	return h.Close()
}
