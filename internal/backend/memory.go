package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joao-brasil/connpool/pkg/bucket"
	"github.com/joao-brasil/connpool/pkg/pool"
)

// ErrClosed is returned by a closed in-memory handle.
var ErrClosed = errors.New("backend: handle is closed")

// Memory is an in-process handle used for load generation and tests.
type Memory struct {
	label  string
	closed atomic.Bool
}

// NewMemory returns an open in-memory handle.
func NewMemory(label string) *Memory {
	return &Memory{label: label}
}

// MemoryFactory returns a factory producing handles labelled <prefix>-c1, <prefix>-c2, ...
func MemoryFactory(prefix string) pool.Factory[Handle] {
	var n atomic.Uint64
	return func(ctx context.Context) (Handle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewMemory(fmt.Sprintf("%s-c%d", prefix, n.Add(1))), nil
	}
}

// Label identifies the handle.
func (m *Memory) Label() string {
	return m.label
}

func (m *Memory) Driver() string {
	return bucket.DriverMemory
}

func (m *Memory) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	return m.closed.Load()
}
