package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/connpool/internal/backend"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/pkg/bucket"
	"github.com/joao-brasil/connpool/pkg/pool"
)

func memoryConfig(ids ...string) *config.Config {
	cfg := &config.Config{}
	for _, id := range ids {
		cfg.Buckets = append(cfg.Buckets, bucket.Bucket{
			ID:             id,
			Driver:         bucket.DriverMemory,
			MaxConnections: 2,
			QueueTimeout:   100 * time.Millisecond,
		})
	}
	return cfg
}

func newManager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	m := New(cfg, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestUseRoutesToBucketPool(t *testing.T) {
	m := newManager(t, memoryConfig("bucket-a", "bucket-b"))

	var label string
	err := m.Use(context.Background(), "bucket-b", func(ctx context.Context, h backend.Handle) error {
		label = h.(*backend.Memory).Label()
		return h.Ping(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, "bucket-b-c1", label)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "bucket-a", stats[0].Name)
	assert.Equal(t, 0, stats[0].Known)
	assert.Equal(t, "bucket-b", stats[1].Name)
	assert.Equal(t, 1, stats[1].Available)
	assert.Equal(t, []string{"bucket-a", "bucket-b"}, m.Buckets())
}

func TestUseUnknownBucket(t *testing.T) {
	m := newManager(t, memoryConfig("bucket-a"))

	err := m.Use(context.Background(), "nope", func(ctx context.Context, h backend.Handle) error { return nil })
	assert.ErrorContains(t, err, "unknown bucket: nope")
}

func TestUseDiscardsOnError(t *testing.T) {
	m := newManager(t, memoryConfig("bucket-a"))
	queryErr := errors.New("deadlock victim")

	var held *backend.Memory
	err := m.Use(context.Background(), "bucket-a", func(ctx context.Context, h backend.Handle) error {
		held = h.(*backend.Memory)
		return queryErr
	})

	assert.ErrorIs(t, err, queryErr)
	assert.True(t, held.Closed())
	p, _ := m.Pool("bucket-a")
	assert.Equal(t, 0, p.Size())
}

type resettable struct {
	*backend.Memory
	resetErr error
	resets   int
}

func (r *resettable) ResetSession(ctx context.Context) error {
	r.resets++
	return r.resetErr
}

func TestSessionResetFailureDiscardsConnection(t *testing.T) {
	var handles []*resettable
	factory := func(b *bucket.Bucket) pool.Factory[backend.Handle] {
		return func(ctx context.Context) (backend.Handle, error) {
			h := &resettable{Memory: backend.NewMemory(b.ID)}
			if len(handles) == 0 {
				h.resetErr = errors.New("reset failed")
			}
			handles = append(handles, h)
			return h, nil
		}
	}
	m := newManager(t, memoryConfig("bucket-a"), WithFactory(factory), WithSessionReset())
	noop := func(ctx context.Context, h backend.Handle) error { return nil }

	err := m.Use(context.Background(), "bucket-a", noop)
	assert.ErrorContains(t, err, "resetting session")
	require.Len(t, handles, 1)
	assert.True(t, handles[0].Closed())

	require.NoError(t, m.Use(context.Background(), "bucket-a", noop))
	require.Len(t, handles, 2)
	assert.Equal(t, 1, handles[1].resets)

	p, _ := m.Pool("bucket-a")
	assert.Equal(t, 1, p.Available())
}

func TestReapAndDisconnect(t *testing.T) {
	cfg := memoryConfig("bucket-a")
	cfg.Buckets[0].MaxIdleTime = time.Millisecond
	m := newManager(t, cfg)

	noop := func(ctx context.Context, h backend.Handle) error { return nil }
	require.NoError(t, m.Use(context.Background(), "bucket-a", noop))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, m.Reap())

	require.NoError(t, m.Use(context.Background(), "bucket-a", noop))
	m.Disconnect()
	p, _ := m.Pool("bucket-a")
	assert.Equal(t, 0, p.Size())
}

func TestCloseShutsDownPools(t *testing.T) {
	m := New(memoryConfig("bucket-a"))
	p, _ := m.Pool("bucket-a")

	require.NoError(t, m.Close())

	err := p.Use(context.Background(), func(ctx context.Context, h backend.Handle) error { return nil })
	assert.ErrorIs(t, err, pool.ErrPoolClosed)

	err = m.Use(context.Background(), "bucket-a", func(ctx context.Context, h backend.Handle) error { return nil })
	assert.ErrorContains(t, err, "unknown bucket")
}

func TestWarmUpFillsToMinIdle(t *testing.T) {
	cfg := memoryConfig("bucket-a", "bucket-b")
	cfg.Buckets[0].MinIdle = 2
	m := newManager(t, cfg)

	assert.Equal(t, 2, m.WarmUp(context.Background()))

	stats := m.Stats()
	assert.Equal(t, 2, stats[0].Available)
	assert.Equal(t, 0, stats[1].Known, "buckets without min_idle stay lazy")
	assert.Equal(t, 0, m.WarmUp(context.Background()))
}

func TestSweepDropsBrokenIdleConnections(t *testing.T) {
	m := newManager(t, memoryConfig("bucket-a"))

	// The operation succeeds, so the closed handle goes back to the pool.
	require.NoError(t, m.Use(context.Background(), "bucket-a", func(ctx context.Context, h backend.Handle) error {
		return h.Close()
	}))

	n, err := m.Sweep(context.Background(), "bucket-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, _ := m.Pool("bucket-a")
	assert.Equal(t, 0, p.Size())

	_, err = m.Sweep(context.Background(), "nope")
	assert.ErrorContains(t, err, "unknown bucket: nope")
}
