package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestUseReusesConnection(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 3})

	var labels []string
	for i := 0; i < 3; i++ {
		err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
			labels = append(labels, c.label)
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"c1", "c1", "c1"}, labels)
	assert.EqualValues(t, 1, b.created.Load())
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, 1, p.Available())
	assert.Equal(t, 0, p.CheckedOut())
}

func TestUseCountsWhileCheckedOut(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 2})

	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
		assert.Equal(t, 1, p.Size())
		assert.Equal(t, 0, p.Available())
		assert.Equal(t, 1, p.CheckedOut())
		return nil
	})
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, Stats{Name: "default", Max: 2, Known: 1, Available: 1}, stats)
}

func TestUseIsLastInFirstOut(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 2})
	ctx := context.Background()

	// Hold c1 while creating c2; c2 is returned first, c1 last.
	err := p.Use(ctx, func(ctx context.Context, outer *fakeConn) error {
		return p.Use(ctx, func(ctx context.Context, inner *fakeConn) error {
			assert.Equal(t, "c1", outer.label)
			assert.Equal(t, "c2", inner.label)
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 2, p.Available())

	var got string
	err = p.Use(ctx, func(ctx context.Context, c *fakeConn) error {
		got = c.label
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", got, "most recently returned connection is reused first")
}

func TestOperationErrorDiscardsConnection(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 2})
	ctx := context.Background()

	var first *fakeConn
	err := p.Use(ctx, func(ctx context.Context, c *fakeConn) error {
		first = c
		return errBoom
	})

	require.ErrorIs(t, err, errBoom)
	assert.False(t, IsPoolError(err), "operation errors propagate unchanged")
	assert.True(t, first.closed.Load())
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 0, p.Available())

	var second *fakeConn
	err = p.Use(ctx, func(ctx context.Context, c *fakeConn) error {
		second = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "c2", second.label)
	assert.EqualValues(t, 2, b.created.Load())
}

func TestPanicDiscardsConnection(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1})

	var held *fakeConn
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
			held = c
			panic("kaboom")
		})
	})

	require.NotNil(t, held)
	assert.True(t, held.closed.Load())
	assert.Equal(t, 0, p.Size())

	// The slot must be free again.
	err := p.UseTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context, c *fakeConn) error {
		assert.Equal(t, "c2", c.label)
		return nil
	})
	require.NoError(t, err)
}

func TestFactoryFailureIsConfigurationError(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 1})
	dialErr := errors.New("dial tcp: connection refused")
	b.failOnce(dialErr)

	called := false
	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsConfiguration(err))
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 0, p.Stats().Creating, "reserved slot is released")

	// Not retried by the pool, but the next call may succeed.
	err = p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())
}

func TestFactoryPanicIsConfigurationError(t *testing.T) {
	p := New[*fakeConn](Options{Size: 1})
	t.Cleanup(func() { p.Close() })
	p.Configure(func(ctx context.Context) (*fakeConn, error) {
		panic("driver bug")
	}, nil)

	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	assert.True(t, IsConfiguration(err))
	assert.Contains(t, err.Error(), "driver bug")
}

func TestCancelDuringCreationIsNotConfigurationError(t *testing.T) {
	p := New[*fakeConn](Options{Size: 1})
	t.Cleanup(func() { p.Close() })

	dialing := make(chan struct{})
	p.Configure(func(ctx context.Context) (*fakeConn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, fmt.Errorf("dial tcp: %w", ctx.Err())
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-dialing
		cancel()
	}()

	err := p.Use(ctx, func(ctx context.Context, c *fakeConn) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsConfiguration(err))
	assert.Equal(t, 0, p.Stats().Creating)
	assert.Equal(t, 0, p.Size())
}

func TestFactoryDeadlineOfItsOwnIsConfigurationError(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 1})
	b.failOnce(fmt.Errorf("login: %w", context.DeadlineExceeded))

	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })

	assert.True(t, IsConfiguration(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNonPositiveTimeoutWithoutFactoryIsExhausted(t *testing.T) {
	p := New[*fakeConn](Options{Size: 2})
	t.Cleanup(func() { p.Close() })

	for _, timeout := range []time.Duration{0, -time.Second} {
		start := time.Now()
		err := p.UseTimeout(context.Background(), timeout, func(ctx context.Context, c *fakeConn) error { return nil })

		assert.ErrorIs(t, err, ErrPoolExhausted)
		assert.False(t, IsTimeout(err))
		assert.Less(t, time.Since(start), time.Second)
	}
}

func TestUseWithoutFactoryTimesOut(t *testing.T) {
	p := New[*fakeConn](Options{Size: 2, Timeout: 50 * time.Millisecond})
	t.Cleanup(func() { p.Close() })

	start := time.Now()
	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })

	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, p.Size())
}

func TestSizeOneSecondCallerWaitsForFirst(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 1, Timeout: time.Second})

	acquired := make(chan string, 1)
	release := make(chan struct{})
	first := hold(p, acquired, release)
	require.Equal(t, "c1", <-acquired)

	var secondLabel string
	second := make(chan error, 1)
	go func() {
		second <- p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
			secondLabel = c.label
			return nil
		})
	}()

	select {
	case err := <-second:
		t.Fatalf("second caller must wait, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, "c1", secondLabel)
	assert.EqualValues(t, 1, b.created.Load())
}

func TestTimeoutWhileConnectionHeld(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, Timeout: 100 * time.Millisecond})

	acquired := make(chan struct{})
	first := make(chan error, 1)
	firstStart := time.Now()
	go func() {
		first <- p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
			close(acquired)
			time.Sleep(500 * time.Millisecond)
			return nil
		})
	}()
	<-acquired

	start := time.Now()
	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
		t.Error("second caller must not get the connection")
		return nil
	})
	waited := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, waited, 100*time.Millisecond)
	assert.Less(t, waited, 400*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, te.Timeout)

	require.NoError(t, <-first)
	assert.GreaterOrEqual(t, time.Since(firstStart), 500*time.Millisecond)
	assert.Equal(t, 1, p.Available())
	assert.Equal(t, 0, p.CheckedOut())
}

func TestUseTimeoutOverride(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, Timeout: time.Minute})

	acquired := make(chan string, 1)
	release := make(chan struct{})
	first := hold(p, acquired, release)
	<-acquired

	start := time.Now()
	err := p.UseTimeout(context.Background(), 30*time.Millisecond, func(ctx context.Context, c *fakeConn) error { return nil })
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, <-first)
}

func TestNonPositiveTimeoutFailsFastWhenExhausted(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1})

	acquired := make(chan string, 1)
	release := make(chan struct{})
	first := hold(p, acquired, release)
	<-acquired

	err := p.UseTimeout(context.Background(), -1, func(ctx context.Context, c *fakeConn) error { return nil })
	assert.ErrorIs(t, err, ErrPoolExhausted)

	close(release)
	require.NoError(t, <-first)

	// With a free connection a non-positive timeout still succeeds.
	err = p.UseTimeout(context.Background(), 0, func(ctx context.Context, c *fakeConn) error { return nil })
	assert.NoError(t, err)
}

func TestWaitingCallerHonoursContext(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, Timeout: time.Minute})

	acquired := make(chan string, 1)
	release := make(chan struct{})
	first := hold(p, acquired, release)
	<-acquired

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Use(ctx, func(ctx context.Context, c *fakeConn) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-first)
}

func TestThreeConcurrentCallersGetDistinctHandles(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 3, Timeout: time.Second})

	var (
		mu     sync.Mutex
		seen   = map[string]int{}
		inside sync.WaitGroup
		wg     sync.WaitGroup
	)
	inside.Add(3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
				mu.Lock()
				seen[c.label]++
				mu.Unlock()
				// All three hold their handle at the same time.
				inside.Done()
				inside.Wait()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"c1": 1, "c2": 1, "c3": 1}, seen)
	assert.Equal(t, 3, p.Available())
}

func TestConcurrentUseNeverLendsHandleTwice(t *testing.T) {
	const size = 4
	p, b := newTestPool(t, Options{Size: size, Timeout: 5 * time.Second})

	var (
		wg          sync.WaitGroup
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		doubleLent  atomic.Int32
	)

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				fail := rng.Intn(10) == 0
				_ = p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
					if !c.inUse.CompareAndSwap(false, true) {
						doubleLent.Add(1)
					}
					n := inFlight.Add(1)
					for {
						m := maxInFlight.Load()
						if n <= m || maxInFlight.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
					inFlight.Add(-1)
					c.inUse.Store(false)
					if fail {
						return errBoom
					}
					return nil
				})

				stats := p.Stats()
				assert.LessOrEqual(t, stats.Known, size)
				assert.Equal(t, stats.Known, stats.Available+stats.CheckedOut)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Zero(t, doubleLent.Load())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(size))
	assert.Equal(t, 0, p.CheckedOut())
	assert.LessOrEqual(t, p.Size(), size)
	assert.Equal(t, p.Size(), p.Available())
	assert.EqualValues(t, b.created.Load()-int32(p.Size()), b.closed.Load(),
		"every connection not in the pool was closed")
}

func TestDisconnectClosesEverythingAndIsIdempotent(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 2})
	ctx := context.Background()

	var handles []*fakeConn
	err := p.Use(ctx, func(ctx context.Context, outer *fakeConn) error {
		return p.Use(ctx, func(ctx context.Context, inner *fakeConn) error {
			handles = append(handles, outer, inner)
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 2, p.Available())

	p.Disconnect()

	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 0, p.Available())
	assert.Equal(t, 0, p.CheckedOut())
	for _, h := range handles {
		assert.True(t, h.closed.Load(), h.label)
	}

	assert.NotPanics(t, p.Disconnect)
	assert.EqualValues(t, 2, b.closed.Load())

	// The pool grows again on demand.
	err = p.Use(ctx, func(ctx context.Context, c *fakeConn) error {
		assert.Equal(t, "c3", c.label)
		return nil
	})
	require.NoError(t, err)
}

func TestDisconnectReachesCheckedOutConnections(t *testing.T) {
	p, b := newTestPool(t, Options{Size: 1})

	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
		p.Disconnect()
		assert.True(t, c.closed.Load())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 0, p.Size())
	assert.Equal(t, 0, p.Available(), "a dropped connection is not returned on checkin")
	assert.EqualValues(t, 1, b.closed.Load(), "closed exactly once")
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1})
	require.NoError(t, p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil }))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, 0, p.Size())
}

func TestCloseReleasesWaiters(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, Timeout: time.Minute})

	acquired := make(chan string, 1)
	release := make(chan struct{})
	first := hold(p, acquired, release)
	<-acquired

	waiter := make(chan error, 1)
	go func() {
		waiter <- p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-waiter:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, 0, p.Available())
}

func TestQueryReturnsValue(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1})

	label, err := Query(context.Background(), p, func(ctx context.Context, c *fakeConn) (string, error) {
		return c.label, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", label)

	_, err = Query(context.Background(), p, func(ctx context.Context, c *fakeConn) (int, error) {
		return 0, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, p.Size())
}

func TestCloseErrorsAreLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p, b := newTestPool(t, Options{Size: 1, Logger: zap.New(core)})
	b.closeErr = errors.New("socket already closed")

	err := p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
		return errBoom
	})

	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, b.closeErr)
	assert.Equal(t, 1, logs.FilterMessage("closing connection failed").Len())
}

type recordingObserver struct {
	mu     sync.Mutex
	events map[string]int
	known  int
	avail  int
}

func (o *recordingObserver) Gauges(_ string, known, available, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.known, o.avail = known, available
}

func (o *recordingObserver) Event(_ string, event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[event]++
}

func (o *recordingObserver) Waited(string, time.Duration) {}

func TestObserverReceivesEvents(t *testing.T) {
	obs := &recordingObserver{events: map[string]int{}}
	p, _ := newTestPool(t, Options{Size: 1, Observer: obs})
	ctx := context.Background()

	require.NoError(t, p.Use(ctx, func(ctx context.Context, c *fakeConn) error { return nil }))
	require.ErrorIs(t, p.Use(ctx, func(ctx context.Context, c *fakeConn) error { return errBoom }), errBoom)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.events["acquired"])
	assert.Equal(t, 1, obs.events["created"])
	assert.Equal(t, 1, obs.events["released"])
	assert.Equal(t, 1, obs.events["discarded"])
	assert.Equal(t, 0, obs.known)
	assert.Equal(t, 0, obs.avail)
}
