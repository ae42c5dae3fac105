package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a labelled handle that records whether it was closed and
// whether it is currently lent out.
type fakeConn struct {
	label  string
	closed atomic.Bool
	inUse  atomic.Bool
}

// fakeBackend hands out fakeConns labelled c1, c2, ...
type fakeBackend struct {
	created atomic.Int32
	closed  atomic.Int32

	mu       sync.Mutex
	failNext error
	closeErr error
}

func (b *fakeBackend) factory(ctx context.Context) (*fakeConn, error) {
	b.mu.Lock()
	err := b.failNext
	b.failNext = nil
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	n := b.created.Add(1)
	return &fakeConn{label: fmt.Sprintf("c%d", n)}, nil
}

func (b *fakeBackend) closer(c *fakeConn) error {
	c.closed.Store(true)
	b.closed.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeErr
}

func (b *fakeBackend) failOnce(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestPool builds a configured pool that is closed when the test ends.
func newTestPool(t *testing.T, opts Options) (*Pool[*fakeConn], *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	p := New[*fakeConn](opts)
	p.Configure(b.factory, b.closer)
	t.Cleanup(func() { p.Close() })
	return p, b
}

// withClock swaps the pool clock and resets the reap schedule to it.
func withClock(p *Pool[*fakeConn], clk *fakeClock) {
	p.mu.Lock()
	p.now = clk.Now
	p.lastReap = clk.Now()
	p.mu.Unlock()
}

var errBoom = errors.New("boom")

// hold checks out a connection and keeps it until release is closed.
// The label is sent on acquired once the handle is in hand.
func hold(p *Pool[*fakeConn], acquired chan<- string, release <-chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.Use(context.Background(), func(ctx context.Context, c *fakeConn) error {
			acquired <- c.label
			<-release
			return nil
		})
	}()
	return done
}
