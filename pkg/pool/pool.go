// Package pool provides a bounded, concurrency-safe pool of opaque connection
// handles with lazy creation, scoped checkout/checkin, timeout-bounded waiting,
// age/idle reaping and fault isolation: a handle whose operation fails is closed
// and never handed out again.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pool owns every handle it creates. Handles are lent to one caller at a time
// through Use and return to the available stack when the caller succeeds.
type Pool[H any] struct {
	mu sync.Mutex

	opts Options
	log  *zap.Logger
	obs  Observer

	factory Factory[H]
	closer  Closer[H]

	// known holds every connection owned by the pool, checked out or not.
	known map[uint64]Conn[H]

	// available is a stack: the most recently returned connection is on top.
	available []Conn[H]

	// creating counts slots reserved for factory calls in flight.
	creating int

	lastReap        time.Time
	closed          bool
	warnedNoFactory bool

	nextID atomic.Uint64

	// notify wakes one waiter after a checkin or a discard.
	notify chan struct{}

	// now is the clock used for connection timestamps and reaping.
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of pool occupancy. The values are
// advisory; they may be stale as soon as they are returned.
type Stats struct {
	Name       string
	Max        int
	Known      int
	Available  int
	CheckedOut int
	Creating   int
}

// New creates an empty pool. Connections are created lazily once a factory
// has been injected with Configure. If opts.ReapFrequency is positive a
// background reaper runs until Close.
func New[H any](opts Options) *Pool[H] {
	opts.applyDefaults()

	p := &Pool[H]{
		opts:      opts,
		log:       opts.Logger.Named("pool").With(zap.String("pool", opts.Name)),
		obs:       opts.Observer,
		known:     make(map[uint64]Conn[H], opts.Size),
		available: make([]Conn[H], 0, opts.Size),
		notify:    make(chan struct{}, 1),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	p.lastReap = p.now()
	p.obs.Gauges(opts.Name, 0, 0, opts.Size)

	if opts.ReapFrequency > 0 {
		p.wg.Add(1)
		go p.reapLoop(opts.ReapFrequency)
	}

	p.log.Debug("pool created",
		zap.Int("size", opts.Size),
		zap.Duration("timeout", opts.Timeout),
		zap.Duration("max_age", opts.MaxAge),
		zap.Duration("max_idle", opts.MaxIdle),
		zap.Duration("reap_frequency", opts.ReapFrequency))
	return p
}

// Configure injects the factory used to create handles and the closer used to
// release them. A nil closer leaves handles to the garbage collector.
func (p *Pool[H]) Configure(factory Factory[H], closer Closer[H]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory = factory
	p.closer = closer
	p.warnedNoFactory = false
}

// Name returns the pool name used in logs and metrics.
func (p *Pool[H]) Name() string {
	return p.opts.Name
}

// Options returns the effective options after defaults were applied.
func (p *Pool[H]) Options() Options {
	return p.opts
}

// Use runs fn with exclusive use of one handle, waiting at most the configured
// timeout for one to become available.
//
// When fn returns nil the handle goes back to the pool. When fn returns an
// error or panics, the handle is closed and dropped, and the error (or panic)
// propagates unchanged. Pool failures are *TimeoutError, *ConfigurationError,
// ErrPoolExhausted and ErrPoolClosed.
//
// Without a configured factory the pool can never grow, so Use waits out the
// timeout and returns a *TimeoutError. With a non-positive timeout nothing is
// waited for and the result is ErrPoolExhausted, factory or not.
func (p *Pool[H]) Use(ctx context.Context, fn func(ctx context.Context, h H) error) error {
	return p.UseTimeout(ctx, p.opts.Timeout, fn)
}

// UseTimeout is Use with a per-call timeout override.
func (p *Pool[H]) UseTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, h H) error) error {
	conn, err := p.checkout(ctx, timeout)
	if err != nil {
		return err
	}

	succeeded := false
	defer func() {
		if succeeded {
			p.checkin(conn)
		} else {
			p.discard(conn, err)
		}
	}()

	err = fn(ctx, conn.handle)
	succeeded = err == nil
	return err
}

// Query is Use for operations that produce a value.
func Query[H, T any](ctx context.Context, p *Pool[H], fn func(ctx context.Context, h H) (T, error)) (T, error) {
	var out T
	err := p.Use(ctx, func(ctx context.Context, h H) error {
		v, err := fn(ctx, h)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Size returns the number of connections the pool currently owns.
func (p *Pool[H]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.known)
}

// Available returns the number of connections ready for checkout.
func (p *Pool[H]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// CheckedOut returns the number of connections lent to callers.
func (p *Pool[H]) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.known) - len(p.available)
}

// Stats returns a snapshot of all counters.
func (p *Pool[H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:       p.opts.Name,
		Max:        p.opts.Size,
		Known:      len(p.known),
		Available:  len(p.available),
		CheckedOut: len(p.known) - len(p.available),
		Creating:   p.creating,
	}
}

// Disconnect closes every connection the pool owns, including checked-out
// ones, and empties the pool. It must only be called when no operation is in
// flight; a handle still in use is closed under its borrower and will not be
// returned to the pool. The pool stays usable and grows again on demand.
// Calling Disconnect on an empty pool is a no-op.
func (p *Pool[H]) Disconnect() {
	p.mu.Lock()
	doomed := make([]Conn[H], 0, len(p.known))
	for _, c := range p.known {
		doomed = append(doomed, c)
	}
	p.known = make(map[uint64]Conn[H], p.opts.Size)
	p.available = make([]Conn[H], 0, p.opts.Size)
	closer := p.closer
	p.updateGauges()
	p.mu.Unlock()

	if len(doomed) == 0 {
		return
	}
	p.closeConns(closer, doomed, "disconnected")
	p.log.Info("pool disconnected", zap.Int("closed", len(doomed)))
}

// Close disconnects the pool, stops the background reaper and makes every
// later Use fail with ErrPoolClosed. Waiting callers are released with
// ErrPoolClosed as well. Close is idempotent.
func (p *Pool[H]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.Disconnect()

	p.log.Info("pool closed")
	return nil
}

// ── Checkout / checkin ──────────────────────────────────────────────────

type takeResult int

const (
	takeWait takeResult = iota
	takeIdle
	takeCreate
)

// checkout obtains a connection for exclusive use, creating or waiting as needed.
func (p *Pool[H]) checkout(ctx context.Context, timeout time.Duration) (Conn[H], error) {
	var zero Conn[H]

	start := time.Now()
	var ticker *time.Ticker

	for {
		conn, result, factory, err := p.take()
		if err != nil {
			return zero, err
		}

		switch result {
		case takeIdle:
			p.acquired(start)
			return conn, nil
		case takeCreate:
			conn, err := p.create(ctx, factory)
			if err != nil {
				return zero, err
			}
			p.acquired(start)
			return conn, nil
		}

		if timeout <= 0 {
			p.obs.Event(p.opts.Name, "exhausted")
			return zero, fmt.Errorf("pool %s: %w", p.opts.Name, ErrPoolExhausted)
		}

		waited := time.Since(start)
		if waited >= timeout {
			p.obs.Event(p.opts.Name, "timeout")
			p.obs.Waited(p.opts.Name, waited)
			p.log.Debug("connection timeout", zap.Duration("waited", waited), zap.Duration("timeout", timeout))
			return zero, &TimeoutError{Pool: p.opts.Name, Waited: waited, Timeout: timeout}
		}

		if ticker == nil {
			ticker = time.NewTicker(pollInterval)
			defer ticker.Stop()
		}

		select {
		case <-p.notify:
		case <-ticker.C:
		case <-p.stopCh:
			return zero, ErrPoolClosed
		case <-ctx.Done():
			p.obs.Event(p.opts.Name, "cancelled")
			return zero, ctx.Err()
		}
	}
}

// take performs one locked checkout attempt: reap if due, pop the top of the
// available stack or reserve a creation slot.
func (p *Pool[H]) take() (Conn[H], takeResult, Factory[H], error) {
	var zero Conn[H]

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, takeWait, nil, ErrPoolClosed
	}

	var doomed []Conn[H]
	now := p.now()
	if now.Sub(p.lastReap) >= p.opts.ReapFrequency {
		doomed = p.reapLocked(now)
	}
	closer := p.closer

	if n := len(p.available); n > 0 {
		conn := p.available[n-1]
		p.available = p.available[:n-1]
		p.updateGauges()
		p.mu.Unlock()
		p.closeReaped(closer, doomed)
		return conn, takeIdle, nil, nil
	}

	if len(p.known)+p.creating < p.opts.Size {
		if p.factory != nil {
			p.creating++
			factory := p.factory
			p.mu.Unlock()
			p.closeReaped(closer, doomed)
			return zero, takeCreate, factory, nil
		}
		if !p.warnedNoFactory {
			p.warnedNoFactory = true
			p.log.Warn("no connection factory configured, acquisitions will time out")
		}
	}

	p.mu.Unlock()
	p.closeReaped(closer, doomed)
	return zero, takeWait, nil, nil
}

// create calls the factory outside the lock for a slot reserved by take.
func (p *Pool[H]) create(ctx context.Context, factory Factory[H]) (Conn[H], error) {
	var zero Conn[H]

	h, err := callFactory(ctx, factory)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.signal()
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			p.obs.Event(p.opts.Name, "cancelled")
			p.log.Debug("connection creation cancelled", zap.Error(err))
			return zero, ctxErr
		}
		p.obs.Event(p.opts.Name, "create_failed")
		p.log.Warn("connection factory failed", zap.Error(err))
		return zero, &ConfigurationError{Pool: p.opts.Name, Err: err}
	}
	if p.closed {
		closer := p.closer
		p.mu.Unlock()
		p.closeConns(closer, []Conn[H]{newConn(0, h, p.now())}, "closed")
		return zero, ErrPoolClosed
	}

	conn := newConn(p.nextID.Add(1), h, p.now())
	p.known[conn.id] = conn
	p.updateGauges()
	p.mu.Unlock()

	p.obs.Event(p.opts.Name, "created")
	p.log.Debug("connection created", zap.Uint64("conn_id", conn.id))
	return conn, nil
}

// checkin returns a connection whose operation succeeded to the top of the stack.
func (p *Pool[H]) checkin(conn Conn[H]) {
	conn = conn.TouchAt(p.now())

	p.mu.Lock()
	if _, ok := p.known[conn.id]; !ok {
		// Dropped by Disconnect while in use; it is already closed.
		p.mu.Unlock()
		return
	}
	p.known[conn.id] = conn
	p.available = append(p.available, conn)
	p.updateGauges()
	p.mu.Unlock()

	p.signal()
	p.obs.Event(p.opts.Name, "released")
}

// discard drops a connection whose operation failed and closes its handle.
func (p *Pool[H]) discard(conn Conn[H], cause error) {
	p.mu.Lock()
	_, owned := p.known[conn.id]
	delete(p.known, conn.id)
	closer := p.closer
	p.updateGauges()
	p.mu.Unlock()

	p.signal()
	if !owned {
		return
	}

	p.obs.Event(p.opts.Name, "discarded")
	if cause != nil {
		p.log.Debug("discarding connection after failed operation",
			zap.Uint64("conn_id", conn.id), zap.Error(cause))
	} else {
		p.log.Debug("discarding connection after panic", zap.Uint64("conn_id", conn.id))
	}
	p.closeConns(closer, []Conn[H]{conn}, "discarded")
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool[H]) acquired(start time.Time) {
	p.obs.Event(p.opts.Name, "acquired")
	p.obs.Waited(p.opts.Name, time.Since(start))
}

// signal wakes one waiter without blocking.
func (p *Pool[H]) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// updateGauges pushes current counts to the observer. Caller must hold mu.
func (p *Pool[H]) updateGauges() {
	p.obs.Gauges(p.opts.Name, len(p.known), len(p.available), p.opts.Size)
}

// closeConns closes each handle. Failures are logged and never stop the loop.
func (p *Pool[H]) closeConns(closer Closer[H], conns []Conn[H], reason string) {
	if closer == nil {
		return
	}
	for _, c := range conns {
		if err := callCloser(closer, c.handle); err != nil {
			p.obs.Event(p.opts.Name, "close_failed")
			p.log.Warn("closing connection failed",
				zap.Uint64("conn_id", c.id), zap.String("reason", reason), zap.Error(err))
		}
	}
}

func callFactory[H any](ctx context.Context, factory Factory[H]) (h H, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return factory(ctx)
}

func callCloser[H any](closer Closer[H], h H) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("closer panic: %v", r)
		}
	}()
	return closer(h)
}
