package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reap closes every available connection that is older than MaxAge or has been
// idle longer than MaxIdle and returns how many were removed. Checked-out
// connections are never touched.
func (p *Pool[H]) Reap() int {
	p.mu.Lock()
	doomed := p.reapLocked(p.now())
	closer := p.closer
	p.mu.Unlock()

	p.closeReaped(closer, doomed)
	return len(doomed)
}

// reapLocked removes expired or stale connections from both collections and
// returns them for closing outside the lock. Caller must hold mu.
func (p *Pool[H]) reapLocked(now time.Time) []Conn[H] {
	p.lastReap = now

	var doomed []Conn[H]
	fresh := p.available[:0]
	for _, c := range p.available {
		if c.ExpiredAt(now, p.opts.MaxAge) || c.StaleAt(now, p.opts.MaxIdle) {
			delete(p.known, c.id)
			doomed = append(doomed, c)
			continue
		}
		fresh = append(fresh, c)
	}
	// Clear the tail so reaped handles are not kept reachable.
	for i := len(fresh); i < len(p.available); i++ {
		p.available[i] = Conn[H]{}
	}
	p.available = fresh

	if len(doomed) > 0 {
		p.updateGauges()
	}
	return doomed
}

func (p *Pool[H]) closeReaped(closer Closer[H], doomed []Conn[H]) {
	if len(doomed) == 0 {
		return
	}
	p.closeConns(closer, doomed, "reaped")
	for range doomed {
		p.obs.Event(p.opts.Name, "reaped")
	}
	p.signal()
	p.log.Debug("reaped connections", zap.Int("count", len(doomed)))
}

// reapLoop runs Reap every interval until Close.
func (p *Pool[H]) reapLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapPass()
		}
	}
}

// warmUpTimeout bounds one background warm-up.
const warmUpTimeout = 10 * time.Second

// reapPass is one best-effort background reap followed by a warm-up to
// MinIdle; a panic is logged, not fatal.
func (p *Pool[H]) reapPass() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("reap pass failed", zap.Any("panic", r))
		}
	}()
	if n := p.Reap(); n > 0 {
		p.log.Info("background reap", zap.Int("reaped", n))
	}
	if p.opts.MinIdle == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), warmUpTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	if n := p.WarmUp(ctx); n > 0 {
		p.log.Debug("warmed connections", zap.Int("created", n))
	}
}

// WarmUp creates connections until MinIdle are available or the pool is
// full, and returns how many were created. The factory runs outside the lock
// and a failure stops the warm-up without being retried.
func (p *Pool[H]) WarmUp(ctx context.Context) int {
	created := 0
	for {
		p.mu.Lock()
		if p.closed || p.factory == nil ||
			len(p.available)+p.creating >= p.opts.MinIdle ||
			len(p.known)+p.creating >= p.opts.Size {
			p.mu.Unlock()
			return created
		}
		p.creating++
		factory := p.factory
		p.mu.Unlock()

		conn, err := p.create(ctx, factory)
		if err != nil {
			return created
		}

		p.mu.Lock()
		if _, ok := p.known[conn.id]; ok {
			p.available = append(p.available, conn)
			p.updateGauges()
		}
		p.mu.Unlock()
		p.signal()
		created++
	}
}

// Sweep checks every idle connection with check and discards the ones that
// fail. Checks run outside the lock; while a connection is being checked it
// counts as checked out. Survivors go back under any connection returned in
// the meantime, keeping their last-use time. Sweep returns how many were
// discarded.
func (p *Pool[H]) Sweep(ctx context.Context, check func(ctx context.Context, h H) error) int {
	p.mu.Lock()
	if p.closed || len(p.available) == 0 {
		p.mu.Unlock()
		return 0
	}
	idle := p.available
	p.available = make([]Conn[H], 0, p.opts.Size)
	p.updateGauges()
	p.mu.Unlock()

	var healthy, failed []Conn[H]
	for _, c := range idle {
		if err := callCheck(ctx, check, c.handle); err != nil {
			p.log.Debug("idle connection failed check", zap.Uint64("conn_id", c.id), zap.Error(err))
			failed = append(failed, c)
			continue
		}
		healthy = append(healthy, c)
	}

	p.mu.Lock()
	kept := healthy[:0]
	for _, c := range healthy {
		if _, ok := p.known[c.id]; ok {
			kept = append(kept, c)
		}
	}
	p.available = append(kept, p.available...)
	var doomed []Conn[H]
	for _, c := range failed {
		if _, ok := p.known[c.id]; ok {
			delete(p.known, c.id)
			doomed = append(doomed, c)
		}
	}
	closer := p.closer
	p.updateGauges()
	p.mu.Unlock()

	p.signal()
	if len(doomed) == 0 {
		return 0
	}
	p.closeConns(closer, doomed, "swept")
	for range doomed {
		p.obs.Event(p.opts.Name, "swept")
	}
	p.log.Info("swept idle connections", zap.Int("discarded", len(doomed)))
	return len(doomed)
}

func callCheck[H any](ctx context.Context, check func(ctx context.Context, h H) error, h H) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panic: %v", r)
		}
	}()
	return check(ctx, h)
}
