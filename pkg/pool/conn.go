package pool

import "time"

// Conn is an immutable snapshot of one pooled handle and its timestamps.
// Touch returns a new snapshot; holders of an older value are unaffected.
type Conn[H any] struct {
	id         uint64
	handle     H
	createdAt  time.Time
	lastUsedAt time.Time
}

// newConn wraps a freshly created handle.
func newConn[H any](id uint64, handle H, now time.Time) Conn[H] {
	return Conn[H]{
		id:         id,
		handle:     handle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the pool-local identifier of the connection.
func (c Conn[H]) ID() uint64 {
	return c.id
}

// Handle returns the underlying handle.
func (c Conn[H]) Handle() H {
	return c.handle
}

// CreatedAt returns the moment the handle was created by the factory.
func (c Conn[H]) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsedAt returns the moment the handle was last checked in.
func (c Conn[H]) LastUsedAt() time.Time {
	return c.lastUsedAt
}

// Touch returns a copy with LastUsedAt set to the current time.
func (c Conn[H]) Touch() Conn[H] {
	return c.TouchAt(time.Now())
}

// TouchAt returns a copy with LastUsedAt set to now. LastUsedAt never moves backwards.
func (c Conn[H]) TouchAt(now time.Time) Conn[H] {
	if now.After(c.lastUsedAt) {
		c.lastUsedAt = now
	}
	return c
}

// Expired reports whether the connection is older than maxAge.
// A non-positive maxAge never expires.
func (c Conn[H]) Expired(maxAge time.Duration) bool {
	return c.ExpiredAt(time.Now(), maxAge)
}

// ExpiredAt is Expired evaluated against an explicit clock reading.
func (c Conn[H]) ExpiredAt(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(c.createdAt) > maxAge
}

// Stale reports whether the connection has been idle longer than maxIdle.
// A non-positive maxIdle never goes stale.
func (c Conn[H]) Stale(maxIdle time.Duration) bool {
	return c.StaleAt(time.Now(), maxIdle)
}

// StaleAt is Stale evaluated against an explicit clock reading.
func (c Conn[H]) StaleAt(now time.Time, maxIdle time.Duration) bool {
	return maxIdle > 0 && now.Sub(c.lastUsedAt) > maxIdle
}
