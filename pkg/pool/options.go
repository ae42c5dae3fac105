package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSize          = 5
	DefaultTimeout       = 5 * time.Second
	DefaultMaxAge        = 30 * time.Minute
	DefaultMaxIdle       = 5 * time.Minute
	DefaultReapFrequency = 30 * time.Second

	// pollInterval bounds how long a waiting caller sleeps between attempts
	// when no checkin notification arrives.
	pollInterval = time.Millisecond
)

// Factory creates one new handle. The context carries the caller's context.
type Factory[H any] func(ctx context.Context) (H, error)

// Closer releases the resources behind a handle.
type Closer[H any] func(h H) error

// Observer receives pool events. Implementations must be safe for concurrent use
// and must not call back into the pool.
type Observer interface {
	// Gauges is called with fresh counts after every bookkeeping change.
	Gauges(pool string, known, available, max int)
	// Event counts one occurrence of an operation outcome (acquired, created,
	// released, discarded, reaped, swept, timeout, exhausted, cancelled,
	// create_failed, close_failed).
	Event(pool, event string)
	// Waited records how long an acquisition spent waiting for capacity.
	Waited(pool string, d time.Duration)
}

// Options configures a Pool. Zero values are replaced by defaults in New,
// except ReapFrequency where a zero value disables the background reaper.
type Options struct {
	// Name labels logs and metrics.
	Name string
	// Size is the maximum number of handles the pool owns at once.
	Size int
	// Timeout bounds how long Use waits for a connection. Negative means
	// fail fast with ErrPoolExhausted when the pool is full.
	Timeout time.Duration
	// MaxAge is the lifetime after which an idle connection is reaped.
	MaxAge time.Duration
	// MaxIdle is the idle time after which an idle connection is reaped.
	MaxIdle time.Duration
	// ReapFrequency is both the background reaper period and the minimum
	// spacing between on-demand reaps during checkout. 0 disables the
	// background loop only.
	ReapFrequency time.Duration
	// MinIdle is the number of idle connections the background reaper keeps
	// ready after each pass, never exceeding Size. 0 keeps creation fully lazy.
	MinIdle int

	Logger   *zap.Logger
	Observer Observer
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Size:          DefaultSize,
		Timeout:       DefaultTimeout,
		MaxAge:        DefaultMaxAge,
		MaxIdle:       DefaultMaxIdle,
		ReapFrequency: DefaultReapFrequency,
	}
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAge == 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.MaxIdle == 0 {
		o.MaxIdle = DefaultMaxIdle
	}
	if o.MinIdle < 0 {
		o.MinIdle = 0
	}
	if o.MinIdle > o.Size {
		o.MinIdle = o.Size
	}
	if o.ReapFrequency < 0 {
		o.ReapFrequency = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

type nopObserver struct{}

func (nopObserver) Gauges(string, int, int, int) {}
func (nopObserver) Event(string, string) {}
func (nopObserver) Waited(string, time.Duration) {}
