package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolClosed is returned when using a pool after Close.
	ErrPoolClosed = errors.New("pool: pool is closed")
	// ErrPoolExhausted is returned when the pool is at capacity and the caller
	// asked not to wait (non-positive timeout).
	ErrPoolExhausted = errors.New("pool: connection pool exhausted")
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("pool: connection timeout")
)

// TimeoutError is returned when no connection could be obtained before the deadline.
type TimeoutError struct {
	Pool    string
	Waited  time.Duration // how long the caller actually waited
	Timeout time.Duration // configured deadline
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool %s: connection timeout (waited=%v, timeout=%v)",
		e.Pool, e.Waited.Round(time.Millisecond), e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) hold for every TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ConfigurationError wraps a failure of the connection factory.
// The pool never retries creation on its own.
type ConfigurationError struct {
	Pool string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pool %s: creating connection: %v", e.Pool, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsTimeout checks if the error is an acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConfiguration checks if the error came from the connection factory.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsPoolError reports whether err originated in the pool itself rather than
// in the caller's operation.
func IsPoolError(err error) bool {
	return IsTimeout(err) || IsConfiguration(err) ||
		errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrPoolClosed)
}
