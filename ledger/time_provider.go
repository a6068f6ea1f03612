package ledger

import "time"

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// FixedTimeProvider always returns the same instant. Useful in tests.
type FixedTimeProvider struct {
	T time.Time
}

// Now returns the fixed instant.
func (f FixedTimeProvider) Now() time.Time { return f.T }

// Seconds converts t to the float seconds representation stored in records.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
