// Package tracker holds the per-session activity counters fed by the
// instrumentation callbacks: DOM mutations, network requests and
// animations. Every update is O(1) and never waits on the oracle; trackers
// are safe for concurrent use by any number of callback goroutines and one
// or more readers.
package tracker

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/waitless/stability"
)

// Signal is the read side of a tracker, consumed by the oracle.
type Signal interface {
	Kind() stability.Kind
	// Active is the number of units of activity currently in flight.
	Active() int
	// LastActivity is the time of the most recent counted event.
	LastActivity() time.Time
	// Generation increases on every counted event. Two equal readings
	// bracket a window in which the tracker did not change.
	Generation() uint64
}

// Option configures a tracker.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock replaces time.Now. Tests use it to drive quiet periods.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for underflow and reconcile messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
