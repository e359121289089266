package waitless

import (
	"time"

	"github.com/hazyhaar/waitless/stability"
)

// Option overrides the session configuration for a single wait or action.
// Ignore patterns are compiled into the trackers when the session opens and
// cannot be changed per call; overrides of them are dropped.
type Option func(*stability.Config)

// WithMaxWait overrides the hard timeout.
func WithMaxWait(d time.Duration) Option {
	return func(c *stability.Config) { c.MaxWait = d }
}

// WithPollInterval overrides the polling granularity.
func WithPollInterval(d time.Duration) Option {
	return func(c *stability.Config) { c.PollInterval = d }
}

// WithSettle overrides the quiet period of one signal.
func WithSettle(k stability.Kind, d time.Duration) Option {
	return func(c *stability.Config) {
		switch k {
		case stability.KindMutation:
			c.MutationSettle = d
		case stability.KindNetwork:
			c.NetworkIdle = d
		case stability.KindAnimation:
			c.AnimationSettle = d
		}
	}
}

// WithIgnoreSignals removes signals from the verdict for this call.
func WithIgnoreSignals(kinds ...stability.Kind) Option {
	return func(c *stability.Config) { c.IgnoreSignals = append([]stability.Kind(nil), kinds...) }
}

// WithOverride merges a full configuration: its non-zero fields win.
func WithOverride(o stability.Config) Option {
	return func(c *stability.Config) { *c = c.Merge(o) }
}
