// Package stability defines the contract types shared by the waitless
// trackers, the oracle and any consumer of its reports: signal kinds,
// configuration, reports, diagnostics and errors.
package stability

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Kind identifies one of the three signal streams.
type Kind string

const (
	KindMutation  Kind = "mutation"
	KindNetwork   Kind = "network"
	KindAnimation Kind = "animation"
)

// Kinds lists every signal in evaluation order.
var Kinds = []Kind{KindMutation, KindNetwork, KindAnimation}

// Valid reports whether k is a known signal kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Default settle and timing values applied by WithDefaults.
const (
	DefaultMutationSettle  = 100 * time.Millisecond
	DefaultNetworkIdle     = 500 * time.Millisecond
	DefaultAnimationSettle = 100 * time.Millisecond
	DefaultMaxWait         = 10 * time.Second
	DefaultPollInterval    = 50 * time.Millisecond
)

// Config is the stability configuration. It is a value type: Merge and
// WithDefaults return copies and never alias the receiver's slices.
//
// A zero duration means "unset": WithDefaults fills it and Merge keeps the
// lower layer's value, so a settle time cannot be forced to 0 through an
// override. Use 1ms instead; quiet time is only read once per poll tick,
// so the two cannot be told apart. To drop a signal from the verdict
// entirely use IgnoreSignals.
type Config struct {
	// MutationSettle is the quiet period required after the last DOM mutation.
	MutationSettle time.Duration `yaml:"mutation_settle_time"`
	// NetworkIdle is the quiet period required after the last request
	// started or finished, with zero requests pending.
	NetworkIdle time.Duration `yaml:"network_idle_time"`
	// AnimationSettle is the quiet period after the last animation ended.
	AnimationSettle time.Duration `yaml:"animation_settle_time"`
	// MaxWait is the hard timeout of a single WaitUntilStable call.
	MaxWait time.Duration `yaml:"max_wait_time"`
	// PollInterval is the polling granularity of WaitUntilStable.
	PollInterval time.Duration `yaml:"poll_interval"`

	// IgnoreURLs are glob patterns ("*" matches any run of characters,
	// "?" one character) or "re:"-prefixed regular expressions. Matching
	// requests are never counted.
	IgnoreURLs []string `yaml:"ignore_urls"`
	// IgnoreAnimationSelectors are CSS selectors. Animations running on a
	// matching element are never counted.
	IgnoreAnimationSelectors []string `yaml:"ignore_animation_selectors"`
	// IgnoreSignals removes whole signals from the verdict.
	IgnoreSignals []Kind `yaml:"ignore_signals"`
}

// WithDefaults returns a copy of c with zero durations replaced by the
// package defaults.
func (c Config) WithDefaults() Config {
	out := c.clone()
	if out.MutationSettle == 0 {
		out.MutationSettle = DefaultMutationSettle
	}
	if out.NetworkIdle == 0 {
		out.NetworkIdle = DefaultNetworkIdle
	}
	if out.AnimationSettle == 0 {
		out.AnimationSettle = DefaultAnimationSettle
	}
	if out.MaxWait == 0 {
		out.MaxWait = DefaultMaxWait
	}
	if out.PollInterval == 0 {
		out.PollInterval = DefaultPollInterval
	}
	return out
}

// Merge returns a copy of c where every non-zero field of o wins. Slices
// in o replace (not extend) the ones in c.
func (c Config) Merge(o Config) Config {
	out := c.clone()
	if o.MutationSettle != 0 {
		out.MutationSettle = o.MutationSettle
	}
	if o.NetworkIdle != 0 {
		out.NetworkIdle = o.NetworkIdle
	}
	if o.AnimationSettle != 0 {
		out.AnimationSettle = o.AnimationSettle
	}
	if o.MaxWait != 0 {
		out.MaxWait = o.MaxWait
	}
	if o.PollInterval != 0 {
		out.PollInterval = o.PollInterval
	}
	if o.IgnoreURLs != nil {
		out.IgnoreURLs = slices.Clone(o.IgnoreURLs)
	}
	if o.IgnoreAnimationSelectors != nil {
		out.IgnoreAnimationSelectors = slices.Clone(o.IgnoreAnimationSelectors)
	}
	if o.IgnoreSignals != nil {
		out.IgnoreSignals = slices.Clone(o.IgnoreSignals)
	}
	return out
}

// Settle returns the configured quiet period for k.
func (c Config) Settle(k Kind) time.Duration {
	switch k {
	case KindMutation:
		return c.MutationSettle
	case KindNetwork:
		return c.NetworkIdle
	case KindAnimation:
		return c.AnimationSettle
	}
	return 0
}

// Ignored reports whether signal k is excluded from the verdict.
func (c Config) Ignored(k Kind) bool {
	return slices.Contains(c.IgnoreSignals, k)
}

// Validate checks durations and pattern syntax. Selector syntax is checked
// by the animation tracker when it compiles the set.
func (c Config) Validate() error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"mutation_settle_time", c.MutationSettle},
		{"network_idle_time", c.NetworkIdle},
		{"animation_settle_time", c.AnimationSettle},
		{"max_wait_time", c.MaxWait},
		{"poll_interval", c.PollInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("stability: %s must not be negative (got %s)", d.name, d.d)
		}
	}
	if c.MaxWait > 0 && c.PollInterval > c.MaxWait {
		return fmt.Errorf("stability: poll_interval %s exceeds max_wait_time %s", c.PollInterval, c.MaxWait)
	}
	for _, k := range c.IgnoreSignals {
		if !k.Valid() {
			return fmt.Errorf("stability: unknown signal %q in ignore_signals", k)
		}
	}
	for _, p := range c.IgnoreURLs {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("stability: ignore_urls %q: %w", p, err)
			}
		}
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.IgnoreURLs = slices.Clone(c.IgnoreURLs)
	out.IgnoreAnimationSelectors = slices.Clone(c.IgnoreAnimationSelectors)
	out.IgnoreSignals = slices.Clone(c.IgnoreSignals)
	return out
}

// configJSON is the wire form of Config: durations are integer milliseconds.
type configJSON struct {
	MutationSettle           int64    `json:"mutation_settle_time,omitempty"`
	NetworkIdle              int64    `json:"network_idle_time,omitempty"`
	AnimationSettle          int64    `json:"animation_settle_time,omitempty"`
	MaxWait                  int64    `json:"max_wait_time,omitempty"`
	PollInterval             int64    `json:"poll_interval,omitempty"`
	IgnoreURLs               []string `json:"ignore_urls,omitempty"`
	IgnoreAnimationSelectors []string `json:"ignore_animation_selectors,omitempty"`
	IgnoreSignals            []Kind   `json:"ignore_signals,omitempty"`
}

// MarshalJSON encodes durations as milliseconds.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		MutationSettle:           c.MutationSettle.Milliseconds(),
		NetworkIdle:              c.NetworkIdle.Milliseconds(),
		AnimationSettle:          c.AnimationSettle.Milliseconds(),
		MaxWait:                  c.MaxWait.Milliseconds(),
		PollInterval:             c.PollInterval.Milliseconds(),
		IgnoreURLs:               c.IgnoreURLs,
		IgnoreAnimationSelectors: c.IgnoreAnimationSelectors,
		IgnoreSignals:            c.IgnoreSignals,
	})
}

// UnmarshalJSON decodes durations given in milliseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	var w configJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Config{
		MutationSettle:           time.Duration(w.MutationSettle) * time.Millisecond,
		NetworkIdle:              time.Duration(w.NetworkIdle) * time.Millisecond,
		AnimationSettle:          time.Duration(w.AnimationSettle) * time.Millisecond,
		MaxWait:                  time.Duration(w.MaxWait) * time.Millisecond,
		PollInterval:             time.Duration(w.PollInterval) * time.Millisecond,
		IgnoreURLs:               w.IgnoreURLs,
		IgnoreAnimationSelectors: w.IgnoreAnimationSelectors,
		IgnoreSignals:            w.IgnoreSignals,
	}
	return nil
}
