// Package oracle turns the three activity trackers of a session into a
// single verdict ("safe to act now") and a bounded wait on that verdict.
//
// The oracle never retries and never mutates tracker state beyond the
// mutation tracker's per-query delta: it is a read-and-wait primitive,
// called once per external action.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/waitless/idgen"
	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/tracker"
)

// State is the state of the most recent WaitUntilStable invocation.
type State int32

const (
	StatePolling State = iota
	StateStable
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateStable:
		return "stable"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Probe runs at the start of every poll tick. Instrumentation uses it to
// detect a replaced document, re-inject and recount animations. A non-nil
// error makes that tick unstable.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Config wires the trackers of one session into an Oracle.
type Config struct {
	Mutation  *tracker.Mutation
	Network   *tracker.Network
	Animation *tracker.Animation

	Probe Probe
	// Instrumented reports whether the page currently carries live
	// instrumentation. Nil means always.
	Instrumented func() bool

	Clock  func() time.Time
	NewID  idgen.Generator
	Logger *slog.Logger
}

// Oracle is the decision function over one session's trackers.
type Oracle struct {
	mutation  *tracker.Mutation
	network   *tracker.Network
	animation *tracker.Animation
	signals   []tracker.Signal

	probe        Probe
	instrumented func() bool
	now          func() time.Time
	newID        idgen.Generator
	logger       *slog.Logger

	state atomic.Int32
}

// New creates an Oracle. All three trackers are required.
func New(cfg Config) *Oracle {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = idgen.Prefixed("rep_", idgen.Default)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Instrumented == nil {
		cfg.Instrumented = func() bool { return true }
	}
	return &Oracle{
		mutation:     cfg.Mutation,
		network:      cfg.Network,
		animation:    cfg.Animation,
		signals:      []tracker.Signal{cfg.Mutation, cfg.Network, cfg.Animation},
		probe:        cfg.Probe,
		instrumented: cfg.Instrumented,
		now:          cfg.Clock,
		newID:        cfg.NewID,
		logger:       cfg.Logger,
	}
}

// State returns the state of the most recent wait.
func (o *Oracle) State() State {
	return State(o.state.Load())
}

// IsStable reports whether every non-ignored signal has zero active units
// and has been quiet for at least its settle time. It never reports stable
// while instrumentation is missing; a page that lost it is probed (and so
// re-injected) before the verdict.
func (o *Oracle) IsStable(ctx context.Context, cfg stability.Config) bool {
	if !o.ensureInstrumented(ctx) {
		return false
	}
	stable, _ := o.consistentEvaluate(cfg.WithDefaults())
	return stable
}

// ensureInstrumented runs the probe only when the page is not known to
// carry live instrumentation.
func (o *Oracle) ensureInstrumented(ctx context.Context) bool {
	if o.instrumented() {
		return true
	}
	if o.probe == nil {
		return false
	}
	if err := o.probe.Check(ctx); err != nil {
		o.logger.Debug("oracle: probe failed", "error", err)
		return false
	}
	return o.instrumented()
}

// Evaluate returns the per-signal states and the verdict without the
// instrumentation check.
func (o *Oracle) Evaluate(cfg stability.Config) ([]stability.SignalState, bool) {
	return o.evaluate(cfg.WithDefaults(), o.now())
}

func (o *Oracle) evaluate(cfg stability.Config, now time.Time) ([]stability.SignalState, bool) {
	states := make([]stability.SignalState, 0, len(o.signals))
	stable := true
	for _, sig := range o.signals {
		k := sig.Kind()
		st := stability.SignalState{
			Kind:      k,
			Active:    sig.Active(),
			SinceLast: now.Sub(sig.LastActivity()),
			Settle:    cfg.Settle(k),
			Ignored:   cfg.Ignored(k),
		}
		if st.SinceLast < 0 {
			st.SinceLast = 0
		}
		st.Settled = st.Active == 0 && st.SinceLast >= st.Settle
		if st.Blocking() {
			stable = false
		}
		states = append(states, st)
	}
	return states, stable
}

// consistentEvaluate evaluates and rejects a stable verdict if any tracker
// counted an event while the snapshot was being read.
func (o *Oracle) consistentEvaluate(cfg stability.Config) (bool, []stability.SignalState) {
	before := o.generation()
	states, stable := o.evaluate(cfg, o.now())
	if stable && o.generation() != before {
		stable = false
	}
	return stable, states
}

func (o *Oracle) generation() uint64 {
	var g uint64
	for _, sig := range o.signals {
		g += sig.Generation()
	}
	return g
}

// Diagnostics is the read-only diagnostic view. It resets nothing.
func (o *Oracle) Diagnostics() stability.Diagnostics {
	return stability.Diagnostics{
		PendingRequests:     o.network.Pending(),
		BlockingURLs:        o.network.Blocking(),
		IgnoredRequests:     o.network.Ignored(),
		MsSinceLastMutation: o.mutation.MsSinceLastMutation(),
		ActiveAnimations:    o.animation.Active(),
		Instrumented:        o.instrumented(),
		Underflows:          o.network.Underflows() + o.animation.Underflows(),
	}
}

// Snapshot builds a report for the given configuration without waiting.
// Like IsStable it probes a page whose instrumentation went missing.
func (o *Oracle) Snapshot(ctx context.Context, cfg stability.Config) *stability.Report {
	cfg = cfg.WithDefaults()
	present := o.ensureInstrumented(ctx)
	stable, states := o.consistentEvaluate(cfg)
	outcome := stability.OutcomeUnstable
	if stable && present {
		outcome = stability.OutcomeStable
	}
	return o.report(outcome, states, 0, 0)
}

func (o *Oracle) report(outcome stability.Outcome, states []stability.SignalState, elapsed time.Duration, polls int) *stability.Report {
	return &stability.Report{
		ID:          o.newID(),
		Outcome:     outcome,
		Elapsed:     elapsed,
		Polls:       polls,
		Signals:     states,
		Diagnostics: o.Diagnostics(),
		Timestamp:   o.now().UnixMilli(),
	}
}

// WaitUntilStable polls every PollInterval until the verdict is stable or
// MaxWait elapses. On timeout it returns the diagnostic report together
// with a *stability.TimeoutError. When ctx ends first the report carries
// OutcomeCanceled and the context error is returned; trackers are not
// affected either way.
func (o *Oracle) WaitUntilStable(ctx context.Context, cfg stability.Config) (*stability.Report, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	o.state.Store(int32(StatePolling))
	start := o.now()
	o.mutation.SinceLastQuery()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(cfg.MaxWait)
	defer deadline.Stop()

	var (
		polls       int
		missingSeen bool
		states      []stability.SignalState
		stable      bool
	)

	tick := func() {
		polls++
		var probeErr error
		if o.probe != nil {
			probeErr = o.probe.Check(ctx)
		}
		stable, states = o.consistentEvaluate(cfg)
		if probeErr != nil || !o.instrumented() {
			stable = false
			if !missingSeen {
				missingSeen = true
				o.logger.Warn("oracle: probe failed, tick treated as unstable", "error", probeErr)
			}
		}
	}

	finish := func(outcome stability.Outcome, st State) *stability.Report {
		o.state.Store(int32(st))
		rep := o.report(outcome, states, o.now().Sub(start), polls)
		rep.MutationsDuringWait = o.mutation.SinceLastQuery()
		return rep
	}

	for {
		tick()
		if stable {
			rep := finish(stability.OutcomeStable, StateStable)
			o.logger.Debug("oracle: stable", "elapsed", rep.Elapsed, "polls", polls)
			return rep, nil
		}

		select {
		case <-ctx.Done():
			rep := finish(stability.OutcomeCanceled, StateCanceled)
			return rep, fmt.Errorf("oracle: wait abandoned: %w", ctx.Err())

		case <-deadline.C:
			// One last look at the deadline itself.
			tick()
			if stable {
				return finish(stability.OutcomeStable, StateStable), nil
			}
			rep := finish(stability.OutcomeTimedOut, StateTimedOut)
			o.logger.Info("oracle: timed out",
				"elapsed", rep.Elapsed,
				"blocking", rep.Blocking(),
				"blocking_urls", rep.BlockingURLs,
				"active_animations", rep.ActiveAnimations,
				"ms_since_last_mutation", rep.MsSinceLastMutation)
			return rep, &stability.TimeoutError{Report: rep}

		case <-ticker.C:
		}
	}
}
