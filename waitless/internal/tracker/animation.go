package tracker

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/match"
)

// Running is one animation observed by a poll of the page.
type Running struct {
	Key     string        `json:"k"`
	Element match.Element `json:"el"`
}

// Animation tracks concurrently running CSS animations and transitions.
// Keys identify one animation on one element ("<element id>:<name>").
type Animation struct {
	opts   options
	ignore *match.SelectorSet

	mu      sync.Mutex
	running map[string]match.Element
	ignored map[string]struct{}
	last    time.Time

	gen        atomic.Uint64
	underflows atomic.Uint64
}

// NewAnimation creates an animation tracker. A nil ignore set ignores
// nothing.
func NewAnimation(ignore *match.SelectorSet, opts ...Option) *Animation {
	a := &Animation{
		opts:    buildOptions(opts),
		ignore:  ignore,
		running: make(map[string]match.Element),
		ignored: make(map[string]struct{}),
	}
	a.last = a.opts.now()
	return a
}

func (a *Animation) Kind() stability.Kind { return stability.KindAnimation }

// OnAnimationStart counts an animation unless its element is ignored.
// A repeated start for a key already counted refreshes activity only.
func (a *Animation) OnAnimationStart(key string, el match.Element) bool {
	if a.ignore.Match(el) {
		a.mu.Lock()
		a.ignored[key] = struct{}{}
		a.mu.Unlock()
		return false
	}
	a.mu.Lock()
	a.running[key] = el
	a.last = a.opts.now()
	a.gen.Add(1)
	a.mu.Unlock()
	return true
}

// OnAnimationEnd decrements for a counted start. The end of an ignored
// animation is dropped; any other unmatched end is clamped and logged.
func (a *Animation) OnAnimationEnd(key string) {
	a.mu.Lock()
	if _, ok := a.running[key]; ok {
		delete(a.running, key)
		a.last = a.opts.now()
		a.gen.Add(1)
		a.mu.Unlock()
		return
	}
	_, wasIgnored := a.ignored[key]
	delete(a.ignored, key)
	a.mu.Unlock()
	if wasIgnored {
		return
	}

	// Started before instrumentation attached, or a duplicate end.
	a.underflows.Add(1)
	a.opts.logger.Warn("tracker: animation end without counted start", "key", key)
}

// Reconcile replaces the counted set with the polled truth when the two
// diverge and reports whether anything changed. Ignored elements in the
// poll are filtered out first.
func (a *Animation) Reconcile(polled []Running) bool {
	return a.reconcile(polled, 0, false)
}

// ReconcileSince is Reconcile guarded by the generation read before the
// poll was issued: if any event was counted meanwhile the poll is stale and
// is dropped.
func (a *Animation) ReconcileSince(gen uint64, polled []Running) bool {
	return a.reconcile(polled, gen, true)
}

func (a *Animation) reconcile(polled []Running, gen uint64, guarded bool) bool {
	truth := make(map[string]match.Element, len(polled))
	ignored := make(map[string]struct{})
	for _, r := range polled {
		if a.ignore.Match(r.Element) {
			ignored[r.Key] = struct{}{}
			continue
		}
		truth[r.Key] = r.Element
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if guarded && a.gen.Load() != gen {
		return false
	}
	a.ignored = ignored
	if sameKeys(a.running, truth) {
		return false
	}
	before := len(a.running)
	a.running = truth
	a.last = a.opts.now()
	a.gen.Add(1)
	a.opts.logger.Debug("tracker: animation count reconciled",
		"counted", before, "polled", len(truth))
	return true
}

func (a *Animation) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

func (a *Animation) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Animation) Generation() uint64 { return a.gen.Load() }

// Underflows counts end events that had no counted start.
func (a *Animation) Underflows() uint64 { return a.underflows.Load() }

// Elements returns the elements currently counted, keyed by animation key.
func (a *Animation) Elements() map[string]match.Element {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.running)
}

func sameKeys(a, b map[string]match.Element) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
