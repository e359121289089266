package tracker

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/match"
)

// Network tracks requests that have started but not finished. Requests are
// keyed by the CDP request id; a request whose URL matches the ignore set
// is remembered for diagnostics only and never counted.
type Network struct {
	opts   options
	ignore *match.URLSet

	mu      sync.Mutex
	counted map[string]string // request id -> url
	ignored map[string]string
	last    time.Time

	gen        atomic.Uint64
	underflows atomic.Uint64
}

// NewNetwork creates a network tracker. A nil ignore set ignores nothing.
func NewNetwork(ignore *match.URLSet, opts ...Option) *Network {
	n := &Network{
		opts:    buildOptions(opts),
		ignore:  ignore,
		counted: make(map[string]string),
		ignored: make(map[string]string),
	}
	n.last = n.opts.now()
	return n
}

func (n *Network) Kind() stability.Kind { return stability.KindNetwork }

// OnRequestStart records a request start and reports whether it counts.
// A second start with the same id (a redirect hop) updates the URL without
// counting twice.
func (n *Network) OnRequestStart(id, url string) bool {
	if n.ignore.Match(url) {
		n.mu.Lock()
		if _, ok := n.counted[id]; ok {
			// Redirected into an ignored URL: stop counting it.
			delete(n.counted, id)
			n.last = n.opts.now()
			n.gen.Add(1)
		}
		n.ignored[id] = url
		n.mu.Unlock()
		return false
	}

	n.mu.Lock()
	delete(n.ignored, id)
	n.counted[id] = url
	n.last = n.opts.now()
	n.gen.Add(1)
	n.mu.Unlock()
	return true
}

// OnRequestEnd records completion (finished or failed). Only a counted
// start is decremented; an end without one is clamped and logged.
func (n *Network) OnRequestEnd(id string) {
	n.mu.Lock()
	if _, ok := n.counted[id]; ok {
		delete(n.counted, id)
		n.last = n.opts.now()
		n.gen.Add(1)
		n.mu.Unlock()
		return
	}
	_, wasIgnored := n.ignored[id]
	delete(n.ignored, id)
	n.mu.Unlock()

	if !wasIgnored {
		// Started before instrumentation attached, or a duplicate end.
		n.underflows.Add(1)
		n.opts.logger.Warn("tracker: network end without counted start", "request_id", id)
	}
}

func (n *Network) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.counted)
}

func (n *Network) LastActivity() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

func (n *Network) Generation() uint64 { return n.gen.Load() }

// Underflows counts end events that had no matching start.
func (n *Network) Underflows() uint64 { return n.underflows.Load() }

// Pending returns the in-flight URLs that are not ignored, sorted.
func (n *Network) Pending() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedURLs(n.counted)
}

// Blocking returns the URLs that hold the network signal unstable. Every
// pending request does, so this is Pending under the name the diagnostics
// use for it.
func (n *Network) Blocking() []string {
	return n.Pending()
}

// Ignored returns the in-flight URLs matched by an ignore pattern, sorted.
func (n *Network) Ignored() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedURLs(n.ignored)
}

func sortedURLs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}
