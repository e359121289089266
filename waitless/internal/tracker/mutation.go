package tracker

import (
	"sync/atomic"
	"time"

	"github.com/hazyhaar/waitless/stability"
)

// Mutation records DOM change activity. Mutations are instantaneous, so
// its active count is always zero and only the quiet period matters.
type Mutation struct {
	opts  options
	last  atomic.Int64 // unix nanoseconds
	total atomic.Uint64
	delta atomic.Uint64
	gen   atomic.Uint64
}

// NewMutation creates a tracker whose quiet period starts now: a page that
// has not mutated since instrumentation is treated as having just changed.
func NewMutation(opts ...Option) *Mutation {
	m := &Mutation{opts: buildOptions(opts)}
	m.last.Store(m.opts.now().UnixNano())
	return m
}

func (m *Mutation) Kind() stability.Kind { return stability.KindMutation }

func (m *Mutation) Active() int { return 0 }

// OnMutationBatch records a batch of n mutation records. Batches of any
// size are accepted; n <= 0 is a no-op.
func (m *Mutation) OnMutationBatch(n int) {
	if n <= 0 {
		return
	}
	m.total.Add(uint64(n))
	m.delta.Add(uint64(n))
	m.last.Store(m.opts.now().UnixNano())
	m.gen.Add(1)
}

// Touch marks activity without adding records, used when the whole
// document was replaced.
func (m *Mutation) Touch() {
	m.last.Store(m.opts.now().UnixNano())
	m.gen.Add(1)
}

func (m *Mutation) LastActivity() time.Time {
	return time.Unix(0, m.last.Load())
}

func (m *Mutation) Generation() uint64 { return m.gen.Load() }

// MsSinceLastMutation is the age of the last change in milliseconds.
func (m *Mutation) MsSinceLastMutation() int64 {
	return m.opts.now().Sub(m.LastActivity()).Milliseconds()
}

// Total is the cumulative number of mutation records.
func (m *Mutation) Total() uint64 { return m.total.Load() }

// SinceLastQuery returns the records counted since the previous call and
// resets that running count. Total is unaffected.
func (m *Mutation) SinceLastQuery() uint64 {
	return m.delta.Swap(0)
}
