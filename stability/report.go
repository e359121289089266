package stability

import (
	"encoding/json"
	"time"
)

// Outcome is the terminal state of one WaitUntilStable invocation.
type Outcome string

const (
	OutcomeStable   Outcome = "stable"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeCanceled Outcome = "canceled"
	// OutcomeUnstable marks an on-request snapshot taken while unstable.
	OutcomeUnstable Outcome = "unstable"
)

// SignalState is the point-in-time view of one tracker.
type SignalState struct {
	Kind      Kind          `json:"kind"`
	Active    int           `json:"active"`
	SinceLast time.Duration `json:"-"`
	Settle    time.Duration `json:"-"`
	Settled   bool          `json:"settled"` // Active == 0 && SinceLast >= Settle
	Ignored   bool          `json:"ignored,omitempty"`
}

// Blocking reports whether this signal prevents a stable verdict.
func (s SignalState) Blocking() bool {
	return !s.Ignored && !s.Settled
}

// MarshalJSON renders durations as milliseconds.
func (s SignalState) MarshalJSON() ([]byte, error) {
	type alias SignalState
	return json.Marshal(struct {
		alias
		SinceLastMs int64 `json:"since_last_ms"`
		SettleMs    int64 `json:"settle_ms"`
	}{alias(s), s.SinceLast.Milliseconds(), s.Settle.Milliseconds()})
}

// UnmarshalJSON reads durations given in milliseconds.
func (s *SignalState) UnmarshalJSON(data []byte) error {
	type alias SignalState
	var w struct {
		alias
		SinceLastMs int64 `json:"since_last_ms"`
		SettleMs    int64 `json:"settle_ms"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = SignalState(w.alias)
	s.SinceLast = time.Duration(w.SinceLastMs) * time.Millisecond
	s.Settle = time.Duration(w.SettleMs) * time.Millisecond
	return nil
}

// Diagnostics is the read-only view returned by getDiagnostics. Calling it
// never resets any counter.
type Diagnostics struct {
	// PendingRequests are the in-flight requests seen since
	// instrumentation that no ignore pattern matches.
	PendingRequests []string `json:"pending_requests"`
	// BlockingURLs are the pending requests that count against stability.
	BlockingURLs []string `json:"blocking_urls"`
	// IgnoredRequests are in flight but matched an ignore pattern; they
	// never affect the verdict.
	IgnoredRequests     []string `json:"ignored_requests,omitempty"`
	MsSinceLastMutation int64    `json:"ms_since_last_mutation"`
	ActiveAnimations    int      `json:"active_animations"`
	// Instrumented is false while the page has no live instrumentation.
	Instrumented bool `json:"instrumented"`
	// Underflows counts end events that had no counted start.
	Underflows uint64 `json:"underflows,omitempty"`
}

// Report is the snapshot returned by WaitUntilStable, on success as well as
// on timeout, and delivered to report sinks.
type Report struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id,omitempty"`
	PageURL   string        `json:"page_url,omitempty"`
	Action    string        `json:"action,omitempty"` // action the wait guarded, if any
	Outcome   Outcome       `json:"outcome"`
	Elapsed   time.Duration `json:"-"`
	Polls     int           `json:"polls"`
	Signals   []SignalState `json:"signals"`
	Diagnostics
	MutationsDuringWait uint64 `json:"mutations_during_wait"`
	Timestamp           int64  `json:"timestamp"` // epoch milliseconds
}

// Stable reports whether the wait ended in a stable verdict.
func (r *Report) Stable() bool {
	return r.Outcome == OutcomeStable
}

// Blocking returns the kinds that prevented stability at snapshot time.
func (r *Report) Blocking() []Kind {
	var out []Kind
	for _, s := range r.Signals {
		if s.Blocking() {
			out = append(out, s.Kind)
		}
	}
	return out
}

// MarshalJSON adds elapsed_ms.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(struct {
		alias
		ElapsedMs int64 `json:"elapsed_ms"`
	}{alias(r), r.Elapsed.Milliseconds()})
}

// UnmarshalJSON reads elapsed_ms.
func (r *Report) UnmarshalJSON(data []byte) error {
	type alias Report
	var w struct {
		alias
		ElapsedMs int64 `json:"elapsed_ms"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Report(w.alias)
	r.Elapsed = time.Duration(w.ElapsedMs) * time.Millisecond
	return nil
}
