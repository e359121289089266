package oracle

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/waitless/idgen"
	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/match"
	"github.com/hazyhaar/waitless/waitless/internal/tracker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mut  *tracker.Mutation
	net  *tracker.Network
	anim *tracker.Animation
	o    *Oracle
}

func newFixture(t *testing.T, now func() time.Time, ignoreURLs []string, probe Probe) *fixture {
	t.Helper()
	urls, err := match.CompileURLs(ignoreURLs)
	if err != nil {
		t.Fatal(err)
	}
	var opts []tracker.Option
	if now != nil {
		opts = append(opts, tracker.WithClock(now))
	}
	f := &fixture{
		mut:  tracker.NewMutation(opts...),
		net:  tracker.NewNetwork(urls, opts...),
		anim: tracker.NewAnimation(nil, opts...),
	}
	f.o = New(Config{
		Mutation:  f.mut,
		Network:   f.net,
		Animation: f.anim,
		Probe:     probe,
		Clock:     now,
		NewID:     idgen.Sequential("rep_"),
	})
	return f
}

func quickConfig() stability.Config {
	return stability.Config{
		MutationSettle:  100 * time.Millisecond,
		NetworkIdle:     50 * time.Millisecond,
		AnimationSettle: 50 * time.Millisecond,
		MaxWait:         5 * time.Second,
		PollInterval:    50 * time.Millisecond,
	}
}

func TestIsStable_MutationSettleBoundary(t *testing.T) {
	clk := newFakeClock()
	f := newFixture(t, clk.Now, nil, nil)
	cfg := quickConfig()

	clk.Advance(time.Second) // every tracker is long quiet
	f.mut.OnMutationBatch(1) // t=0

	clk.Advance(50 * time.Millisecond)
	states, _ := f.o.Evaluate(cfg)
	if states[0].Kind != stability.KindMutation || states[0].Settled {
		t.Fatalf("t=50ms: mutation settled = true, want false (%+v)", states[0])
	}
	if f.o.IsStable(context.Background(), cfg) {
		t.Fatal("t=50ms: IsStable = true")
	}

	clk.Advance(51 * time.Millisecond)
	states, _ = f.o.Evaluate(cfg)
	if !states[0].Settled {
		t.Fatalf("t=101ms: mutation settled = false (%+v)", states[0])
	}
	if !f.o.IsStable(context.Background(), cfg) {
		t.Fatal("t=101ms: IsStable = false")
	}
}

func TestIsStable_AnyActiveSignalForcesFalse(t *testing.T) {
	clk := newFakeClock()
	f := newFixture(t, clk.Now, nil, nil)
	cfg := quickConfig()
	clk.Advance(time.Second)

	if !f.o.IsStable(context.Background(), cfg) {
		t.Fatal("quiet session not stable")
	}

	flips := []struct {
		name string
		on   func()
		off  func()
	}{
		{"network",
			func() { f.net.OnRequestStart("1", "https://example.com/api") },
			func() { f.net.OnRequestEnd("1") }},
		{"animation",
			func() { f.anim.OnAnimationStart("1:fade", match.Element{Tag: "div"}) },
			func() { f.anim.OnAnimationEnd("1:fade") }},
		{"mutation",
			func() { f.mut.OnMutationBatch(3) },
			func() {}},
	}
	for _, fl := range flips {
		fl.on()
		if f.o.IsStable(context.Background(), cfg) {
			t.Errorf("%s active: IsStable = true", fl.name)
		}
		fl.off()
		clk.Advance(time.Second)
		if !f.o.IsStable(context.Background(), cfg) {
			t.Errorf("%s settled: IsStable = false", fl.name)
		}
	}
}

func TestIsStable_IgnoredSignal(t *testing.T) {
	clk := newFakeClock()
	f := newFixture(t, clk.Now, nil, nil)
	clk.Advance(time.Second)

	f.anim.OnAnimationStart("1:spin", match.Element{Tag: "div"})
	cfg := quickConfig()
	if f.o.IsStable(context.Background(), cfg) {
		t.Fatal("running animation considered stable")
	}
	cfg.IgnoreSignals = []stability.Kind{stability.KindAnimation}
	if !f.o.IsStable(context.Background(), cfg) {
		t.Fatal("ignored animation signal still blocks")
	}
}

func TestIsStable_InstrumentationMissing(t *testing.T) {
	clk := newFakeClock()
	f := newFixture(t, clk.Now, nil, nil)
	var present atomic.Bool
	f.o.instrumented = present.Load
	clk.Advance(time.Second)

	if f.o.IsStable(context.Background(), quickConfig()) {
		t.Fatal("stable without instrumentation")
	}
	present.Store(true)
	if !f.o.IsStable(context.Background(), quickConfig()) {
		t.Fatal("not stable once instrumented")
	}
}

func TestIsStable_ProbesMissingInstrumentation(t *testing.T) {
	clk := newFakeClock()
	var present atomic.Bool
	var checks atomic.Int32
	healthy := true
	probe := ProbeFunc(func(ctx context.Context) error {
		checks.Add(1)
		if !healthy {
			return stability.ErrInstrumentationMissing
		}
		present.Store(true)
		return nil
	})
	f := newFixture(t, clk.Now, nil, probe)
	f.o.instrumented = present.Load
	clk.Advance(time.Second)

	// Navigated to a quiet document: the one-shot verdict re-injects itself.
	if !f.o.IsStable(context.Background(), quickConfig()) {
		t.Fatal("quiet page unstable after navigation")
	}
	if checks.Load() != 1 {
		t.Fatalf("probe runs: got %d, want 1", checks.Load())
	}
	if !f.o.IsStable(context.Background(), quickConfig()) || checks.Load() != 1 {
		t.Fatalf("instrumented page probed again: %d", checks.Load())
	}

	present.Store(false)
	healthy = false
	if f.o.IsStable(context.Background(), quickConfig()) {
		t.Fatal("stable although re-injection failed")
	}
	if rep := f.o.Snapshot(context.Background(), quickConfig()); rep.Outcome != stability.OutcomeUnstable {
		t.Fatalf("Snapshot outcome: got %s", rep.Outcome)
	}

	healthy = true
	if rep := f.o.Snapshot(context.Background(), quickConfig()); rep.Outcome != stability.OutcomeStable {
		t.Fatalf("Snapshot outcome after recovery: got %s", rep.Outcome)
	}
}

func TestDiagnostics_IdempotentAndIgnoredURLs(t *testing.T) {
	clk := newFakeClock()
	f := newFixture(t, clk.Now, []string{"*/analytics*"}, nil)

	f.net.OnRequestStart("1", "/analytics/beacon")
	f.net.OnRequestStart("2", "https://example.com/api/cart")
	f.anim.OnAnimationStart("3:fade", match.Element{Tag: "div"})
	f.mut.OnMutationBatch(2)
	clk.Advance(40 * time.Millisecond)

	d1 := f.o.Diagnostics()
	d2 := f.o.Diagnostics()
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("Diagnostics not idempotent:\n%+v\n%+v", d1, d2)
	}
	if len(d1.BlockingURLs) != 1 || d1.BlockingURLs[0] != "https://example.com/api/cart" {
		t.Fatalf("BlockingURLs: got %v", d1.BlockingURLs)
	}
	if len(d1.PendingRequests) != 1 || d1.PendingRequests[0] != "https://example.com/api/cart" {
		t.Fatalf("PendingRequests: got %v", d1.PendingRequests)
	}
	if len(d1.IgnoredRequests) != 1 || d1.IgnoredRequests[0] != "/analytics/beacon" {
		t.Fatalf("IgnoredRequests: got %v", d1.IgnoredRequests)
	}
	if d1.MsSinceLastMutation != 40 || d1.ActiveAnimations != 1 {
		t.Fatalf("Diagnostics: got %+v", d1)
	}
	if f.mut.Total() != 2 {
		t.Fatal("Diagnostics reset the mutation counter")
	}
}

func TestWaitUntilStable_RequestLongerThanMaxWait(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	cfg := quickConfig()
	cfg.MutationSettle = 10 * time.Millisecond
	cfg.AnimationSettle = 10 * time.Millisecond
	cfg.MaxWait = 200 * time.Millisecond

	f.net.OnRequestStart("1", "https://example.com/slow")
	end := time.AfterFunc(500*time.Millisecond, func() { f.net.OnRequestEnd("1") })
	defer end.Stop()

	rep, err := f.o.WaitUntilStable(context.Background(), cfg)
	if !errors.Is(err, stability.ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
	if rep == nil || rep.Outcome != stability.OutcomeTimedOut {
		t.Fatalf("report: got %+v", rep)
	}
	if got, ok := stability.ReportFrom(err); !ok || got != rep {
		t.Fatal("timeout error does not carry the report")
	}
	if len(rep.BlockingURLs) != 1 || rep.BlockingURLs[0] != "https://example.com/slow" {
		t.Fatalf("BlockingURLs: got %v", rep.BlockingURLs)
	}
	if rep.Elapsed < 200*time.Millisecond || rep.Elapsed > 400*time.Millisecond {
		t.Fatalf("Elapsed: got %s, want ~200ms", rep.Elapsed)
	}
	if f.o.State() != StateTimedOut {
		t.Fatalf("State: got %s", f.o.State())
	}
}

func TestWaitUntilStable_RequestEndsThenIdle(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	cfg := quickConfig()
	cfg.MutationSettle = 10 * time.Millisecond
	cfg.MaxWait = time.Second

	f.net.OnRequestStart("1", "https://example.com/slow")
	end := time.AfterFunc(500*time.Millisecond, func() { f.net.OnRequestEnd("1") })
	defer end.Stop()

	start := time.Now()
	rep, err := f.o.WaitUntilStable(context.Background(), cfg)
	if err != nil {
		t.Fatalf("WaitUntilStable: %v", err)
	}
	if !rep.Stable() {
		t.Fatalf("Outcome: got %s", rep.Outcome)
	}
	if took := time.Since(start); took < 550*time.Millisecond {
		t.Fatalf("stable after %s, before request end + idle time", took)
	}
	if f.o.State() != StateStable {
		t.Fatalf("State: got %s", f.o.State())
	}
}

// One mutation at t=0, a request from 0 to 300ms and an animation from 0 to
// 200ms: the network is the last signal to settle.
func TestWaitUntilStable_CombinedScenario(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	cfg := quickConfig()

	start := time.Now()
	f.mut.OnMutationBatch(1)
	f.net.OnRequestStart("1", "https://example.com/data")
	f.anim.OnAnimationStart("1:slide", match.Element{Tag: "aside"})
	t1 := time.AfterFunc(200*time.Millisecond, func() { f.anim.OnAnimationEnd("1:slide") })
	t2 := time.AfterFunc(300*time.Millisecond, func() { f.net.OnRequestEnd("1") })
	defer t1.Stop()
	defer t2.Stop()

	rep, err := f.o.WaitUntilStable(context.Background(), cfg)
	if err != nil {
		t.Fatalf("WaitUntilStable: %v", err)
	}
	took := time.Since(start)
	// The request ends at 300ms and needs 50ms of idle; one poll interval
	// of slack above that.
	if took < 350*time.Millisecond {
		t.Fatalf("resolved after %s, before the network settled", took)
	}
	if took > 400*time.Millisecond {
		t.Fatalf("resolved after %s, want by about 350ms", took)
	}
	if rep.MutationsDuringWait != 0 {
		t.Fatalf("MutationsDuringWait: got %d, want 0 (mutation predates the wait)", rep.MutationsDuringWait)
	}
	for _, s := range rep.Signals {
		if !s.Settled {
			t.Errorf("signal %s not settled in final report", s.Kind)
		}
	}
}

func TestWaitUntilStable_ProbeFailureNeverStable(t *testing.T) {
	var calls atomic.Int32
	probe := ProbeFunc(func(context.Context) error {
		if calls.Add(1) <= 3 {
			return stability.ErrInstrumentationMissing
		}
		return nil
	})
	f := newFixture(t, nil, nil, probe)
	cfg := quickConfig()
	cfg.MutationSettle = time.Millisecond
	cfg.NetworkIdle = time.Millisecond
	cfg.AnimationSettle = time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	time.Sleep(5 * time.Millisecond)

	rep, err := f.o.WaitUntilStable(context.Background(), cfg)
	if err != nil {
		t.Fatalf("WaitUntilStable: %v", err)
	}
	if rep.Polls < 4 {
		t.Fatalf("Polls: got %d, want >= 4 (first three probes failed)", rep.Polls)
	}
}

func TestWaitUntilStable_Cancel(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	f.net.OnRequestStart("1", "https://example.com/hang")

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	rep, err := f.o.WaitUntilStable(ctx, quickConfig())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err: got %v, want context.DeadlineExceeded", err)
	}
	if errors.Is(err, stability.ErrTimeout) {
		t.Fatal("cancellation reported as a stability timeout")
	}
	if rep.Outcome != stability.OutcomeCanceled {
		t.Fatalf("Outcome: got %s", rep.Outcome)
	}
	if f.net.Active() != 1 {
		t.Fatal("abandoning the wait changed tracker state")
	}

	// A new call resets to polling and can still succeed.
	f.net.OnRequestEnd("1")
	cfg := quickConfig()
	cfg.MutationSettle = time.Millisecond
	if _, err := f.o.WaitUntilStable(context.Background(), cfg); err != nil {
		t.Fatalf("second wait: %v", err)
	}
}

func TestWaitUntilStable_InvalidConfig(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	_, err := f.o.WaitUntilStable(context.Background(), stability.Config{NetworkIdle: -time.Second})
	if err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestSnapshot(t *testing.T) {
	clk := newFakeClock()
	f := newFixture(t, clk.Now, nil, nil)
	f.net.OnRequestStart("1", "https://example.com/x")

	rep := f.o.Snapshot(context.Background(), quickConfig())
	if rep.Outcome != stability.OutcomeUnstable {
		t.Fatalf("Outcome: got %s", rep.Outcome)
	}
	if rep.ID != "rep_1" {
		t.Fatalf("ID: got %q", rep.ID)
	}
	if got := rep.Blocking(); len(got) != 3 {
		t.Fatalf("Blocking: got %v, want all three (nothing settled yet)", got)
	}
}
