package instrument

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/match"
	"github.com/hazyhaar/waitless/waitless/internal/tracker"
)

// fakePage answers the three scripts the instrumentor evaluates.
type fakePage struct {
	mu      sync.Mutex
	present bool
	running string
	fail    error
	injects int
	stopped bool
}

func (p *fakePage) eval(_ context.Context, js string, _ ...any) (gson.JSON, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return gson.JSON{}, p.fail
	}
	switch js {
	case instrumentJS:
		was := p.present
		p.present = true
		p.injects++
		return gson.New(!was), nil
	case pollJS:
		if !p.present {
			return gson.New(nil), nil
		}
		return gson.New(p.running), nil
	case stopJS:
		p.stopped = true
		p.present = false
		return gson.New(nil), nil
	}
	return gson.JSON{}, errors.New("unexpected script")
}

func (p *fakePage) navigate() {
	p.mu.Lock()
	p.present = false
	p.mu.Unlock()
}

type fixture struct {
	mut  *tracker.Mutation
	net  *tracker.Network
	anim *tracker.Animation
	page *fakePage
	in   *Instrumentor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	urls, err := match.CompileURLs([]string{"*/analytics*"})
	if err != nil {
		t.Fatal(err)
	}
	sels, err := match.CompileSelectors([]string{".spinner", "nav > .loader"})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		mut:  tracker.NewMutation(),
		net:  tracker.NewNetwork(urls),
		anim: tracker.NewAnimation(sels),
		page: &fakePage{running: "[]"},
	}
	f.in = New(Config{
		Mutation:        f.mut,
		Network:         f.net,
		Animation:       f.anim,
		IgnoreSelectors: sels.Selectors(),
		Eval:            f.page.eval,
	})
	return f
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)

	if err := f.in.dispatch(`{"t":"m","n":12}`); err != nil {
		t.Fatal(err)
	}
	if f.mut.Total() != 12 {
		t.Fatalf("mutations: got %d, want 12", f.mut.Total())
	}

	// Ignored in the page through Element.matches.
	f.in.dispatch(`{"t":"as","k":"3:spin","el":{"tag":"div","matched":["nav > .loader"]}}`)
	// Ignored by the descriptor alone.
	f.in.dispatch(`{"t":"as","k":"4:spin","el":{"tag":"i","classes":["spinner"]}}`)
	f.in.dispatch(`{"t":"as","k":"5:fade","el":{"tag":"div","id":"toast"}}`)
	if f.anim.Active() != 1 {
		t.Fatalf("animations: got %d, want 1", f.anim.Active())
	}
	f.in.dispatch(`{"t":"ae","k":"3:spin"}`)
	f.in.dispatch(`{"t":"ae","k":"5:fade"}`)
	if f.anim.Active() != 0 || f.anim.Underflows() != 0 {
		t.Fatalf("after ends: active=%d underflows=%d", f.anim.Active(), f.anim.Underflows())
	}

	if err := f.in.dispatch(`{"t":`); err == nil {
		t.Fatal("malformed payload accepted")
	}
	if err := f.in.dispatch(`{"t":"zz"}`); err == nil {
		t.Fatal("unknown message accepted")
	}
}

func TestNetworkEvents(t *testing.T) {
	f := newFixture(t)

	f.in.onRequestWillBeSent(&proto.NetworkRequestWillBeSent{
		RequestID: "1", Request: &proto.NetworkRequest{URL: "https://example.com/api"},
	})
	f.in.onRequestWillBeSent(&proto.NetworkRequestWillBeSent{
		RequestID: "2", Request: &proto.NetworkRequest{URL: "https://example.com/analytics/beacon"},
	})
	f.in.onRequestWillBeSent(&proto.NetworkRequestWillBeSent{RequestID: "3"})
	if f.net.Active() != 1 {
		t.Fatalf("Active: got %d, want 1", f.net.Active())
	}

	f.in.onLoadingFailed(&proto.NetworkLoadingFailed{RequestID: "1"})
	f.in.onLoadingFinished(&proto.NetworkLoadingFinished{RequestID: "2"})
	f.in.onLoadingFinished(&proto.NetworkLoadingFinished{RequestID: "0"}) // before attach
	if f.net.Active() != 0 {
		t.Fatalf("Active: got %d, want 0", f.net.Active())
	}
	if f.net.Underflows() != 1 {
		t.Fatalf("Underflows: got %d, want 1", f.net.Underflows())
	}
}

func TestCheck_ReinjectsAndRecounts(t *testing.T) {
	f := newFixture(t)
	f.page.running = `[{"k":"1:slide","el":{"tag":"ul"}},{"k":"2:spin","el":{"tag":"i","classes":["spinner"]}}]`
	gen := f.mut.Generation()

	if f.in.Present() {
		t.Fatal("present before any check")
	}
	if err := f.in.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !f.in.Present() || f.in.Reinjects() != 1 {
		t.Fatalf("present=%v reinjects=%d", f.in.Present(), f.in.Reinjects())
	}
	if f.mut.Generation() == gen {
		t.Fatal("re-injection did not mark mutation activity")
	}
	if f.anim.Active() != 1 {
		t.Fatalf("animations after recount: got %d, want 1", f.anim.Active())
	}

	// Healthy document: no further injection.
	f.page.running = `[]`
	if err := f.in.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.page.injects != 1 {
		t.Fatalf("injects: got %d, want 1", f.page.injects)
	}
	if f.anim.Active() != 0 {
		t.Fatalf("animations: got %d, want 0", f.anim.Active())
	}
}

func TestCheck_MainFrameNavigation(t *testing.T) {
	f := newFixture(t)
	if err := f.in.Check(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.in.onFrameNavigated(&proto.PageFrameNavigated{Frame: &proto.PageFrame{ID: "child", ParentID: "main"}})
	if !f.in.Present() {
		t.Fatal("iframe navigation cleared presence")
	}

	f.page.navigate()
	f.in.onFrameNavigated(&proto.PageFrameNavigated{Frame: &proto.PageFrame{ID: "main", URL: "https://example.com/next"}})
	if f.in.Present() {
		t.Fatal("main frame navigation kept presence")
	}
	if err := f.in.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.in.Present() || f.page.injects != 2 {
		t.Fatalf("present=%v injects=%d", f.in.Present(), f.page.injects)
	}
}

func TestCheck_InjectionFailure(t *testing.T) {
	f := newFixture(t)
	f.page.fail = errors.New("target closed")

	err := f.in.Check(context.Background())
	if !errors.Is(err, stability.ErrInstrumentationMissing) {
		t.Fatalf("err: got %v, want ErrInstrumentationMissing", err)
	}
	if f.in.Present() {
		t.Fatal("present after failed injection")
	}
}

func TestCheck_CanceledContext(t *testing.T) {
	f := newFixture(t)
	if err := f.in.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.in.Check(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
	if !f.in.Present() {
		t.Fatal("abandoned check cleared presence")
	}

	// A replaced document is not re-injected on behalf of a caller that left.
	f.page.navigate()
	if err := f.in.Check(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
	if f.page.injects != 1 {
		t.Fatalf("injects: got %d, want 1", f.page.injects)
	}
}

func TestBootstrapAndDetach(t *testing.T) {
	f := newFixture(t)
	boot := f.in.bootstrap()
	if !strings.HasPrefix(boot, "((cfg) =>") || !strings.HasSuffix(boot, ");") {
		t.Fatalf("bootstrap is not self-invoking: %.40q", boot)
	}
	for _, want := range []string{f.in.token, BindingName, ".spinner"} {
		if !strings.Contains(boot, want) {
			t.Errorf("bootstrap missing %q", want)
		}
	}

	f.in.Check(context.Background())
	if err := f.in.Detach(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.page.stopped || f.in.Present() {
		t.Fatal("Detach did not stop the script")
	}
}

func TestAttach_RequiresPage(t *testing.T) {
	f := newFixture(t)
	if err := f.in.Attach(context.Background()); err == nil {
		t.Fatal("Attach without a page succeeded")
	}
}
