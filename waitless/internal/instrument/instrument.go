// Package instrument attaches the browser-side hooks that feed a session's
// trackers: an injected script for DOM mutations and animations, talking
// back through a Runtime binding, and CDP Network/Page events for requests
// and document replacement.
package instrument

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/waitless/idgen"
	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/match"
	"github.com/hazyhaar/waitless/waitless/internal/tracker"
)

//go:embed instrument.js
var instrumentJS string

// BindingName is the Runtime binding the injected script posts to.
const BindingName = "__waitless_binding"

// pollJS returns the polled running animations, or null when the current
// document does not carry this instrumentor's script.
const pollJS = `(token) => (window.__waitless && window.__waitless.token === token) ? window.__waitless.running() : null`

const stopJS = `(token) => { if (window.__waitless && window.__waitless.token === token) { window.__waitless.stop(); delete window.__waitless; } }`

// EvalFunc evaluates a JS function in the page with JSON arguments.
type EvalFunc func(ctx context.Context, js string, args ...any) (gson.JSON, error)

// PageEval adapts a rod page to EvalFunc.
func PageEval(p *rod.Page) EvalFunc {
	return func(ctx context.Context, js string, args ...any) (gson.JSON, error) {
		res, err := p.Context(ctx).Eval(js, args...)
		if err != nil {
			return gson.JSON{}, err
		}
		return res.Value, nil
	}
}

// Config for creating an Instrumentor.
type Config struct {
	Page      *rod.Page
	Mutation  *tracker.Mutation
	Network   *tracker.Network
	Animation *tracker.Animation

	// IgnoreSelectors are forwarded to the page so Element.matches can
	// resolve selectors a detached descriptor cannot.
	IgnoreSelectors []string

	// Eval replaces page evaluation. Defaults to PageEval(Page).
	Eval   EvalFunc
	Logger *slog.Logger
}

// Instrumentor owns the hooks of one page.
type Instrumentor struct {
	page      *rod.Page
	mutation  *tracker.Mutation
	network   *tracker.Network
	animation *tracker.Animation
	eval      EvalFunc
	logger    *slog.Logger

	token  string
	config jsConfig

	present   atomic.Bool
	reinjects atomic.Uint64

	cancel context.CancelFunc
	remove func() error
}

type jsConfig struct {
	Token   string   `json:"token"`
	Binding string   `json:"binding"`
	Ignore  []string `json:"ignore"`
}

// New creates an Instrumentor. Nothing touches the page until Attach.
func New(cfg Config) *Instrumentor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Eval == nil && cfg.Page != nil {
		cfg.Eval = PageEval(cfg.Page)
	}
	token := idgen.New()
	ignore := cfg.IgnoreSelectors
	if ignore == nil {
		ignore = []string{}
	}
	return &Instrumentor{
		page:      cfg.Page,
		mutation:  cfg.Mutation,
		network:   cfg.Network,
		animation: cfg.Animation,
		eval:      cfg.Eval,
		logger:    cfg.Logger,
		token:     token,
		config:    jsConfig{Token: token, Binding: BindingName, Ignore: ignore},
	}
}

// Attach registers the binding, subscribes to CDP events, installs the
// script for every future document and injects it into the current one.
// Requests already in flight are not trackable and are not assumed pending.
func (in *Instrumentor) Attach(ctx context.Context) error {
	if in.page == nil {
		return fmt.Errorf("instrument: attach: no page")
	}
	page := in.page

	// Event delivery outlives the caller's ctx; Detach stops it.
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in.cancel = cancel

	// Subscribe before enabling the domains so no event is missed.
	wait := page.Context(lctx).EachEvent(
		in.onRequestWillBeSent,
		in.onLoadingFinished,
		in.onLoadingFailed,
		in.onFrameNavigated,
		in.onContextsCleared,
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != BindingName {
				return
			}
			if err := in.dispatch(e.Payload); err != nil {
				in.logger.Warn("instrument: bad binding payload", "error", err)
			}
		},
	)
	go wait()

	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		cancel()
		return fmt.Errorf("instrument: add binding: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		cancel()
		return fmt.Errorf("instrument: network enable: %w", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		cancel()
		return fmt.Errorf("instrument: page enable: %w", err)
	}

	remove, err := page.EvalOnNewDocument(in.bootstrap())
	if err != nil {
		cancel()
		return fmt.Errorf("instrument: install script: %w", err)
	}
	in.remove = remove

	if err := in.inject(ctx); err != nil {
		in.Detach(context.WithoutCancel(ctx))
		return err
	}
	in.logger.Debug("instrument: attached", "token", in.token)
	return nil
}

// bootstrap is the self-invoking form of the script, run by the browser
// before any page script on every new document.
func (in *Instrumentor) bootstrap() string {
	cfg, _ := json.Marshal(in.config)
	return "(" + strings.TrimSpace(instrumentJS) + ")(" + string(cfg) + ");"
}

func (in *Instrumentor) inject(ctx context.Context) error {
	if in.eval == nil {
		return fmt.Errorf("instrument: inject: no page")
	}
	res, err := in.eval(ctx, instrumentJS, in.config)
	if err != nil {
		// A caller that gave up says nothing about the document.
		if ctx.Err() == nil {
			in.present.Store(false)
		}
		return fmt.Errorf("instrument: inject: %w", err)
	}
	in.present.Store(true)
	if res.Bool() {
		in.reinjects.Add(1)
	}
	return nil
}

// Check is the per-tick probe. It verifies that the current document
// carries the script, re-injects when it does not and reconciles the
// animation count with the animations actually running. The returned error
// wraps stability.ErrInstrumentationMissing when re-injection failed. A
// canceled ctx returns its error and leaves the presence flag untouched.
func (in *Instrumentor) Check(ctx context.Context) error {
	if in.eval == nil {
		return stability.ErrInstrumentationMissing
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	gen := in.animation.Generation()
	res, err := in.eval(ctx, pollJS, in.token)
	if err == nil && !res.Nil() {
		in.present.Store(true)
		in.recount(gen, res.Str())
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}

	// The document was replaced, or the context died mid-navigation.
	in.present.Store(false)
	if ierr := in.inject(ctx); ierr != nil {
		return fmt.Errorf("instrument: %w: %w", stability.ErrInstrumentationMissing, ierr)
	}
	// Everything between the old document and now went unobserved.
	in.mutation.Touch()
	in.logger.Info("instrument: script re-injected", "reinjects", in.reinjects.Load())

	gen = in.animation.Generation()
	if res, err := in.eval(ctx, pollJS, in.token); err == nil && !res.Nil() {
		in.recount(gen, res.Str())
	}
	return nil
}

func (in *Instrumentor) recount(gen uint64, raw string) {
	var running []tracker.Running
	if err := json.Unmarshal([]byte(raw), &running); err != nil {
		in.logger.Debug("instrument: animation poll", "error", err)
		return
	}
	in.animation.ReconcileSince(gen, running)
}

// Present reports whether the current document is known to carry the
// script. It turns false on main-frame navigation until the next Check;
// one-shot verdicts run Check themselves when it is false.
func (in *Instrumentor) Present() bool { return in.present.Load() }

// Reinjects counts how many times the script was installed into a document
// that lacked it.
func (in *Instrumentor) Reinjects() uint64 { return in.reinjects.Load() }

// Detach stops event delivery and removes the script from the page.
func (in *Instrumentor) Detach(ctx context.Context) error {
	if in.cancel != nil {
		in.cancel()
	}
	in.present.Store(false)
	var firstErr error
	if in.remove != nil {
		if err := in.remove(); err != nil {
			firstErr = fmt.Errorf("instrument: remove script: %w", err)
		}
		in.remove = nil
	}
	if in.eval != nil {
		if _, err := in.eval(ctx, stopJS, in.token); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("instrument: stop script: %w", err)
		}
	}
	return firstErr
}

type message struct {
	T  string        `json:"t"`
	N  int           `json:"n"`
	K  string        `json:"k"`
	El match.Element `json:"el"`
}

// dispatch routes one binding payload to the trackers.
func (in *Instrumentor) dispatch(payload string) error {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return fmt.Errorf("instrument: decode payload: %w", err)
	}
	switch m.T {
	case "m":
		in.mutation.OnMutationBatch(m.N)
	case "as":
		in.animation.OnAnimationStart(m.K, m.El)
	case "ae":
		in.animation.OnAnimationEnd(m.K)
	default:
		return fmt.Errorf("instrument: unknown message %q", m.T)
	}
	return nil
}

func (in *Instrumentor) onRequestWillBeSent(e *proto.NetworkRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	in.network.OnRequestStart(string(e.RequestID), e.Request.URL)
}

func (in *Instrumentor) onLoadingFinished(e *proto.NetworkLoadingFinished) {
	in.network.OnRequestEnd(string(e.RequestID))
}

func (in *Instrumentor) onLoadingFailed(e *proto.NetworkLoadingFailed) {
	in.network.OnRequestEnd(string(e.RequestID))
}

func (in *Instrumentor) onFrameNavigated(e *proto.PageFrameNavigated) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return
	}
	in.present.Store(false)
	in.mutation.Touch()
	in.logger.Debug("instrument: main frame navigated", "url", e.Frame.URL)
}

func (in *Instrumentor) onContextsCleared(*proto.RuntimeExecutionContextsCleared) {
	in.present.Store(false)
}
