package waitless

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/config"
	"github.com/hazyhaar/waitless/waitless/internal/oracle"
	"github.com/hazyhaar/waitless/waitless/internal/sink"
)

// profileResolver returns the per-site override for a URL.
type profileResolver interface {
	Resolve(ctx context.Context, url string) (stability.Config, bool, error)
}

// Session is one instrumented page with its own trackers and oracle.
// Waits and actions on a session are serialised; Diagnostics and IsStable
// may be called at any time.
type Session struct {
	id        string
	createdAt time.Time
	onTimeout string

	page  Page
	instr instrumentation

	oracle *oracle.Oracle

	// cfg has defaults applied; its ignore patterns are the ones compiled
	// into the trackers. base and override are the layers it was resolved
	// from, kept so a profile matching a later URL slots in between.
	cfg      stability.Config
	base     stability.Config
	override stability.Config
	profiles profileResolver
	sinks    sink.Sink
	logger   *slog.Logger

	mu         sync.Mutex
	closed     atomic.Bool
	deliveries sync.WaitGroup
}

// SessionInfo describes an open session.
type SessionInfo struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	CreatedAt int64            `json:"created_at"` // epoch milliseconds
	OnTimeout string           `json:"on_timeout"`
	Config    stability.Config `json:"config"`
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// URL returns the page's current URL.
func (s *Session) URL() string { return s.page.URL() }

// Config returns the session configuration.
func (s *Session) Config() stability.Config { return s.cfg.WithDefaults() }

// Info describes the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:        s.id,
		URL:       s.page.URL(),
		CreatedAt: s.createdAt.UnixMilli(),
		OnTimeout: s.onTimeout,
		Config:    s.Config(),
	}
}

// effective resolves the configuration of one call: service defaults, the
// profile matching the current URL, the session override, then the call
// options.
func (s *Session) effective(ctx context.Context, opts []Option) stability.Config {
	cfg := s.cfg
	if s.profiles != nil {
		cfg = s.base
		url := s.page.URL()
		p, ok, err := s.profiles.Resolve(ctx, url)
		if err != nil {
			s.logger.Warn("waitless: resolve profile", "url", url, "error", err)
		} else if ok {
			cfg = cfg.Merge(p)
		}
		cfg = cfg.Merge(s.override)
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.IgnoreURLs = s.cfg.IgnoreURLs
	cfg.IgnoreAnimationSelectors = s.cfg.IgnoreAnimationSelectors
	return cfg.WithDefaults()
}

// WaitUntilStable blocks until the page is stable or the max wait elapses.
// The report is returned in both cases; on timeout err wraps
// stability.ErrTimeout. Every report is delivered to the configured sinks.
func (s *Session) WaitUntilStable(ctx context.Context, opts ...Option) (*stability.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wait(ctx, "", opts)
}

func (s *Session) wait(ctx context.Context, action string, opts []Option) (*stability.Report, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	rep, err := s.oracle.WaitUntilStable(ctx, s.effective(ctx, opts))
	if rep == nil {
		return nil, err
	}
	rep.SessionID = s.id
	rep.PageURL = s.page.URL()
	rep.Action = action
	s.deliver(ctx, rep)
	return rep, err
}

// deliver hands a copy of rep to the sinks without holding up the caller.
func (s *Session) deliver(ctx context.Context, rep *stability.Report) {
	if s.sinks == nil {
		return
	}
	cp := *rep
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		s.sinks.SendReport(dctx, &cp)
	}()
}

// IsStable evaluates the verdict once, without waiting. The page is only
// probed when its instrumentation went missing.
func (s *Session) IsStable(ctx context.Context, opts ...Option) bool {
	return s.oracle.IsStable(ctx, s.effective(ctx, opts))
}

// Snapshot returns a report of the current state without waiting.
func (s *Session) Snapshot(ctx context.Context, opts ...Option) *stability.Report {
	rep := s.oracle.Snapshot(ctx, s.effective(ctx, opts))
	rep.SessionID = s.id
	rep.PageURL = s.page.URL()
	return rep
}

// Diagnostics is read-only and resets nothing.
func (s *Session) Diagnostics() stability.Diagnostics {
	return s.oracle.Diagnostics()
}

// State is the state of the latest wait.
func (s *Session) State() oracle.State {
	return s.oracle.State()
}

// Close detaches the instrumentation, closes the page and waits for
// pending report deliveries. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.instr.Detach(ctx); err != nil {
		s.logger.Debug("waitless: detach", "error", err)
	}
	if err := s.page.Close(); err != nil {
		firstErr = err
	}
	s.deliveries.Wait()
	s.logger.Info("waitless: session closed")
	return firstErr
}

func validPolicy(p string) bool {
	return p == config.OnTimeoutProceed || p == config.OnTimeoutAbort
}
