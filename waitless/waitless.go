// Package waitless decides when a browser page is quiet enough to receive
// the next simulated user action. Each Session instruments one page:
// DOM mutations, in-flight network requests and running animations feed
// per-session trackers, and an oracle waits until every signal has been
// idle for its settle time.
//
// The Service owns the browser and the sessions and exposes them over an
// HTTP API and MCP tools. Reports of every wait go to the configured sinks
// (stdout, webhook, SQLite, callback).
package waitless

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/waitless/dbopen"
	"github.com/hazyhaar/waitless/idgen"
	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/browser"
	"github.com/hazyhaar/waitless/waitless/internal/config"
	"github.com/hazyhaar/waitless/waitless/internal/instrument"
	"github.com/hazyhaar/waitless/waitless/internal/match"
	"github.com/hazyhaar/waitless/waitless/internal/oracle"
	"github.com/hazyhaar/waitless/waitless/internal/sink"
	"github.com/hazyhaar/waitless/waitless/internal/tracker"
)

// trackers are the three signal trackers of one session.
type trackers struct {
	mutation  *tracker.Mutation
	network   *tracker.Network
	animation *tracker.Animation
}

// attachFunc opens a page and instruments it with t.
type attachFunc func(ctx context.Context, t *trackers, cfg stability.Config, logger *slog.Logger) (Page, instrumentation, error)

// Service is the top-level orchestrator: browser, sessions, sinks and the
// optional SQLite database. Create one per process.
type Service struct {
	cfg    *config.Config
	mgr    *browser.Manager
	sinkR  *sink.Router
	logger *slog.Logger

	db        *sql.DB
	store     *sink.Store
	profiles  *config.ProfileCache
	stopWatch context.CancelFunc

	attach       attachFunc
	newSessionID idgen.Generator

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Service. Sinks passed here receive reports in addition to
// the sinks named in cfg. A nil cfg uses the defaults.
func New(cfg *Config, logger *slog.Logger, sinks ...Sink) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Headful:          cfg.Browser.Headful,
		Bin:              cfg.Browser.Bin,
		NoSandbox:        cfg.Browser.NoSandbox,
		Stealth:          cfg.Browser.Stealth,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		NavigateTimeout:  cfg.Browser.NavigateTimeout,
		Logger:           logger,
	})
	return &Service{
		cfg:          cfg,
		mgr:          mgr,
		sinkR:        sink.NewRouter(logger, sinks...),
		logger:       logger,
		newSessionID: idgen.Prefixed("ses_", idgen.Default),
		sessions:     make(map[string]*Session),
	}
}

// Start opens the database and the configured sinks, then launches (or
// connects to) the browser.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Database != "" {
		db, err := dbopen.Open(s.cfg.Database, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("waitless: open database: %w", err)
		}
		if err := s.useDB(ctx, db); err != nil {
			db.Close()
			return err
		}
	}

	for _, sc := range s.cfg.Sinks {
		var sk Sink
		switch sc.Type {
		case "stdout":
			sk = sink.NewStdout(nil)
		case "webhook":
			sk = sink.NewWebhook(sc.URL,
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookLogger(s.logger))
		case "sqlite":
			if s.store == nil {
				return fmt.Errorf("waitless: sqlite sink without database")
			}
			sk = s.store
		default:
			return fmt.Errorf("waitless: unknown sink type %q", sc.Type)
		}
		s.sinkR.Add(sink.Filter(sk, sc.Only...))
	}

	if s.attach == nil {
		if _, err := s.mgr.Start(ctx); err != nil {
			return fmt.Errorf("waitless: start browser: %w", err)
		}
		s.attach = s.browserAttach
	}
	s.logger.Info("waitless: started", "sinks", s.sinkR.Len(), "database", s.cfg.Database)
	return nil
}

// useDB wires the profile table and the report store onto db.
func (s *Service) useDB(ctx context.Context, db *sql.DB) error {
	table, err := config.NewProfiles(ctx, db)
	if err != nil {
		return err
	}
	profiles, err := config.NewProfileCache(ctx, table, config.WatchOptions{
		Debounce: 200 * time.Millisecond,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}
	store, err := sink.NewStore(ctx, db)
	if err != nil {
		return err
	}
	s.db, s.profiles, s.store = db, profiles, store

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopWatch = cancel
	go profiles.Watch(wctx)
	return nil
}

func (s *Service) browserAttach(ctx context.Context, t *trackers, cfg stability.Config, logger *slog.Logger) (Page, instrumentation, error) {
	page, err := s.mgr.NewPage(ctx)
	if err != nil {
		return nil, nil, err
	}
	in := instrument.New(instrument.Config{
		Page:            page,
		Mutation:        t.mutation,
		Network:         t.network,
		Animation:       t.animation,
		IgnoreSelectors: cfg.IgnoreAnimationSelectors,
		Logger:          logger,
	})
	if err := in.Attach(ctx); err != nil {
		page.Close()
		return nil, nil, err
	}
	return &rodPage{page: page, mgr: s.mgr}, in, nil
}

// OpenRequest describes a new session.
type OpenRequest struct {
	// URL is loaded once instrumentation is attached. Empty leaves the
	// tab blank.
	URL string `json:"url,omitempty"`
	// Stability overrides the configured defaults for this session.
	Stability stability.Config `json:"stability"`
	// OnTimeout overrides the action policy: abort | proceed.
	OnTimeout string `json:"on_timeout,omitempty"`
}

// Open creates a session: a new tab with instrumentation attached before
// the first navigation.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if s.attach == nil {
		return nil, fmt.Errorf("waitless: service not started")
	}

	cfg := s.cfg.Stability
	if req.URL != "" && s.profiles != nil {
		p, ok, err := s.profiles.Resolve(ctx, req.URL)
		if err != nil {
			s.logger.Warn("waitless: resolve profile", "url", req.URL, "error", err)
		} else if ok {
			cfg = cfg.Merge(p)
		}
	}
	cfg = cfg.Merge(req.Stability).WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	policy := req.OnTimeout
	if policy == "" {
		policy = s.cfg.OnTimeout
	}
	if !validPolicy(policy) {
		return nil, fmt.Errorf("%w: on_timeout %q", ErrInvalidRequest, policy)
	}

	urls, err := match.CompileURLs(cfg.IgnoreURLs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	sels, err := match.CompileSelectors(cfg.IgnoreAnimationSelectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := s.newSessionID()
	logger := s.logger.With("session", id)
	t := &trackers{
		mutation:  tracker.NewMutation(tracker.WithLogger(logger)),
		network:   tracker.NewNetwork(urls, tracker.WithLogger(logger)),
		animation: tracker.NewAnimation(sels, tracker.WithLogger(logger)),
	}

	page, instr, err := s.attach(ctx, t, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("waitless: open session: %w", err)
	}

	sess := &Session{
		id:        id,
		createdAt: time.Now(),
		onTimeout: policy,
		page:      page,
		instr:     instr,
		oracle: oracle.New(oracle.Config{
			Mutation:     t.mutation,
			Network:      t.network,
			Animation:    t.animation,
			Probe:        instr,
			Instrumented: instr.Present,
			Logger:       logger,
		}),
		cfg:      cfg,
		base:     s.cfg.Stability,
		override: req.Stability,
		sinks:    s.sinkR,
		logger:   logger,
	}
	if s.profiles != nil {
		sess.profiles = s.profiles
	}

	if req.URL != "" {
		if err := page.Navigate(ctx, req.URL); err != nil {
			sess.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("waitless: open session: %w", err)
		}
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	logger.Info("waitless: session opened", "url", req.URL, "on_timeout", policy)
	return sess, nil
}

// Session returns an open session.
func (s *Service) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Sessions lists open sessions ordered by id.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CloseSession closes and forgets a session.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Close(ctx)
}

// Profiles lists the per-site stability profiles.
func (s *Service) Profiles() ([]Profile, error) {
	if s.profiles == nil {
		return nil, ErrNoDatabase
	}
	return s.profiles.List(), nil
}

// PutProfile stores the override applied to every URL starting with prefix.
// Open sessions pick it up on their next wait.
func (s *Service) PutProfile(ctx context.Context, prefix string, cfg stability.Config) error {
	if s.profiles == nil {
		return ErrNoDatabase
	}
	if prefix == "" {
		return fmt.Errorf("%w: url_prefix is required", ErrInvalidRequest)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return s.profiles.Put(ctx, prefix, cfg)
}

// DeleteProfile removes the profile for prefix.
func (s *Service) DeleteProfile(ctx context.Context, prefix string) error {
	if s.profiles == nil {
		return ErrNoDatabase
	}
	return s.profiles.Delete(ctx, prefix)
}

// Reports lists stored reports, newest first.
func (s *Service) Reports(ctx context.Context, q ReportQuery) ([]*stability.Report, error) {
	if s.store == nil {
		return nil, ErrNoDatabase
	}
	return s.store.List(ctx, q)
}

// Close closes every session, the sinks, the browser and the database.
func (s *Service) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			s.logger.Warn("waitless: close session", "session", id, "error", err)
		}
	}

	if s.stopWatch != nil {
		s.stopWatch()
	}
	var firstErr error
	if err := s.sinkR.Close(); err != nil {
		firstErr = err
	}
	if err := s.mgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
