package waitless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/waitless/kit"
	"github.com/hazyhaar/waitless/stability"
)

// WaitRequest carries per-call overrides. Durations are milliseconds; zero
// keeps the session value.
type WaitRequest struct {
	SessionID         string           `json:"session_id"`
	MaxWaitMs         int64            `json:"max_wait_ms,omitempty"`
	PollIntervalMs    int64            `json:"poll_interval_ms,omitempty"`
	MutationSettleMs  int64            `json:"mutation_settle_ms,omitempty"`
	NetworkIdleMs     int64            `json:"network_idle_ms,omitempty"`
	AnimationSettleMs int64            `json:"animation_settle_ms,omitempty"`
	IgnoreSignals     []stability.Kind `json:"ignore_signals,omitempty"`
}

// Options converts the request into call options.
func (r *WaitRequest) Options() ([]Option, error) {
	for _, ms := range []int64{r.MaxWaitMs, r.PollIntervalMs, r.MutationSettleMs, r.NetworkIdleMs, r.AnimationSettleMs} {
		if ms < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrInvalidRequest)
		}
	}
	for _, k := range r.IgnoreSignals {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown signal %q", ErrInvalidRequest, k)
		}
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	o := stability.Config{
		MaxWait:         ms(r.MaxWaitMs),
		PollInterval:    ms(r.PollIntervalMs),
		MutationSettle:  ms(r.MutationSettleMs),
		NetworkIdle:     ms(r.NetworkIdleMs),
		AnimationSettle: ms(r.AnimationSettleMs),
	}
	opts := []Option{WithOverride(o)}
	if len(r.IgnoreSignals) > 0 {
		opts = append(opts, WithIgnoreSignals(r.IgnoreSignals...))
	}
	return opts, nil
}

// ActionRequest is one guarded action with its wait overrides.
type ActionRequest struct {
	WaitRequest
	Action
}

// ActionResult reports what a guarded action did.
type ActionResult struct {
	Action    string            `json:"action"`
	Report    *stability.Report `json:"report,omitempty"`
	Performed bool              `json:"performed"`
	Aborted   bool              `json:"aborted,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// StableResult is the one-shot verdict with the state it was taken on.
type StableResult struct {
	Stable bool              `json:"stable"`
	Report *stability.Report `json:"report"`
}

// SessionRequest names a session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// ProfileRequest names (and for a put, carries) a per-site profile.
type ProfileRequest struct {
	URLPrefix string           `json:"url_prefix"`
	Config    stability.Config `json:"config"`
}

// ReportsRequest filters stored reports.
type ReportsRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	Outcome   stability.Outcome `json:"outcome,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// Endpoints are the operations shared by the HTTP API and the MCP tools.
type Endpoints struct {
	Open        kit.Endpoint
	Sessions    kit.Endpoint
	Wait        kit.Endpoint
	Stable      kit.Endpoint
	Diagnostics kit.Endpoint
	Action      kit.Endpoint
	Close       kit.Endpoint
	Reports     kit.Endpoint
	Profiles    kit.Endpoint
	PutProfile  kit.Endpoint
	DelProfile  kit.Endpoint
}

// Endpoints builds the service endpoints wrapped with logging.
func (s *Service) Endpoints() Endpoints {
	wrap := func(op string, e kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.logger, op))(e)
	}
	return Endpoints{
		Open:        wrap("open", s.openEndpoint),
		Sessions:    wrap("sessions", s.sessionsEndpoint),
		Wait:        wrap("wait", s.waitEndpoint),
		Stable:      wrap("stable", s.stableEndpoint),
		Diagnostics: wrap("diagnostics", s.diagnosticsEndpoint),
		Action:      wrap("action", s.actionEndpoint),
		Close:       wrap("close", s.closeEndpoint),
		Reports:     wrap("reports", s.reportsEndpoint),
		Profiles:    wrap("profiles", s.profilesEndpoint),
		PutProfile:  wrap("put_profile", s.putProfileEndpoint),
		DelProfile:  wrap("delete_profile", s.deleteProfileEndpoint),
	}
}

func (s *Service) openEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*OpenRequest)
	sess, err := s.Open(ctx, *r)
	if err != nil {
		return nil, err
	}
	return sess.Info(), nil
}

func (s *Service) sessionsEndpoint(context.Context, any) (any, error) {
	return s.Sessions(), nil
}

// waitEndpoint returns the report on timeout as well; only cancellation
// and lookup failures are errors.
func (s *Service) waitEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*WaitRequest)
	sess, opts, err := s.lookup(r)
	if err != nil {
		return nil, err
	}
	rep, err := sess.WaitUntilStable(kit.WithSessionID(ctx, sess.ID()), opts...)
	if err != nil && !errors.Is(err, stability.ErrTimeout) {
		return nil, err
	}
	return rep, nil
}

func (s *Service) stableEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*WaitRequest)
	sess, opts, err := s.lookup(r)
	if err != nil {
		return nil, err
	}
	rep := sess.Snapshot(ctx, opts...)
	return &StableResult{Stable: rep.Stable(), Report: rep}, nil
}

func (s *Service) diagnosticsEndpoint(_ context.Context, req any) (any, error) {
	r := req.(*SessionRequest)
	sess, err := s.Session(r.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.Diagnostics(), nil
}

// actionEndpoint reports aborted and failed actions in the result rather
// than as errors, so callers keep the report that explains them.
func (s *Service) actionEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*ActionRequest)
	if err := r.Action.Validate(); err != nil {
		return nil, err
	}
	sess, opts, err := s.lookup(&r.WaitRequest)
	if err != nil {
		return nil, err
	}
	rep, err := sess.Perform(kit.WithSessionID(ctx, sess.ID()), r.Action, opts...)
	res := &ActionResult{Action: r.Action.String(), Report: rep}
	switch {
	case err == nil:
		res.Performed = true
	case errors.Is(err, ErrActionAborted):
		res.Aborted = true
		res.Error = err.Error()
	case rep != nil && rep.Outcome != stability.OutcomeCanceled:
		// The wait completed; the action itself failed.
		res.Performed = true
		res.Error = err.Error()
	default:
		return nil, err
	}
	return res, nil
}

func (s *Service) closeEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*SessionRequest)
	if err := s.CloseSession(ctx, r.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": r.SessionID, "closed": true}, nil
}

func (s *Service) reportsEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*ReportsRequest)
	reps, err := s.Reports(ctx, ReportQuery{SessionID: r.SessionID, Outcome: r.Outcome, Limit: r.Limit})
	if err != nil {
		return nil, err
	}
	if reps == nil {
		reps = []*stability.Report{}
	}
	return reps, nil
}

func (s *Service) profilesEndpoint(context.Context, any) (any, error) {
	list, err := s.Profiles()
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []Profile{}
	}
	return list, nil
}

func (s *Service) putProfileEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*ProfileRequest)
	if err := s.PutProfile(ctx, r.URLPrefix, r.Config); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) deleteProfileEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*ProfileRequest)
	if r.URLPrefix == "" {
		return nil, fmt.Errorf("%w: url_prefix is required", ErrInvalidRequest)
	}
	if err := s.DeleteProfile(ctx, r.URLPrefix); err != nil {
		return nil, err
	}
	return map[string]any{"url_prefix": r.URLPrefix, "deleted": true}, nil
}

func (s *Service) lookup(r *WaitRequest) (*Session, []Option, error) {
	if r.SessionID == "" {
		return nil, nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	sess, err := s.Session(r.SessionID)
	if err != nil {
		return nil, nil, err
	}
	opts, err := r.Options()
	if err != nil {
		return nil, nil, err
	}
	return sess, opts, nil
}
