package waitless

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/config"
)

// Action kinds accepted by Perform.
const (
	ActionClick    = "click"
	ActionType     = "type"
	ActionNavigate = "navigate"
)

// Action is a simulated user action.
type Action struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Validate checks that the action carries what its kind needs.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionClick:
		if a.Selector == "" {
			return fmt.Errorf("%w: click needs a selector", ErrInvalidRequest)
		}
	case ActionType:
		if a.Selector == "" {
			return fmt.Errorf("%w: type needs a selector", ErrInvalidRequest)
		}
	case ActionNavigate:
		if a.URL == "" {
			return fmt.Errorf("%w: navigate needs a url", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, a.Kind)
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case ActionNavigate:
		return a.Kind + " " + a.URL
	default:
		return a.Kind + " " + a.Selector
	}
}

// Click waits for stability, then clicks the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string, opts ...Option) (*stability.Report, error) {
	return s.Perform(ctx, Action{Kind: ActionClick, Selector: selector}, opts...)
}

// Type waits for stability, then types text into the element matching selector.
func (s *Session) Type(ctx context.Context, selector, text string, opts ...Option) (*stability.Report, error) {
	return s.Perform(ctx, Action{Kind: ActionType, Selector: selector, Text: text}, opts...)
}

// Navigate waits for stability, then loads url.
func (s *Session) Navigate(ctx context.Context, url string, opts ...Option) (*stability.Report, error) {
	return s.Perform(ctx, Action{Kind: ActionNavigate, URL: url}, opts...)
}

// Perform runs a validated Action through Do.
func (s *Session) Perform(ctx context.Context, a Action, opts ...Option) (*stability.Report, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return s.Do(ctx, a.String(), func(ctx context.Context) error {
		switch a.Kind {
		case ActionClick:
			return s.page.Click(ctx, a.Selector)
		case ActionType:
			return s.page.Type(ctx, a.Selector, a.Text)
		default:
			return s.page.Navigate(ctx, a.URL)
		}
	}, opts...)
}

// Do guards an arbitrary action: it waits for stability, then runs fn.
// When the wait times out the session policy decides: "abort" (the
// default) returns an error wrapping ErrActionAborted and
// stability.ErrTimeout without running fn, "proceed" runs fn anyway and
// returns the timed-out report with a nil error. A canceled wait never
// runs fn.
func (s *Session) Do(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...Option) (*stability.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, err := s.wait(ctx, name, opts)
	if err != nil {
		if !errors.Is(err, stability.ErrTimeout) {
			return rep, err
		}
		if s.onTimeout == config.OnTimeoutAbort {
			s.logger.Warn("waitless: action aborted on unstable page",
				"action", name, "blocking", rep.Blocking(), "blocking_urls", rep.BlockingURLs)
			return rep, fmt.Errorf("%w: %s: %w", ErrActionAborted, name, err)
		}
		s.logger.Warn("waitless: acting on unstable page",
			"action", name, "blocking", rep.Blocking(), "blocking_urls", rep.BlockingURLs)
	}

	if err := fn(ctx); err != nil {
		return rep, fmt.Errorf("waitless: %s: %w", name, err)
	}
	return rep, nil
}
