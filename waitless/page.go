package waitless

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/waitless/waitless/internal/browser"
)

// Page is the browser surface a session drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	URL() string
	Close() error
}

// instrumentation is the session's view of its page hooks.
type instrumentation interface {
	Check(ctx context.Context) error
	Present() bool
	Detach(ctx context.Context) error
}

type rodPage struct {
	page *rod.Page
	mgr  *browser.Manager
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	return p.mgr.Navigate(ctx, p.page, url)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	return el.Input(text)
}

func (p *rodPage) URL() string { return browser.PageURL(p.page) }

func (p *rodPage) Close() error { return p.page.Close() }
