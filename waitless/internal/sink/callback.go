package sink

import (
	"context"

	"github.com/hazyhaar/waitless/stability"
)

// ReportFunc receives each report in-process.
type ReportFunc func(ctx context.Context, rep *stability.Report) error

// Callback delivers reports through a Go function call.
type Callback struct {
	fn ReportFunc
}

// NewCallback creates a Callback sink. A nil fn discards reports.
func NewCallback(fn ReportFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) SendReport(ctx context.Context, rep *stability.Report) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, rep)
}

func (c *Callback) Close() error { return nil }
