// Package sink defines output backends for stability reports.
package sink

import (
	"context"
	"slices"

	"github.com/hazyhaar/waitless/stability"
)

// Sink delivers reports to a backend (stdout, webhook, SQLite, in-process
// callback).
type Sink interface {
	SendReport(ctx context.Context, rep *stability.Report) error
	Close() error
}

// Filter forwards only reports whose outcome is in outcomes. An empty list
// forwards everything.
func Filter(s Sink, outcomes ...stability.Outcome) Sink {
	if len(outcomes) == 0 {
		return s
	}
	return &filtered{next: s, outcomes: outcomes}
}

type filtered struct {
	next     Sink
	outcomes []stability.Outcome
}

func (f *filtered) SendReport(ctx context.Context, rep *stability.Report) error {
	if !slices.Contains(f.outcomes, rep.Outcome) {
		return nil
	}
	return f.next.SendReport(ctx, rep)
}

func (f *filtered) Close() error { return f.next.Close() }
