package waitless

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless/internal/sink"
)

// Sink receives every stability report.
type Sink = sink.Sink

// ReportQuery selects stored reports.
type ReportQuery = sink.Query

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process sink with no serialisation.
func NewCallbackSink(fn func(ctx context.Context, rep *stability.Report) error) Sink {
	return sink.NewCallback(fn)
}

// FilterSink forwards only reports with one of the given outcomes.
func FilterSink(s Sink, outcomes ...stability.Outcome) Sink {
	return sink.Filter(s, outcomes...)
}
