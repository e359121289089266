package stability

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("stability: max wait time exceeded")
	// ErrInstrumentationMissing means the current document carries no live
	// instrumentation and re-injection did not succeed.
	ErrInstrumentationMissing = errors.New("stability: instrumentation missing")
)

// TimeoutError carries the diagnostic snapshot taken when MaxWait elapsed.
// It is a reported condition: callers decide whether to proceed, retry or
// abort.
type TimeoutError struct {
	Report *Report
}

func (e *TimeoutError) Error() string {
	if e.Report == nil {
		return ErrTimeout.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s after %s", ErrTimeout.Error(), e.Report.Elapsed)
	if blocking := e.Report.Blocking(); len(blocking) > 0 {
		names := make([]string, len(blocking))
		for i, k := range blocking {
			names[i] = string(k)
		}
		fmt.Fprintf(&b, " (blocking: %s)", strings.Join(names, ", "))
	}
	if n := len(e.Report.BlockingURLs); n > 0 {
		fmt.Fprintf(&b, "; %d pending request(s), first %s", n, e.Report.BlockingURLs[0])
	}
	return b.String()
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ReportFrom extracts the report carried by a *TimeoutError, if any.
func ReportFrom(err error) (*Report, bool) {
	var te *TimeoutError
	if errors.As(err, &te) && te.Report != nil {
		return te.Report, true
	}
	return nil, false
}
