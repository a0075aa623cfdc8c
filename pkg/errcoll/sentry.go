package errcoll

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// flushTimeout is the timeout for flushing sentry errors.
const flushTimeout = 1 * time.Second

// SentryCollector sends errors to a Sentry-compatible HTTP API.
type SentryCollector struct {
	sentry *sentry.Client
}

// type check
var _ FlushCollector = (*SentryCollector)(nil)

// NewSentryCollector returns a new SentryCollector. cli must be non-nil.
func NewSentryCollector(cli *sentry.Client) *SentryCollector {
	return &SentryCollector{sentry: cli}
}

// Collect implements the Collector interface for *SentryCollector.
func (c *SentryCollector) Collect(ctx context.Context, err error) {
	if err == nil {
		return
	}

	scope := sentry.NewScope()
	if tags := TagsFromContext(ctx); len(tags) > 0 {
		scope.SetTags(tags)
	}

	_ = c.sentry.CaptureException(err, &sentry.EventHint{Context: ctx}, scope)
}

// Flush implements the FlushCollector interface for *SentryCollector.
func (c *SentryCollector) Flush() {
	_ = c.sentry.Flush(flushTimeout)
}
