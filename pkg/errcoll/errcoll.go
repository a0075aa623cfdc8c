// Package errcoll contains error collectors used to report internal failures,
// most notably recovered panics in the query pipeline.
package errcoll

import (
	"context"
	"fmt"
	"maps"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"github.com/getsentry/sentry-go"
)

// Collector processes information about errors, possibly sending them to a
// remote location.
type Collector interface {
	Collect(ctx context.Context, err error)
}

// FlushCollector is a Collector that buffers events until Flush.
type FlushCollector interface {
	Collector

	// Flush waits until buffered events are sent, blocking for at most
	// flushTimeout.
	Flush()
}

// Collectf logs the formatted error and reports it to coll.
func Collectf(ctx context.Context, coll Collector, logger *logging.Logger, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	logger.ErrorContext(ctx, "Internal error", "error", err)
	coll.Collect(ctx, err)
}

// New returns a Sentry collector when a DSN is configured and a log-only
// collector otherwise.
func New(cfg *config.ErrorsConfig, release string, logger *logging.Logger) (Collector, error) {
	if cfg.SentryDSN == "" {
		return NewLogCollector(logger), nil
	}

	cli, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	logger.Info("Sentry error collection enabled", "environment", cfg.Environment)
	return NewSentryCollector(cli), nil
}

type tagsKey struct{}

// WithTags returns a context carrying tags attached to every error collected
// with it. Tags from the parent context are kept unless overwritten.
func WithTags(ctx context.Context, tags map[string]string) context.Context {
	merged := make(map[string]string, len(tags))
	if parent, ok := ctx.Value(tagsKey{}).(map[string]string); ok {
		maps.Copy(merged, parent)
	}
	maps.Copy(merged, tags)
	return context.WithValue(ctx, tagsKey{}, merged)
}

// TagsFromContext returns the tags stored by WithTags, or nil.
func TagsFromContext(ctx context.Context) map[string]string {
	tags, _ := ctx.Value(tagsKey{}).(map[string]string)
	return tags
}
