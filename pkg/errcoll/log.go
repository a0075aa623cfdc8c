package errcoll

import (
	"context"

	"cleannet/pkg/logging"
)

// LogCollector writes collected errors to the log.
type LogCollector struct {
	logger *logging.Logger
}

// type check
var _ Collector = (*LogCollector)(nil)

// NewLogCollector returns a new LogCollector.
func NewLogCollector(logger *logging.Logger) *LogCollector {
	return &LogCollector{logger: logger}
}

// Collect implements the Collector interface for *LogCollector.
func (c *LogCollector) Collect(ctx context.Context, err error) {
	if err == nil {
		return
	}

	args := []any{"error", err}
	for k, v := range TagsFromContext(ctx) {
		args = append(args, k, v)
	}
	c.logger.ErrorContext(ctx, "Caught error", args...)
}
