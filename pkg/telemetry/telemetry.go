// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	prometheusAddr   string
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query pipeline
	DNSQueriesTotal      metric.Int64Counter
	DNSQueriesByType     metric.Int64Counter
	DNSQueryDuration     metric.Float64Histogram
	DNSBlockedQueries    metric.Int64Counter
	DNSForwardedQueries  metric.Int64Counter
	DNSOverriddenQueries metric.Int64Counter
	DNSServerFailures    metric.Int64Counter
	ActiveQueries        metric.Int64UpDownCounter

	// Upstreams
	UpstreamFailures metric.Int64Counter

	// Risk collaborator
	RiskEvaluations metric.Int64Counter
	RiskFailures    metric.Int64Counter

	// Notifications
	NotificationsSent    metric.Int64Counter
	NotificationsFailed  metric.Int64Counter
	NotificationsDropped metric.Int64Counter

	// Rate limiting
	RateLimitViolations metric.Int64Counter
	RateLimitDropped    metric.Int64Counter

	// State sizes
	BlocklistSize metric.Int64UpDownCounter
	LedgerClients metric.Int64UpDownCounter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{
		cfg:            cfg,
		logger:         logger,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}
	otel.SetTracerProvider(t.tracerProvider)

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "address", t.prometheusAddr)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(t.cfg.PrometheusPort)))
	if err != nil {
		return err
	}
	t.prometheusAddr = listener.Addr().String()

	t.prometheusServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("cleannet")
	b := &builder{meter: meter}

	m := &Metrics{
		DNSQueriesTotal:      b.counter("dns.queries.total", "Total number of DNS queries received"),
		DNSQueriesByType:     b.counter("dns.queries.by_type", "DNS queries by query type"),
		DNSBlockedQueries:    b.counter("dns.queries.blocked", "Number of blocked DNS queries by reason"),
		DNSForwardedQueries:  b.counter("dns.queries.forwarded", "Number of DNS queries answered by an upstream"),
		DNSOverriddenQueries: b.counter("dns.queries.overridden", "Number of DNS queries answered from the override table"),
		DNSServerFailures:    b.counter("dns.queries.servfail", "Number of DNS queries answered with SERVFAIL"),
		ActiveQueries:        b.upDown("dns.queries.active", "Number of queries being processed"),
		UpstreamFailures:     b.counter("upstream.failures", "Number of failed upstream attempts"),
		RiskEvaluations:      b.counter("risk.evaluations", "Number of risk evaluations by label"),
		RiskFailures:         b.counter("risk.failures", "Number of failed risk evaluations"),
		NotificationsSent:    b.counter("notify.sent", "Number of delivered block notifications"),
		NotificationsFailed:  b.counter("notify.failed", "Number of block notifications that exhausted retries"),
		NotificationsDropped: b.counter("notify.dropped", "Number of block notifications dropped on a full queue"),
		RateLimitViolations:  b.counter("rate_limit.violations", "Number of rate limit violations"),
		RateLimitDropped:     b.counter("rate_limit.dropped", "Number of dropped requests due to rate limiting"),
		BlocklistSize:        b.upDown("blocklist.size", "Number of domains in a block set"),
		LedgerClients:        b.upDown("ledger.clients", "Number of distinct clients seen"),
	}

	duration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("dns.query.duration: %w", err))
	}
	m.DNSQueryDuration = duration

	if b.err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", b.err)
	}
	return m, nil
}

// builder accumulates instrument creation errors so InitMetrics can report
// them once.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("%s: %w", name, err))
	}
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("%s: %w", name, err))
	}
	return c
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// PrometheusAddr returns the bound metrics address, or "" when disabled.
func (t *Telemetry) PrometheusAddr() string {
	return t.prometheusAddr
}

// AddNotification implements notify.MetricsRecorder.
func (m *Metrics) AddNotification(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case "sent":
		m.NotificationsSent.Add(ctx, 1)
	case "failed":
		m.NotificationsFailed.Add(ctx, 1)
	case "dropped":
		m.NotificationsDropped.Add(ctx, 1)
	}
}

// AddUpstreamFailure implements forwarder.MetricsRecorder.
func (m *Metrics) AddUpstreamFailure(ctx context.Context, upstream string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", upstream)))
}

// AddRiskEvaluation implements risk.MetricsRecorder.
func (m *Metrics) AddRiskEvaluation(ctx context.Context, label string) {
	if m == nil {
		return
	}
	m.RiskEvaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
}

// AddRiskFailure implements risk.MetricsRecorder.
func (m *Metrics) AddRiskFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.RiskFailures.Add(ctx, 1)
}

// AddBlocklistSize implements blocklist.MetricsRecorder.
func (m *Metrics) AddBlocklistSize(ctx context.Context, list string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.BlocklistSize.Add(ctx, delta, metric.WithAttributes(attribute.String("list", list)))
}

// AddLedgerClient counts a newly seen client.
func (m *Metrics) AddLedgerClient(ctx context.Context) {
	if m == nil {
		return
	}
	m.LedgerClients.Add(ctx, 1)
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
