package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func shutdown(t *testing.T, tel *Telemetry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}

func TestNew(t *testing.T) {
	logger := logging.NewDiscard()

	tests := []struct {
		cfg  *config.TelemetryConfig
		name string
	}{
		{
			name: "disabled telemetry",
			cfg:  &config.TelemetryConfig{Enabled: false},
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    0,
			},
		},
		{
			name: "only metrics",
			cfg: &config.TelemetryConfig{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(context.Background(), tt.cfg, logger)
			require.NoError(t, err)
			require.NotNil(t, tel)
			assert.NotNil(t, tel.MeterProvider())
			assert.NotNil(t, tel.TracerProvider())
			shutdown(t, tel)
		})
	}
}

func TestInitMetrics(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test-service",
	}, logging.NewDiscard())
	require.NoError(t, err)
	defer shutdown(t, tel)

	m, err := tel.InitMetrics()
	require.NoError(t, err)

	assert.NotNil(t, m.DNSQueriesTotal)
	assert.NotNil(t, m.DNSQueriesByType)
	assert.NotNil(t, m.DNSQueryDuration)
	assert.NotNil(t, m.DNSBlockedQueries)
	assert.NotNil(t, m.DNSForwardedQueries)
	assert.NotNil(t, m.DNSOverriddenQueries)
	assert.NotNil(t, m.DNSServerFailures)
	assert.NotNil(t, m.ActiveQueries)
	assert.NotNil(t, m.UpstreamFailures)
	assert.NotNil(t, m.RiskEvaluations)
	assert.NotNil(t, m.RiskFailures)
	assert.NotNil(t, m.NotificationsSent)
	assert.NotNil(t, m.NotificationsFailed)
	assert.NotNil(t, m.NotificationsDropped)
	assert.NotNil(t, m.RateLimitViolations)
	assert.NotNil(t, m.RateLimitDropped)
	assert.NotNil(t, m.BlocklistSize)
	assert.NotNil(t, m.LedgerClients)
}

func TestMetricsDisabledAreNoop(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{}, logging.NewDiscard())
	require.NoError(t, err)

	m, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.DNSQueriesTotal.Add(ctx, 1)
	m.DNSQueryDuration.Record(ctx, 1.5)
	m.AddNotification(ctx, "sent")
	m.AddBlocklistSize(ctx, "ads", 10)
	shutdown(t, tel)
}

func TestNilMetricsHelpers(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AddNotification(context.Background(), "sent")
		m.AddBlocklistSize(context.Background(), "ads", 3)
	})
}

func TestPrometheusEndpoint(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "cleannet-test",
		ServiceVersion:    "test",
		PrometheusEnabled: true,
		PrometheusPort:    0,
	}, logging.NewDiscard())
	require.NoError(t, err)
	defer shutdown(t, tel)
	require.NotEmpty(t, tel.PrometheusAddr())

	m, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.DNSQueriesTotal.Add(ctx, 3)
	m.DNSBlockedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "block_ads")))
	m.AddBlocklistSize(ctx, "phishing", 42)

	resp, err := http.Get("http://" + tel.PrometheusAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dns_queries_total")
	assert.Contains(t, string(body), "block_ads")
	assert.Contains(t, string(body), "phishing")
}

func TestShutdownWithoutPrometheus(t *testing.T) {
	tel, err := New(context.Background(), &config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "test",
	}, logging.NewDiscard())
	require.NoError(t, err)
	assert.Empty(t, tel.PrometheusAddr())
	shutdown(t, tel)
}
