// Package forwarder sends queries to upstream resolvers with ordered failover.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"github.com/miekg/dns"
)

const defaultTimeout = 2 * time.Second

var (
	// ErrNoUpstreams is returned when no upstream is configured.
	ErrNoUpstreams = errors.New("no upstream DNS servers configured")
	// ErrAllUpstreamsFailed is returned after every upstream was tried.
	ErrAllUpstreamsFailed = errors.New("all upstream servers failed")
	errNilResponse        = errors.New("nil response")
)

// Exchanger performs a single query/response round trip.
type Exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg, network, address string) (*dns.Msg, time.Duration, error)
}

// MetricsRecorder receives failed upstream attempts.
type MetricsRecorder interface {
	AddUpstreamFailure(ctx context.Context, upstream string)
}

// clientExchanger exchanges through pooled miekg/dns clients.
type clientExchanger struct {
	pools map[string]*sync.Pool
}

func newClientExchanger(timeout time.Duration) *clientExchanger {
	pools := make(map[string]*sync.Pool, 2)
	for _, network := range []string{"udp", "tcp"} {
		pools[network] = &sync.Pool{
			New: func() any {
				return &dns.Client{Net: network, Timeout: timeout}
			},
		}
	}
	return &clientExchanger{pools: pools}
}

func (e *clientExchanger) Exchange(ctx context.Context, m *dns.Msg, network, address string) (*dns.Msg, time.Duration, error) {
	pool, ok := e.pools[network]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported network %q", network)
	}
	client := pool.Get().(*dns.Client)
	defer pool.Put(client)
	return client.ExchangeContext(ctx, m, address)
}

// Forwarder handles forwarding DNS queries to upstream servers
type Forwarder struct {
	upstreams []string
	timeout   time.Duration
	network   string
	exchanger Exchanger
	metrics   MetricsRecorder
	logger    *logging.Logger
}

// Option customises a Forwarder.
type Option func(*Forwarder)

// WithExchanger replaces the network exchange, mainly for tests.
func WithExchanger(e Exchanger) Option {
	return func(f *Forwarder) { f.exchanger = e }
}

// WithMetrics records failed attempts.
func WithMetrics(m MetricsRecorder) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// NewForwarder creates a new DNS forwarder
func NewForwarder(cfg *config.Config, logger *logging.Logger, opts ...Option) *Forwarder {
	// Normalize upstream addresses (add :53 if port is missing)
	upstreams := make([]string, len(cfg.UpstreamDNSServers))
	for i, upstream := range cfg.UpstreamDNSServers {
		upstreams[i] = withDefaultPort(upstream)
	}

	timeout := cfg.Forwarder.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	network := cfg.Forwarder.Net
	if network == "" {
		network = "udp"
	}

	f := &Forwarder{
		upstreams: upstreams,
		timeout:   timeout,
		network:   network,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.exchanger == nil {
		f.exchanger = newClientExchanger(timeout)
	}

	logger.Info("Forwarder initialized",
		"upstreams", upstreams,
		"timeout", f.timeout,
		"net", f.network,
	)

	return f
}

func withDefaultPort(upstream string) string {
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		return net.JoinHostPort(upstream, "53")
	}
	return upstream
}

// Forward sends r to each upstream in configured order and returns the first
// reply received, whatever its rcode. Every attempt has its own timeout, so
// the worst case is the timeout times the number of upstreams.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if len(f.upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	var lastErr error
	for i, upstream := range f.upstreams {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		resp, err := f.attempt(ctx, r, upstream, i+1)
		if err != nil {
			f.logger.Warn("Upstream query failed",
				"upstream", upstream,
				"error", err,
				"attempt", i+1,
			)
			if f.metrics != nil {
				f.metrics.AddUpstreamFailure(ctx, upstream)
			}
			lastErr = fmt.Errorf("%s: %w", upstream, err)
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllUpstreamsFailed, lastErr)
}

func (f *Forwarder) attempt(ctx context.Context, r *dns.Msg, upstream string, n int) (*dns.Msg, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.logger.Enabled(ctx, slog.LevelDebug) && len(r.Question) > 0 {
		f.logger.Debug("Forwarding DNS query",
			"domain", r.Question[0].Name,
			"type", dns.TypeToString[r.Question[0].Qtype],
			"upstream", upstream,
			"attempt", n,
		)
	}

	resp, rtt, err := f.exchanger.Exchange(attemptCtx, r, f.network, upstream)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errNilResponse
	}

	// A truncated UDP reply is retried over TCP against the same upstream.
	if resp.Truncated && f.network == "udp" {
		tcpResp, tcpRTT, tcpErr := f.exchanger.Exchange(attemptCtx, r, "tcp", upstream)
		if tcpErr == nil && tcpResp != nil {
			resp, rtt = tcpResp, tcpRTT
		} else {
			f.logger.Debug("TCP retry after truncation failed, using truncated reply",
				"upstream", upstream,
				"error", tcpErr,
			)
		}
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", upstream,
		"rtt", rtt,
		"rcode", dns.RcodeToString[resp.Rcode],
		"answers", len(resp.Answer),
	)

	return resp, nil
}

// Upstreams returns the list of configured upstream servers
func (f *Forwarder) Upstreams() []string {
	out := make([]string, len(f.upstreams))
	copy(out, f.upstreams)
	return out
}

// Timeout returns the per-attempt timeout.
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}
