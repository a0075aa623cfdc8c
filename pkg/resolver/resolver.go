// Package resolver centralizes outbound DNS resolution for the HTTP clients
// used by the block list loader, the risk scorer and the webhook. Names are
// resolved through the upstream forwarder, never through this server's own
// listener or the host resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"cleannet/pkg/logging"

	"github.com/miekg/dns"
)

// ErrNoAddresses is returned when a name resolves to no usable address.
var ErrNoAddresses = errors.New("no addresses found")

// Forwarder sends a query upstream. *forwarder.Forwarder satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error)
}

// Resolver resolves hostnames through a Forwarder.
type Resolver struct {
	fwd    Forwarder
	logger *logging.Logger
	dialer *net.Dialer
	strict bool // when true, never fall back to system resolver
}

// New creates a resolver backed by fwd. If fwd is nil the system resolver is
// used. Failed lookups fall back to the system resolver.
func New(fwd Forwarder, logger *logging.Logger) *Resolver {
	return newWithOptions(fwd, logger, false)
}

// NewStrict creates a resolver that will NOT fall back to the system resolver
// when the upstreams fail.
func NewStrict(fwd Forwarder, logger *logging.Logger) *Resolver {
	return newWithOptions(fwd, logger, true)
}

func newWithOptions(fwd Forwarder, logger *logging.Logger, strict bool) *Resolver {
	if fwd == nil {
		logger.Warn("No upstream forwarder configured, using system default resolver")
	}

	return &Resolver{
		fwd:    fwd,
		logger: logger,
		strict: strict,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves host to its IPv4 addresses, then IPv6 if it has none.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if r.fwd == nil {
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ips, err := r.lookup(ctx, host, qtype)
		if err == nil && len(ips) > 0 {
			r.logger.Debug("DNS resolution successful",
				"host", host,
				"type", dns.TypeToString[qtype],
				"ips", ips,
			)
			return ips, nil
		}
		if err == nil {
			err = fmt.Errorf("%w for %s (%s)", ErrNoAddresses, host, dns.TypeToString[qtype])
		}
		lastErr = err
	}

	if r.strict {
		return nil, fmt.Errorf("failed to resolve %s via configured upstreams (strict mode): %w", host, lastErr)
	}

	r.logger.Warn("Upstream resolution failed, falling back to system resolver",
		"host", host,
		"error", lastErr,
	)
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, errors.Join(lastErr, err))
	}
	return ips, nil
}

func (r *Resolver) lookup(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, err := r.fwd.Forward(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup %s: %s", host, dns.RcodeToString[resp.Rcode])
	}

	// CNAME targets arrive in the same answer section, so every address
	// record belongs to the chain.
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, nil
}

// DialContext dials a network address, resolving hostnames through the
// upstream forwarder. This is compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	// If it's already an IP, dial directly
	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
