package forwarder

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDNSServer creates a mock DNS server for testing
func mockDNSServer(t *testing.T, responses map[string]*dns.Msg) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)

		for {
			n, clientAddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}

			var resp *dns.Msg
			if mockResp, ok := responses[req.Question[0].Name]; ok {
				resp = mockResp.Copy()
				resp.SetReply(req)
			} else {
				// Default response: NXDOMAIN
				resp = new(dns.Msg)
				resp.SetRcode(req, dns.RcodeNameError)
			}

			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(packed, clientAddr)
		}
	}()

	t.Cleanup(func() {
		_ = pc.Close()
		<-done
	})

	return pc.LocalAddr().String()
}

// silentDNSServer accepts queries and never answers.
func silentDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 512)
		for {
			if _, _, err := pc.ReadFrom(buf); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { _ = pc.Close() })

	return pc.LocalAddr().String()
}

// createTestResponse creates a test DNS response
func createTestResponse(domain string, ip string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(domain, dns.TypeA)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		A: net.ParseIP(ip),
	})
	return msg
}

type call struct {
	network string
	address string
}

// scriptedExchanger answers per address and records the call order.
type scriptedExchanger struct {
	mu      sync.Mutex
	calls   []call
	handler func(ctx context.Context, m *dns.Msg, network, address string) (*dns.Msg, error)
}

func (e *scriptedExchanger) Exchange(ctx context.Context, m *dns.Msg, network, address string) (*dns.Msg, time.Duration, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call{network: network, address: address})
	e.mu.Unlock()
	resp, err := e.handler(ctx, m, network, address)
	return resp, time.Millisecond, err
}

func (e *scriptedExchanger) addresses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.address
	}
	return out
}

type failureCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (f *failureCounter) AddUpstreamFailure(_ context.Context, upstream string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == nil {
		f.count = make(map[string]int)
	}
	f.count[upstream]++
}

func newTestForwarder(upstreams []string, timeout time.Duration, opts ...Option) *Forwarder {
	cfg := &config.Config{
		UpstreamDNSServers: upstreams,
		Forwarder:          config.ForwarderConfig{Timeout: timeout, Net: "udp"},
	}
	return NewForwarder(cfg, logging.NewDiscard(), opts...)
}

func query(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return m
}

func TestNewForwarder(t *testing.T) {
	fwd := NewForwarder(&config.Config{
		UpstreamDNSServers: []string{"1.1.1.1", "8.8.8.8:53", "[2606:4700::1111]:5353"},
	}, logging.NewDiscard())

	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53", "[2606:4700::1111]:5353"}, fwd.Upstreams())
	assert.Equal(t, defaultTimeout, fwd.Timeout())
}

func TestForward_FirstUpstreamAnswers(t *testing.T) {
	first := mockDNSServer(t, map[string]*dns.Msg{
		"example.com.": createTestResponse("example.com.", "93.184.216.34"),
	})
	second := mockDNSServer(t, map[string]*dns.Msg{
		"example.com.": createTestResponse("example.com.", "10.9.9.9"),
	})

	fwd := newTestForwarder([]string{first, second}, time.Second)
	resp, err := fwd.Forward(context.Background(), query("example.com"))
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "93.184.216.34", resp.Answer[0].(*dns.A).A.String())
}

func TestForward_FailoverAfterTimeout(t *testing.T) {
	dead := silentDNSServer(t)
	live := mockDNSServer(t, map[string]*dns.Msg{
		"example.com.": createTestResponse("example.com.", "93.184.216.34"),
	})

	fwd := newTestForwarder([]string{dead, live}, 150*time.Millisecond)

	start := time.Now()
	resp, err := fwd.Forward(context.Background(), query("example.com"))
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "93.184.216.34", resp.Answer[0].(*dns.A).A.String())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "first upstream got its full timeout")
}

func TestForward_OrderAndFirstSuccessWins(t *testing.T) {
	ex := &scriptedExchanger{
		handler: func(ctx context.Context, m *dns.Msg, _, address string) (*dns.Msg, error) {
			switch address {
			case "10.0.0.1:53":
				<-ctx.Done()
				return nil, ctx.Err()
			case "10.0.0.2:53":
				resp := createTestResponse("example.com.", "192.0.2.2")
				resp.SetReply(m)
				return resp, nil
			default:
				t.Errorf("unexpected upstream %s", address)
				return nil, errors.New("unexpected")
			}
		},
	}
	failures := &failureCounter{}
	fwd := newTestForwarder([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, 50*time.Millisecond,
		WithExchanger(ex), WithMetrics(failures))

	resp, err := fwd.Forward(context.Background(), query("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.2", resp.Answer[0].(*dns.A).A.String())
	assert.Equal(t, []string{"10.0.0.1:53", "10.0.0.2:53"}, ex.addresses())
	assert.Equal(t, 1, failures.count["10.0.0.1:53"])
}

func TestForward_ReplyReturnedUnmodified(t *testing.T) {
	ex := &scriptedExchanger{
		handler: func(_ context.Context, m *dns.Msg, _, _ string) (*dns.Msg, error) {
			resp := new(dns.Msg)
			resp.SetRcode(m, dns.RcodeServerFailure)
			return resp, nil
		},
	}
	fwd := newTestForwarder([]string{"10.0.0.1", "10.0.0.2"}, time.Second, WithExchanger(ex))

	resp, err := fwd.Forward(context.Background(), query("example.com"))
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, []string{"10.0.0.1:53"}, ex.addresses(), "a reply stops failover whatever its rcode")
}

func TestForward_AllUpstreamsFail(t *testing.T) {
	ex := &scriptedExchanger{
		handler: func(_ context.Context, _ *dns.Msg, _, address string) (*dns.Msg, error) {
			return nil, errors.New("connection refused by " + address)
		},
	}
	fwd := newTestForwarder([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, time.Second, WithExchanger(ex))

	resp, err := fwd.Forward(context.Background(), query("example.com"))
	assert.Nil(t, resp)
	require.ErrorIs(t, err, ErrAllUpstreamsFailed)
	assert.Contains(t, err.Error(), "10.0.0.3:53")
	assert.Equal(t, []string{"10.0.0.1:53", "10.0.0.2:53", "10.0.0.3:53"}, ex.addresses())
}

func TestForward_NilResponseIsFailure(t *testing.T) {
	ex := &scriptedExchanger{
		handler: func(_ context.Context, _ *dns.Msg, _, _ string) (*dns.Msg, error) {
			return nil, nil
		},
	}
	fwd := newTestForwarder([]string{"10.0.0.1"}, time.Second, WithExchanger(ex))

	_, err := fwd.Forward(context.Background(), query("example.com"))
	assert.ErrorIs(t, err, ErrAllUpstreamsFailed)
}

func TestForward_NoUpstreams(t *testing.T) {
	fwd := newTestForwarder(nil, time.Second)
	_, err := fwd.Forward(context.Background(), query("example.com"))
	assert.ErrorIs(t, err, ErrNoUpstreams)
}

func TestForward_PerAttemptTimeout(t *testing.T) {
	const timeout = 80 * time.Millisecond

	var mu sync.Mutex
	var budgets []time.Duration
	ex := &scriptedExchanger{
		handler: func(ctx context.Context, _ *dns.Msg, _, _ string) (*dns.Msg, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			mu.Lock()
			budgets = append(budgets, time.Until(deadline))
			mu.Unlock()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	fwd := newTestForwarder([]string{"10.0.0.1", "10.0.0.2"}, timeout, WithExchanger(ex))

	start := time.Now()
	_, err := fwd.Forward(context.Background(), query("example.com"))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAllUpstreamsFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, budgets, 2)
	for _, b := range budgets {
		assert.Greater(t, b, timeout/2, "each attempt starts with a fresh timeout")
		assert.LessOrEqual(t, b, timeout)
	}
	assert.GreaterOrEqual(t, elapsed, 2*timeout)
	assert.Less(t, elapsed, 2*timeout+time.Second)
}

func TestForward_ParentContextCanceled(t *testing.T) {
	ex := &scriptedExchanger{
		handler: func(ctx context.Context, _ *dns.Msg, _, _ string) (*dns.Msg, error) {
			return nil, errors.New("unreachable")
		},
	}
	fwd := newTestForwarder([]string{"10.0.0.1", "10.0.0.2"}, time.Second, WithExchanger(ex))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fwd.Forward(ctx, query("example.com"))
	require.ErrorIs(t, err, ErrAllUpstreamsFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ex.addresses())
}

func TestForward_TruncatedRetriedOverTCP(t *testing.T) {
	ex := &scriptedExchanger{
		handler: func(_ context.Context, m *dns.Msg, network, _ string) (*dns.Msg, error) {
			resp := new(dns.Msg)
			resp.SetReply(m)
			if network == "udp" {
				resp.Truncated = true
				return resp, nil
			}
			resp.Answer = createTestResponse("example.com.", "192.0.2.10").Answer
			return resp, nil
		},
	}
	fwd := newTestForwarder([]string{"10.0.0.1"}, time.Second, WithExchanger(ex))

	resp, err := fwd.Forward(context.Background(), query("example.com"))
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	require.Len(t, resp.Answer, 1)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	assert.Equal(t, []call{{"udp", "10.0.0.1:53"}, {"tcp", "10.0.0.1:53"}}, ex.calls)
}
