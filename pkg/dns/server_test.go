package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"cleannet/pkg/blocklist"
	"cleannet/pkg/config"
	"cleannet/pkg/forwarder"
	"cleannet/pkg/ledger"
	"cleannet/pkg/logging"
	"cleannet/pkg/override"
	"cleannet/pkg/risk"
	"cleannet/pkg/telemetry"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstreamServer runs an in-process miekg/dns server answering every A query
// with ip. It returns the server address.
func upstreamServer(t *testing.T, ip string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(r)
			if r.Question[0].Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
					A:   net.ParseIP(ip).To4(),
				})
			}
			_ = w.WriteMsg(resp)
		}),
	}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

// deadUpstream returns an address that accepts UDP packets and never answers.
func deadUpstream(t *testing.T) string {
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

func startServer(t *testing.T, upstreams []string) (*Server, *ledger.Ledger) {
	t.Helper()

	cfg := config.LoadWithDefaults()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.UpstreamDNSServers = upstreams
	cfg.Forwarder.Timeout = 200 * time.Millisecond
	cfg.Overrides = map[string]string{"test.local": "127.0.0.1"}
	cfg.Risk.Provider = "heuristic"

	logger := logging.NewDiscard()

	tel, err := telemetry.New(context.Background(), &cfg.Telemetry, logger)
	require.NoError(t, err)
	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	store := blocklist.NewStore()
	store.SetAds(blocklist.SetOf("example.net"))
	store.SetPhishing(blocklist.SetOf("evil.example"))
	overrides, err := override.New(cfg.Overrides)
	require.NoError(t, err)
	l := ledger.New(cfg.Ledger.MaxEntriesPerClient)

	scorer, err := risk.NewScorer(&cfg.Risk, nil, logger)
	require.NoError(t, err)

	h := NewHandler(cfg, store, overrides, l, logger)
	h.SetForwarder(forwarder.NewForwarder(cfg, logger, forwarder.WithMetrics(metrics)))
	h.SetRisk(risk.NewGuard(scorer, &cfg.Risk, logger, metrics))
	h.SetMetrics(metrics)

	srv := NewServer(&cfg.Server, h, logger, metrics)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, l
}

func exchange(t *testing.T, network, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()

	c := &dns.Client{Net: network, Timeout: 3 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)

	var (
		resp *dns.Msg
		err  error
	)
	// The serve goroutine may still be activating on the first query.
	require.Eventually(t, func() bool {
		resp, _, err = c.Exchange(m, addr)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	return resp
}

func TestServer_EndToEnd(t *testing.T) {
	upstream := upstreamServer(t, "198.51.100.7")
	srv, l := startServer(t, []string{deadUpstream(t), upstream})
	assert.True(t, srv.IsRunning())

	udp := srv.UDPAddr().String()
	tcp := srv.TCPAddr().String()

	tests := []struct {
		name    string
		network string
		query   string
		qtype   uint16
		wantIP  string
		wantTTL uint32
	}{
		{name: "ad sinkholed", network: "udp", query: "ads.example.net.", qtype: dns.TypeA, wantIP: "0.0.0.0", wantTTL: 300},
		{name: "phishing sinkholed", network: "tcp", query: "www.evil.example.", qtype: dns.TypeA, wantIP: "0.0.0.0", wantTTL: 300},
		{name: "override", network: "udp", query: "sub.test.local.", qtype: dns.TypeA, wantIP: "127.0.0.1", wantTTL: 300},
		{name: "forwarded after failover", network: "udp", query: "safe.example.org.", qtype: dns.TypeA, wantIP: "198.51.100.7", wantTTL: 120},
		{name: "forwarded over tcp", network: "tcp", query: "safe.example.org.", qtype: dns.TypeA, wantIP: "198.51.100.7", wantTTL: 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := udp
			if tt.network == "tcp" {
				addr = tcp
			}
			resp := exchange(t, tt.network, addr, tt.query, tt.qtype)
			require.Equal(t, dns.RcodeSuccess, resp.Rcode)
			require.Len(t, resp.Answer, 1)
			a := resp.Answer[0].(*dns.A)
			assert.Equal(t, tt.wantIP, a.A.String())
			assert.Equal(t, tt.wantTTL, a.Hdr.Ttl)
		})
	}

	snap, ok := l.Client("127.0.0.1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, snap.Queries, uint64(len(tests)))
}

func TestServer_AllUpstreamsDown(t *testing.T) {
	srv, _ := startServer(t, []string{deadUpstream(t), deadUpstream(t)})

	start := time.Now()
	resp := exchange(t, "udp", srv.UDPAddr().String(), "safe.example.org.", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServer_StartTwice(t *testing.T) {
	srv, _ := startServer(t, []string{deadUpstream(t)})
	exchange(t, "udp", srv.UDPAddr().String(), "ads.example.net.", dns.TypeA)

	err := srv.Start(context.Background())
	assert.ErrorContains(t, err, "already running")
}

func TestServer_ShutdownNotRunning(t *testing.T) {
	cfg := config.LoadWithDefaults()
	srv := NewServer(&cfg.Server, nil, logging.NewDiscard(), nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.False(t, srv.IsRunning())
	assert.Nil(t, srv.UDPAddr())
	assert.Nil(t, srv.TCPAddr())
}
