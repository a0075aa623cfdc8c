package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"cleannet/pkg/config"
	"cleannet/pkg/logging"
	"cleannet/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Server is the DNS server
type Server struct {
	cfg       *config.ServerConfig
	handler   *Handler
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	udpServer *dns.Server
	tcpServer *dns.Server
	udpConn   net.PacketConn
	tcpLn     net.Listener
	running   bool
	mu        sync.RWMutex
}

// NewServer creates a new DNS server
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

// Listen binds the configured UDP and TCP sockets. Start calls it when it
// has not been called yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenLocked()
}

func (s *Server) listenLocked() error {
	if s.udpConn != nil || s.tcpLn != nil {
		return nil
	}

	if s.cfg.UDPEnabled {
		pc, err := net.ListenPacket("udp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("UDP listen on %s: %w", s.cfg.ListenAddress, err)
		}
		s.udpConn = pc
	}

	if s.cfg.TCPEnabled {
		addr := s.cfg.ListenAddress
		// Share the port picked for UDP when listening on an ephemeral port.
		if s.udpConn != nil {
			addr = s.udpConn.LocalAddr().String()
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if s.udpConn != nil {
				_ = s.udpConn.Close()
				s.udpConn = nil
			}
			return fmt.Errorf("TCP listen on %s: %w", addr, err)
		}
		s.tcpLn = ln
	}

	return nil
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Start serves UDP and TCP until ctx is done or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	if err := s.listenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = true

	// Wrap handler with telemetry and logging
	wrapped := &wrappedHandler{
		handler: s.handler,
		logger:  s.logger,
		metrics: s.metrics,
	}

	errChan := make(chan error, 2)
	var activated sync.WaitGroup

	if s.udpConn != nil {
		s.udpServer = &dns.Server{
			PacketConn:        s.udpConn,
			Net:               "udp",
			Handler:           dns.HandlerFunc(wrapped.serveDNS),
			NotifyStartedFunc: activated.Done,
		}
		activated.Add(1)
		go serve(s.udpServer, "UDP", errChan)
	}

	if s.tcpLn != nil {
		s.tcpServer = &dns.Server{
			Listener:          s.tcpLn,
			Net:               "tcp",
			Handler:           dns.HandlerFunc(wrapped.serveDNS),
			NotifyStartedFunc: activated.Done,
		}
		activated.Add(1)
		go serve(s.tcpServer, "TCP", errChan)
	}
	s.mu.Unlock()

	// Shutdown refuses servers that have not finished activating.
	started := make(chan struct{})
	go func() {
		activated.Wait()
		close(started)
	}()
	select {
	case <-started:
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		return errors.Join(err, s.Shutdown(context.Background()))
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.ListenAddress,
		"udp", s.cfg.UDPEnabled,
		"tcp", s.cfg.TCPEnabled,
	)

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		return errors.Join(err, s.Shutdown(context.Background()))
	}
}

func serve(srv *dns.Server, proto string, errChan chan<- error) {
	if err := srv.ActivateAndServe(); err != nil {
		errChan <- fmt.Errorf("%s server failed: %w", proto, err)
	}
}

// Shutdown gracefully shuts down the DNS server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Shutting down DNS server")

	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown: %w", err))
		}
	}

	s.running = false
	s.udpConn, s.tcpLn = nil, nil
	s.udpServer, s.tcpServer = nil, nil

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// wrappedHandler sits between miekg/dns and Handler and records the per-query
// counters and latency.
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()
	ctx := context.Background()

	if w.metrics != nil {
		w.metrics.ActiveQueries.Add(ctx, 1)
		defer w.metrics.ActiveQueries.Add(ctx, -1)

		w.metrics.DNSQueriesTotal.Add(ctx, 1)
		if len(r.Question) > 0 {
			w.metrics.DNSQueriesByType.Add(ctx, 1,
				metric.WithAttributes(attribute.String("type", dnsTypeLabel(r.Question[0].Qtype))))
		}
	}

	w.handler.ServeDNS(ctx, rw, r)

	if w.metrics != nil {
		w.metrics.DNSQueryDuration.Record(ctx, float64(time.Since(startTime).Microseconds())/1000)
	}
}
