package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
	rlog "lanlink/pkg/logger"
	"lanlink/pkg/tracing"
)

type ServerConfig struct {
	Host         string // bind host, empty for all interfaces
	Ports        []int  // tried in order, 0 picks an ephemeral port
	Workers      int
	QueueSize    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxParams    int
	MaxParamSize int
}

// ConnLimiter decides whether a connection from key may be served.
type ConnLimiter interface {
	Allow(key string) bool
}

// ServerMetrics receives per-request observations.
type ServerMetrics interface {
	RequestHandled(status string, duration time.Duration, err error)
	ConnectionDropped(reason string)
}

type nopServerMetrics struct{}

func (nopServerMetrics) RequestHandled(string, time.Duration, error) {}
func (nopServerMetrics) ConnectionDropped(string)                    {}

type ServerOption func(*Server)

func WithLimiter(l ConnLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

func WithServerMetrics(m ServerMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server accepts control connections and serves exactly one request on
// each of them with a fixed pool of workers.
type Server struct {
	cfg     ServerConfig
	router  *Router
	limiter ConnLimiter
	metrics ServerMetrics
	logger  *zap.SugaredLogger
	reqLog  *rlog.ContextLogger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewServer(cfg ServerConfig, router *Router, logger *zap.SugaredLogger, opts ...ServerOption) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxParams <= 0 {
		cfg.MaxParams = 16
	}
	if cfg.MaxParamSize <= 0 {
		cfg.MaxParamSize = 1 << 20
	}
	s := &Server{
		cfg:     cfg,
		router:  router,
		metrics: nopServerMetrics{},
		logger:  logger,
		reqLog:  rlog.NewContextLogger(logger.Desugar()),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize binds the first free port of the candidate list.
func (s *Server) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeLocked()
}

func (s *Server) initializeLocked() error {
	if s.listener != nil {
		return nil
	}
	for _, port := range s.cfg.Ports {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp4", addr)
		if err != nil {
			s.logger.Warnw("control port unavailable", "port", port, "error", err)
			continue
		}
		s.listener = ln
		s.logger.Infow("control server bound", "address", ln.Addr().String())
		return nil
	}
	return fmt.Errorf("%w: tried %v", domain.ErrBindFailure, s.cfg.Ports)
}

// Start begins accepting connections. It initializes the server first
// if needed and does nothing when already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.initializeLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	jobs := make(chan net.Conn, s.cfg.QueueSize)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, jobs)
	}
	s.wg.Add(1)
	go s.acceptLoop(ctx, s.listener, jobs)
	return nil
}

// Stop closes the listener and every in-flight connection, then waits
// for the accept loop and workers to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running && s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.mu.Unlock()

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.logger.Infow("control server stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsOpen reports whether the server holds a bound listener.
func (s *Server) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Port returns the bound port or -1.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return -1
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, jobs chan<- net.Conn) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warnw("accept failed", "error", err)
			continue
		}

		if s.limiter != nil && !s.limiter.Allow(remoteHost(conn)) {
			s.metrics.ConnectionDropped("rate_limited")
			conn.Close()
			continue
		}

		s.track(conn)
		if ctx.Err() != nil {
			s.untrack(conn)
			conn.Close()
			return
		}
		select {
		case jobs <- conn:
		case <-ctx.Done():
			s.untrack(conn)
			conn.Close()
			return
		}
	}
}

func (s *Server) worker(ctx context.Context, jobs <-chan net.Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// connections still queued were closed by Stop
			for {
				select {
				case conn := <-jobs:
					s.untrack(conn)
					conn.Close()
				default:
					return
				}
			}
		case conn := <-jobs:
			s.handleConn(ctx, conn)
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	r := bufio.NewReader(conn)

	first, err := r.ReadByte()
	if err != nil {
		s.drop("read_status", remote, err)
		return
	}
	status := domain.Status(first)

	if status == domain.StatusTest {
		s.answerLiveness(conn, r, remote)
		return
	}

	params, err := readParams(r, s.cfg.MaxParams, s.cfg.MaxParamSize)
	if err == nil {
		err = expectEnd(r)
	}
	if err != nil {
		s.drop("desync", remote, err)
		return
	}

	start := time.Now()
	ctx = rlog.WithPeerAddr(ctx, remote)
	ctx, span := tracing.TraceRequest(ctx, status.String(), remote)
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.ParamsKey.Int(len(params)))

	resp, err := s.router.Dispatch(ctx, &ports.Request{
		Status: status,
		Remote: conn.RemoteAddr(),
		Params: params,
	})
	elapsed := time.Since(start)
	s.metrics.RequestHandled(status.String(), elapsed, err)
	s.reqLog.LogRequest(ctx, status.String(), len(params), elapsed.Milliseconds(), err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return
	}
	if resp == nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := writeResponse(conn, resp); err != nil {
		s.drop("write_response", remote, err)
	}
}

func (s *Server) answerLiveness(conn net.Conn, r *bufio.Reader, remote string) {
	var rest [3]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		s.drop("read_marker", remote, err)
		return
	}
	if rest != [3]byte(livenessMarker[1:]) {
		s.drop("bad_marker", remote, fmt.Errorf("%w: unexpected marker %x", domain.ErrProtocol, rest))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := binary.Write(conn, binary.BigEndian, aliveAck); err != nil {
		s.drop("write_ack", remote, err)
	}
}

func (s *Server) drop(reason, remote string, err error) {
	s.metrics.ConnectionDropped(reason)
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Debugw("connection dropped", "reason", reason, "remote", remote, "error", err)
		return
	}
	s.logger.Warnw("connection dropped", "reason", reason, "remote", remote, "error", err)
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
