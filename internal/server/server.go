package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddyem/canserver/internal/hub"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/proto"
	"github.com/eddyem/canserver/internal/queue"
)

// overflowReply is written to connections over the client cap.
const overflowReply = "Max amount of connections reached!\n"

const (
	defaultMaxClients = 3
	defaultHubBuffer  = 512
	// broadcastTick paces the broadcast bus drain.
	broadcastTick = time.Millisecond
	// maxLineLen bounds one inbound command line.
	maxLineLen = 1023
)

// Server owns the TCP listener, admits clients up to the cap and fans
// the broadcast bus out every tick.
type Server struct {
	mu        sync.RWMutex
	addr      string
	Hub       *hub.Hub
	Router    *proto.Router
	Broadcast *queue.Queue[string]

	echo       bool
	maxClients int
	readyOnce  sync.Once
	readyCh    chan struct{}
	lastErrMu  sync.Mutex
	lastErr    error
	errCh      chan error
	listener   net.Listener
	clientsMu  sync.RWMutex
	clients    map[*hub.Client]net.Conn
	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalDisconnected atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		maxClients: defaultMaxClients,
		readyCh:    make(chan struct{}),
		errCh:      make(chan error, 1),
		clients:    make(map[*hub.Client]net.Conn),
		logger:     logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	if s.Hub.OutBufSize == 0 {
		s.Hub.OutBufSize = defaultHubBuffer
	}
	if s.addr == "" {
		s.addr = "127.0.0.1:0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }
func WithRouter(r *proto.Router) ServerOption {
	return func(s *Server) { s.Router = r }
}
func WithBroadcast(q *queue.Queue[string]) ServerOption {
	return func(s *Server) { s.Broadcast = q }
}
func WithEcho(on bool) ServerOption { return func(s *Server) { s.echo = on } }

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and spawns reader/writer goroutines. The
// listen address must stay on loopback; there is no authentication.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	s.startBroadcaster(ctx)
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, enforces the client cap and
// spawns the IO goroutines.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if s.Hub.Count() >= s.maxClients {
		metrics.IncRejected()
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_, _ = conn.Write([]byte(overflowReply))
		_ = conn.Close()
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	client := &hub.Client{Out: make(chan string, s.Hub.OutBufSize), Closed: make(chan struct{})}
	s.Hub.Add(client)
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, client, connLogger)
	s.startReader(ctx.Done(), conn, client, connLogger)
	return nil
}

// startBroadcaster drains the broadcast bus once per tick and fans
// every line out through the hub.
func (s *Server) startBroadcaster(ctx context.Context) {
	if s.Broadcast == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(broadcastTick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				for {
					line, ok := s.Broadcast.Pop()
					if !ok {
						break
					}
					metrics.IncBroadcast()
					s.Hub.Broadcast(line)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(),
			"rejected", s.totalRejected.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
