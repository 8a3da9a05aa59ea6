package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/mppdispatch/internal/config"
	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

// Executor runs one decoded query on a segment. ctx is cancelled when the
// dispatcher cancels the connection or the connection goes away.
type Executor interface {
	Execute(ctx context.Context, q *wire.Query) (*gang.Reply, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, q *wire.Query) (*gang.Reply, error)

func (f ExecutorFunc) Execute(ctx context.Context, q *wire.Query) (*gang.Reply, error) {
	return f(ctx, q)
}

// Server is the segment side of the transport: it accepts dispatcher
// connections and runs received queries one at a time per connection.
type Server struct {
	cfg       config.SegmentConfig
	contentID int
	exec      Executor
	logger    *slog.Logger

	listener    net.Listener
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	connections map[net.Conn]bool
	connMu      sync.Mutex
	connPool    *ants.Pool // Optional: bounds concurrent connection handlers (nil = unlimited)
}

func NewServer(cfg config.SegmentConfig, contentID int, exec Executor, log *slog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		contentID:   contentID,
		exec:        exec,
		logger:      log.With("content", contentID),
		connections: make(map[net.Conn]bool),
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.running = true

	if s.cfg.MaxConnections > 0 {
		connPool, err := ants.NewPool(s.cfg.MaxConnections, ants.WithPanicHandler(func(v any) {
			s.logger.Error("Segment connection handler panic", "panic", v)
		}))
		if err == nil {
			s.connPool = connPool
		}
	}

	s.logger.Info("Segment server listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	if s.listener != nil {
		s.listener.Close()
	}
	s.running = false
	s.mu.Unlock()

	// Close all active connections to unblock any waiting reads
	s.connMu.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	if s.connPool != nil {
		_ = s.connPool.ReleaseTimeout(3 * time.Second)
		s.connPool = nil
	}

	s.logger.Info("Segment server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			if !s.running {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.logger.Error("Accept error", "error", err)
			continue
		}

		s.connMu.Lock()
		s.connections[conn] = true
		s.connMu.Unlock()

		s.wg.Add(1)
		if s.connPool != nil {
			if err := s.connPool.Submit(func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}); err != nil {
				// If submission fails, balance the WaitGroup and close connection
				s.wg.Done()
				conn.Close()
				s.connMu.Lock()
				delete(s.connections, conn)
				s.connMu.Unlock()
				s.logger.Error("Failed to submit connection handler to pool", "error", err)
			}
		} else {
			go func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}()
		}
	}
}

// request is one received frame waiting for its reply.
type request struct {
	query *wire.Query
	err   error // malformed frame, answered with a protocol violation
	gen   uint64
}

// session tracks cancellation for one connection. A cancel request bumps
// gen; queued requests from an older generation are answered as cancelled.
type session struct {
	mu      sync.Mutex
	gen     uint64
	current context.CancelFunc
}

func (ss *session) cancelAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.gen++
	if ss.current != nil {
		ss.current()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
	}()

	s.logger.Debug("New connection", "remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ss := &session{}
	requests := make(chan request, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.execLoop(ctx, conn, ss, requests)
	}()

	s.readLoop(conn, ss, requests)
	close(requests)
	cancel()
	<-done
}

func (s *Server) readLoop(conn net.Conn, ss *session, requests chan<- request) {
	for {
		data, err := wire.ReadFrame(conn, wire.MaxMessageSize)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection closed", "error", err)
			}
			return
		}

		switch data[0] {
		case MsgCancel:
			ss.cancelAll()
			s.logger.Debug("Cancel requested")
		case wire.MsgQuery:
			q, err := wire.Decode(data)
			ss.mu.Lock()
			gen := ss.gen
			ss.mu.Unlock()
			requests <- request{query: q, err: err, gen: gen}
		default:
			requests <- request{err: ErrInvalidFrame}
		}
	}
}

func (s *Server) execLoop(ctx context.Context, conn net.Conn, ss *session, requests <-chan request) {
	for req := range requests {
		f, err := s.run(ctx, ss, req)
		if err == nil {
			err = writeReply(conn, f)
		}
		if err != nil {
			s.logger.Error("Failed to write reply", "error", err)
			conn.Close()
			// Keep draining so the reader never blocks on a full queue.
			for range requests {
			}
			return
		}
	}
}

func (s *Server) run(ctx context.Context, ss *session, req request) (*ReplyFrame, error) {
	if req.err != nil {
		s.logger.Warn("Malformed message", "error", req.err)
		return errorReply(&dserrors.RemoteError{
			Code:      dserrors.CodeProtocolViolation,
			Message:   req.err.Error(),
			ContentID: s.contentID,
		})
	}

	ss.mu.Lock()
	if req.gen < ss.gen {
		ss.mu.Unlock()
		return cancelledReply(), nil
	}
	execCtx, cancel := context.WithCancel(ctx)
	ss.current = cancel
	ss.mu.Unlock()

	start := time.Now()
	reply, err := s.exec.Execute(execCtx, req.query)
	cancelled := execCtx.Err() != nil

	ss.mu.Lock()
	ss.current = nil
	ss.mu.Unlock()
	cancel()

	s.logger.Debug("Query executed",
		"slice", req.query.LocalSlice,
		"command_count", req.query.CommandCount,
		"duration", time.Since(start),
		"error", err)

	switch {
	case err == nil:
		return okReply(reply)
	case cancelled:
		return cancelledReply(), nil
	}

	var remote *dserrors.RemoteError
	if !errors.As(err, &remote) {
		remote = &dserrors.RemoteError{Code: dserrors.CodeInternalError, Message: err.Error()}
	}
	remote.ContentID = s.contentID
	return errorReply(remote)
}
