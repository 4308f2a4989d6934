package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/session"
)

// KeepAlive is the keep-alive period set on accepted sockets.
const KeepAlive = 3 * time.Second

// Server accepts raw TCP connections and runs one session per socket.
type Server struct {
	addr    string
	rooms   *core.RoomRegistry
	members *core.MemberDirectory
	cfg     session.Config

	ready chan struct{}
	mu    sync.Mutex
	ln    net.Listener

	active atomic.Int64
}

// NewServer creates a TCP chat server listening on addr.
func NewServer(addr string, rooms *core.RoomRegistry, members *core.MemberDirectory, cfg session.Config) *Server {
	return &Server{
		addr:    addr,
		rooms:   rooms,
		members: members,
		cfg:     cfg,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Active returns the number of open connections.
func (s *Server) Active() int64 { return s.active.Load() }

// Run listens and serves until ctx is cancelled. Open sessions are closed
// and waited for before Run returns.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)
	slog.Info("chat server listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	wg := conc.NewWaitGroup()
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("accept timeout", "err", err)
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}
		wg.Go(func() { s.serve(ctx, conn) })
	}

	if r := wg.WaitAndRecover(); r != nil {
		slog.Error("session panicked", "err", r.AsError())
	}
	slog.Info("chat server stopped")
	return acceptErr
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	slog.Debug("connection accepted", "remote", conn.RemoteAddr().String(), "active", n)

	sess := session.New(conn, s.rooms, s.members, s.cfg)
	if err := sess.Serve(ctx); err != nil {
		slog.Debug("session ended with error", "conn_id", sess.ID(), "err", err)
	}
}
