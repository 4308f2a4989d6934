// Package wt carries the chat frame stream over WebTransport: the first
// bidirectional stream a client opens on a session is treated exactly like a
// TCP socket.
package wt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/session"
)

// Path is the endpoint clients open a WebTransport session on.
const Path = "/accord"

// Server holds the WebTransport server and the registries sessions use.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	rooms     *core.RoomRegistry
	members   *core.MemberDirectory
	cfg       session.Config
	wt        *webtransport.Server
}

// NewServer creates a WebTransport chat server for addr. Run or Serve starts
// it.
func NewServer(addr string, tlsConfig *tls.Config, rooms *core.RoomRegistry, members *core.MemberDirectory, cfg session.Config) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		rooms:     rooms,
		members:   members,
		cfg:       cfg,
	}
}

// Run listens on the configured UDP address and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.addr, err)
	}
	defer pc.Close()
	return s.Serve(ctx, pc)
}

// Serve runs the WebTransport server on pc until ctx is cancelled. The
// caller keeps ownership of pc.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: http3.ConfigureTLSConfig(s.tlsConfig),
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess)
	})

	slog.Info("webtransport listening", "addr", pc.LocalAddr().String(), "path", Path)

	stop := context.AfterFunc(ctx, func() { _ = s.wt.Close() })
	defer stop()

	err := s.wt.Serve(pc)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, wtSess *webtransport.Session) {
	acceptCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
	str, err := wtSess.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		slog.Debug("webtransport stream not opened", "remote", wtSess.RemoteAddr().String(), "err", err)
		_ = wtSess.CloseWithError(0, "no stream")
		return
	}

	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()
	stop := context.AfterFunc(wtSess.Context(), cancelSess)
	defer stop()

	chat := session.New(&streamConn{Stream: str, sess: wtSess}, s.rooms, s.members, s.cfg)
	if err := chat.Serve(sessCtx); err != nil {
		slog.Debug("webtransport session ended", "conn_id", chat.ID(), "err", err)
	}
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return session.DefaultConfig().HandshakeTimeout
}

// streamConn is a WebTransport stream with the addressing and close
// semantics of a socket.
type streamConn struct {
	*webtransport.Stream
	sess *webtransport.Session
}

func (c *streamConn) RemoteAddr() net.Addr { return c.sess.RemoteAddr() }

func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	_ = c.sess.CloseWithError(0, "closed")
	return err
}
