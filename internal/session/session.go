package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/protocol"
)

const readBufferSize = 32 << 10

// Conn is the byte stream a session runs over. net.Conn satisfies it, and
// the websocket and webtransport transports adapt to it.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Config holds per-connection limits.
type Config struct {
	HandshakeTimeout time.Duration
	SendQueue        int
	MaxHeaderBytes   uint32
	MaxBodyBytes     uint32
	MaxHistoryLimit  int
	RatePerSecond    float64
	RateBurst        int
}

// DefaultConfig returns the limits used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: time.Second,
		SendQueue:        64,
		MaxHeaderBytes:   protocol.DefaultMaxHeaderLength,
		MaxBodyBytes:     protocol.DefaultMaxBodyLength,
		MaxHistoryLimit:  500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxHistoryLimit <= 0 {
		c.MaxHistoryLimit = d.MaxHistoryLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RatePerSecond))
	}
	return c
}

// State is the lifecycle position of a session.
type State int

const (
	Handshaking State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session drives one connection through handshake, bound dispatch and
// close-cleanup. It holds ids into the registries, never ownership.
type Session struct {
	id      string
	conn    Conn
	rooms   *core.RoomRegistry
	members *core.MemberDirectory
	cfg     Config
	log     *slog.Logger
	out     *Outbox
	decoder *protocol.Decoder
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	roomID   string
	memberID string
	timer    *time.Timer
}

// New builds a session for conn. Serve must be called to run it.
func New(conn Conn, rooms *core.RoomRegistry, members *core.MemberDirectory, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s := &Session{
		id:      id,
		conn:    conn,
		rooms:   rooms,
		members: members,
		cfg:     cfg,
		log:     slog.With("conn_id", id, "remote", remote),
		out:     NewOutbox(cfg.SendQueue),
		decoder: protocol.NewDecoder(cfg.MaxHeaderBytes, cfg.MaxBodyBytes),
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return s
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve runs the session until the connection ends, the client leaves, the
// handshake deadline passes or ctx is cancelled. The connection is closed
// when Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	s.log.Debug("session started")

	writerDone := make(chan struct{})
	log := s.log
	go func() {
		defer close(writerDone)
		if err := s.out.Run(s.conn); err != nil {
			log.Debug("writer stopped", "err", err)
		}
		_ = s.conn.Close()
	}()

	s.mu.Lock()
	s.timer = time.AfterFunc(s.cfg.HandshakeTimeout, s.handshakeExpired)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.out.Close()
		_ = s.conn.Close()
	})
	defer stop()

	err := s.readLoop()

	s.mu.Lock()
	s.cleanupLocked()
	s.mu.Unlock()

	s.out.Close()
	<-writerDone
	s.log.Debug("session finished", "err", err)
	return err
}

func (s *Session) readLoop() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, ferr := s.decoder.Feed(buf[:n])
			for _, f := range frames {
				if !s.dispatch(f) {
					return nil
				}
			}
			if ferr != nil {
				s.log.Warn("dropping connection", "err", ferr)
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || s.State() == Closed {
				return nil
			}
			s.log.Debug("read failed", "err", err)
			return fmt.Errorf("read: %w", err)
		}
	}
}

// dispatch handles one frame and reports whether reading should continue.
func (s *Session) dispatch(f protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	action := f.Header.Action
	switch s.state {
	case Closed:
		return false
	case Handshaking:
		if action != protocol.ActionEnter {
			s.log.Debug("dropping frame before handshake", "action", action)
			return true
		}
		s.handleEnterLocked(f.Body)
		return true
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.refuse(action, "rate limit exceeded")
		return true
	}

	room, ok := s.rooms.Get(s.roomID)
	if !ok {
		s.refuse(action, "room is gone")
		return true
	}

	switch action {
	case protocol.ActionSendMessage:
		in, err := protocol.ParseSendMessage(f.Body)
		if err != nil {
			s.refuse(action, err.Error())
			return true
		}
		member, ok := s.members.Get(s.memberID)
		if !ok {
			s.refuse(action, "member not found")
			return true
		}
		msg := room.Post(member, in)
		s.log.Debug("message posted", "index", msg.Index, "kind", msg.Kind)

	case protocol.ActionHistoryMessages:
		q, err := protocol.ParseHistoryQuery(f.Body)
		if err != nil {
			s.refuse(action, err.Error())
			return true
		}
		msgs := room.History(q.Timestamp, min(q.Limit, s.cfg.MaxHistoryLimit))
		s.push(protocol.ActionReceiveMessage, msgs)

	case protocol.ActionUpdateMemberList:
		if err := room.SendRoster(s.out); err != nil {
			s.log.Error("send roster", "err", err)
		}

	case protocol.ActionSetMemberInfo:
		info, err := protocol.ParseMemberInfo(f.Body)
		if err != nil {
			s.refuse(action, err.Error())
			return true
		}
		if _, err := s.members.Update(s.memberID, info.DisplayName, info.Avatar); err != nil {
			s.refuse(action, err.Error())
			return true
		}
		room.BroadcastRoster()

	case protocol.ActionLeave:
		s.log.Info("member leaving")
		s.cleanupLocked()
		return false

	case protocol.ActionEnter:
		s.refuse(action, "already entered")

	default:
		s.refuse(action, fmt.Sprintf("unsupported action %q", action))
	}
	return true
}

func (s *Session) handleEnterLocked(body []byte) {
	in, err := protocol.ParseEnter(body)
	if err != nil {
		s.refuse(protocol.ActionEnter, err.Error())
		return
	}
	room, ok := s.rooms.Get(in.RoomID)
	if !ok {
		s.log.Debug("enter refused", "room_id", in.RoomID, "reason", "unknown room")
		s.refuse(protocol.ActionEnter, fmt.Sprintf("unknown room %q", in.RoomID))
		return
	}

	member, _ := s.members.GetOrCreate(in.MemberID, in.DisplayName, in.Avatar)
	if err := s.members.Attach(member.ID(), s.id, room.ID()); err != nil {
		s.refuse(protocol.ActionEnter, err.Error())
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = Bound
	s.roomID = room.ID()
	s.memberID = member.ID()
	s.log = s.log.With("room_id", s.roomID, "member_id", s.memberID)

	s.reply(protocol.ActionAccept, protocol.ActionEnter, "entered "+room.Info().DisplayName)
	room.Join(member, s.out)
	s.log.Info("member entered")
}

// handshakeExpired runs on the timer goroutine.
func (s *Session) handshakeExpired() {
	s.mu.Lock()
	if s.state != Handshaking {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	s.log.Info("handshake timed out")
	s.reply(protocol.ActionTimeout, protocol.ActionEnter, "handshake timed out")
	s.out.Close()
}

func (s *Session) cleanupLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.state == Bound {
		if room, ok := s.rooms.Get(s.roomID); ok {
			room.Leave(s.memberID, s.out)
		}
		s.members.Detach(s.memberID, s.id)
	}
	s.state = Closed
}

func (s *Session) refuse(action protocol.Action, msg string) {
	s.reply(protocol.ActionRefuse, action, msg)
}

func (s *Session) reply(kind, action protocol.Action, msg string) {
	s.push(kind, protocol.Notice{Msg: msg, Action: action})
}

func (s *Session) push(action protocol.Action, v any) {
	frame, err := protocol.EncodeJSON(action, v)
	if err != nil {
		s.log.Error("encode reply", "action", action, "err", err)
		return
	}
	if !s.out.Send(frame) {
		s.log.Warn("reply dropped", "action", action)
	}
}
