package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/session"
)

// Handler serves the chat frame protocol over websocket for browser clients.
type Handler struct {
	rooms    *core.RoomRegistry
	members  *core.MemberDirectory
	cfg      session.Config
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the registries.
func NewHandler(rooms *core.RoomRegistry, members *core.MemberDirectory, cfg session.Config) *Handler {
	return &Handler{
		rooms:   rooms,
		members: members,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	wsConn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	if h.cfg.MaxBodyBytes > 0 {
		wsConn.SetReadLimit(int64(h.cfg.MaxBodyBytes) + int64(max(h.cfg.MaxHeaderBytes, 64<<10)) + 4)
	}

	sess := session.New(&conn{ws: wsConn}, h.rooms, h.members, h.cfg)
	if err := sess.Serve(c.Request().Context()); err != nil {
		slog.Debug("websocket session ended", "conn_id", sess.ID(), "err", err)
	}
	return nil
}

// conn presents a websocket as a byte stream. Every data message is one
// chunk for the frame decoder; every write is one binary message.
type conn struct {
	ws *websocket.Conn
	r  io.Reader
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *conn) Close() error { return c.ws.Close() }

func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
