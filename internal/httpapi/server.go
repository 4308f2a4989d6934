package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/median-dxz/med-accord-server/internal/blob"
	"github.com/median-dxz/med-accord-server/internal/catalog"
	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/protocol"
	"github.com/median-dxz/med-accord-server/internal/session"
	"github.com/median-dxz/med-accord-server/internal/store"
	"github.com/median-dxz/med-accord-server/internal/ws"
)

// Deps are the collaborators the HTTP surface reads from. Catalog and Blobs
// are optional; their routes are not registered when nil.
type Deps struct {
	Rooms   *core.RoomRegistry
	Members *core.MemberDirectory
	Catalog *catalog.Catalog
	Blobs   *blob.Store
	Session session.Config
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// New constructs an Echo app with the listing, admin, attachment and
// websocket routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote", v.RemoteIP,
			}
			if v.Error != nil {
				attrs = append(attrs, "err", v.Error)
			}
			if v.Status >= http.StatusInternalServerError {
				slog.Error("http request", attrs...)
				return nil
			}
			slog.Debug("http request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, deps: deps}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleListing)
	s.echo.GET("/hash", s.handleHash)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/rooms", s.handleRooms)
	if s.deps.Catalog != nil {
		s.echo.POST("/api/rooms", s.handleCreateRoom)
	}
	s.echo.GET("/api/rooms/:id/members", s.handleRoomMembers)
	s.echo.GET("/api/members/:id", s.handleMember)
	if s.deps.Blobs != nil {
		s.echo.POST("/api/attachments", s.handleAttachmentUpload)
		s.echo.GET("/api/attachments/:id", s.handleAttachmentDownload)
	}
	ws.NewHandler(s.deps.Rooms, s.deps.Members, s.deps.Session).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
// Request contexts derive from ctx so websocket sessions end on shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.echo.Server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr)
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// listingEntry is the room shape older clients read from "/".
type listingEntry struct {
	Hash       string `json:"hash"`
	ShowName   string `json:"showName"`
	Icon       string `json:"icon"`
	ActualName string `json:"actualName"`
}

func (s *Server) handleListing(c echo.Context) error {
	infos := s.deps.Rooms.Infos()
	out := make([]listingEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, listingEntry{
			Hash:       info.ID,
			ShowName:   info.DisplayName,
			Icon:       info.Icon,
			ActualName: info.InternalName,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHash(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"hash": s.deps.Members.GenerateID()})
}

type healthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Members int    `json:"members"`
	Online  int    `json:"online"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Rooms:   s.deps.Rooms.Len(),
		Members: s.deps.Members.Len(),
		Online:  s.deps.Members.OnlineCount(),
	})
}

type roomResponse struct {
	core.RoomInfo
	Members  int `json:"members"`
	Online   int `json:"online"`
	Messages int `json:"messages"`
}

func newRoomResponse(room *core.Room) roomResponse {
	st := room.Stats()
	return roomResponse{
		RoomInfo: room.Info(),
		Members:  st.Members,
		Online:   st.Online,
		Messages: st.Messages,
	}
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.deps.Rooms.List()
	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, newRoomResponse(room))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var info core.RoomInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid room body")
	}
	if strings.TrimSpace(info.ID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "roomId is required")
	}

	room, err := s.deps.Catalog.Register(c.Request().Context(), info)
	if err != nil {
		if errors.Is(err, core.ErrRoomExists) {
			return echo.NewHTTPError(http.StatusConflict, "room already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("register room: %v", err))
	}
	return c.JSON(http.StatusCreated, newRoomResponse(room))
}

func (s *Server) handleRoomMembers(c echo.Context) error {
	room, err := s.deps.Rooms.Lookup(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	members := room.Members()
	if members == nil {
		members = []core.MemberRecord{}
	}
	return c.JSON(http.StatusOK, members)
}

type memberResponse struct {
	core.MemberRecord
	Online bool   `json:"online"`
	RoomID string `json:"roomId,omitempty"`
}

func (s *Server) handleMember(c echo.Context) error {
	m, ok := s.deps.Members.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "member not found")
	}
	return c.JSON(http.StatusOK, memberResponse{
		MemberRecord: m.Record(),
		Online:       m.Online(),
		RoomID:       m.RoomID(),
	})
}

type attachmentResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleAttachmentUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	meta, err := s.deps.Blobs.Put(c.Request().Context(), blob.Upload{
		Kind:         protocol.Kind(c.FormValue("kind")),
		OriginalName: fileHeader.Filename,
		ContentType:  strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType)),
		Reader:       src,
	})
	switch {
	case errors.Is(err, blob.ErrUnsupportedKind):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blob.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist attachment: %v", err))
	}

	return c.JSON(http.StatusCreated, attachmentResponse{
		ID:           meta.ID,
		Kind:         meta.Kind,
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    meta.SizeBytes,
		CreatedAt:    meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleAttachmentDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "attachment id is required")
	}

	result, err := s.deps.Blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open attachment: %v", err))
	}
	defer result.File.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, result.Metadata.ContentType)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, safeFilename(result.Metadata.OriginalName)))
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
