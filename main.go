package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/median-dxz/med-accord-server/internal/blob"
	"github.com/median-dxz/med-accord-server/internal/catalog"
	"github.com/median-dxz/med-accord-server/internal/config"
	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/httpapi"
	"github.com/median-dxz/med-accord-server/internal/session"
	"github.com/median-dxz/med-accord-server/internal/store"
	"github.com/median-dxz/med-accord-server/internal/tcp"
	"github.com/median-dxz/med-accord-server/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, rest, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	// Auto-enable debug logging for dev builds; override with --debug.
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(rest) > 0 {
		if RunCLI(rest, cfg.Database) {
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n", rest[0])
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting server", "version", Version, "config", cfg.ConfigFile)
	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	sqliteStore, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	blobStore, err := blob.NewStore(cfg.AttachmentsDir, sqliteStore, cfg.MaxAttachmentBytes)
	if err != nil {
		return fmt.Errorf("initialize attachment store: %w", err)
	}

	members := core.NewMemberDirectory(sqliteStore)
	records, err := sqliteStore.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	members.Load(records)

	rooms := core.NewRoomRegistry()
	roomCatalog := catalog.New(sqliteStore, rooms)
	if _, err := roomCatalog.Load(ctx, cfg.RoomsDir); err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	if rooms.Len() == 0 {
		slog.Warn("no rooms registered; create one with `rooms create` or POST /api/rooms")
	}

	sessCfg := sessionConfig(cfg)

	var wtServer *wt.Server
	if cfg.WebTransport.Enabled {
		if wtServer, err = newWebTransportServer(cfg, rooms, members, sessCfg); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	chat := tcp.NewServer(cfg.AccordServer.Addr(), rooms, members, sessCfg)
	g.Go(func() error { return chat.Run(ctx) })

	api := httpapi.New(httpapi.Deps{
		Rooms:   rooms,
		Members: members,
		Catalog: roomCatalog,
		Blobs:   blobStore,
		Session: sessCfg,
	})
	g.Go(func() error { return api.Run(ctx, cfg.HTTPServer.Addr()) })

	if wtServer != nil {
		g.Go(func() error { return wtServer.Run(ctx) })
	}

	if cfg.MetricsInterval > 0 {
		g.Go(func() error {
			RunMetrics(ctx, rooms, members, cfg.MetricsInterval)
			return nil
		})
	}

	return g.Wait()
}

func newWebTransportServer(cfg *config.Config, rooms *core.RoomRegistry, members *core.MemberDirectory, sessCfg session.Config) (*wt.Server, error) {
	wtc := cfg.WebTransport
	var (
		tlsConfig   *tls.Config
		fingerprint string
		err         error
	)
	if wtc.CertFile != "" {
		tlsConfig, fingerprint, err = wt.LoadTLSConfig(wtc.CertFile, wtc.KeyFile)
	} else {
		tlsConfig, fingerprint, err = wt.GenerateTLSConfig(wt.SelfSignedValidity, wtc.Hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("webtransport tls: %w", err)
	}
	slog.Info("webtransport certificate", "fingerprint", fingerprint, "self_signed", wtc.CertFile == "")
	return wt.NewServer(wtc.Addr(), tlsConfig, rooms, members, sessCfg), nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendQueue:        cfg.SendQueue,
		MaxHeaderBytes:   cfg.MaxHeaderBytes,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		MaxHistoryLimit:  cfg.MaxHistoryLimit,
		RatePerSecond:    cfg.RateLimit.PerSecond,
		RateBurst:        cfg.RateLimit.Burst,
	}
}
