// Package catalog supplies the room set: rooms stored in sqlite, room
// definitions imported from disk at startup, and rooms registered at runtime.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/median-dxz/med-accord-server/internal/core"
)

// DefinitionFile is the per-room file inside a rooms directory entry.
const DefinitionFile = "base.json"

// RoomStore persists room descriptors.
type RoomStore interface {
	CreateRoom(ctx context.Context, info core.RoomInfo) (bool, error)
	ListRooms(ctx context.Context) ([]core.RoomInfo, error)
}

// Catalog keeps the registry and the store in step.
type Catalog struct {
	store    RoomStore
	registry *core.RoomRegistry
}

// New returns a catalog that persists through st and registers into
// registry.
func New(st RoomStore, registry *core.RoomRegistry) *Catalog {
	return &Catalog{store: st, registry: registry}
}

// Load imports definitions from roomsDir (if set) and registers every stored
// room. It returns the number of rooms registered.
func (c *Catalog) Load(ctx context.Context, roomsDir string) (int, error) {
	if strings.TrimSpace(roomsDir) != "" {
		defs, err := ReadDefinitions(roomsDir)
		if err != nil {
			return 0, err
		}
		for _, info := range defs {
			created, err := c.store.CreateRoom(ctx, info)
			if err != nil {
				return 0, fmt.Errorf("import room %q: %w", info.ID, err)
			}
			if created {
				slog.Info("room imported", "room_id", info.ID, "dir", roomsDir)
			}
		}
	}

	rooms, err := c.store.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rooms: %w", err)
	}
	n := 0
	for _, info := range rooms {
		if _, err := c.registry.Register(info); err != nil {
			if errors.Is(err, core.ErrRoomExists) {
				continue
			}
			return n, err
		}
		n++
	}
	slog.Info("room catalog loaded", "rooms", n)
	return n, nil
}

// Register adds a room at runtime: it is stored first, then made live.
func (c *Catalog) Register(ctx context.Context, info core.RoomInfo) (*core.Room, error) {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return nil, fmt.Errorf("register room: id is required")
	}
	if _, ok := c.registry.Get(info.ID); ok {
		return nil, fmt.Errorf("register room %q: %w", info.ID, core.ErrRoomExists)
	}
	if strings.TrimSpace(info.DisplayName) == "" {
		info.DisplayName = info.ID
	}
	if _, err := c.store.CreateRoom(ctx, info); err != nil {
		return nil, fmt.Errorf("register room %q: %w", info.ID, err)
	}
	return c.registry.Register(info)
}

// definition is the on-disk room format.
type definition struct {
	Hash       flexibleID `json:"hash"`
	ShowName   string     `json:"showName"`
	Icon       string     `json:"icon"`
	ActualName string     `json:"actualName"`
}

// flexibleID accepts a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("room hash must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// ReadDefinitions reads <dir>/<entry>/base.json for every subdirectory, in
// directory name order. Entries without a definition file are skipped.
func ReadDefinitions(dir string) ([]core.RoomInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("rooms directory missing", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read rooms directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []core.RoomInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), DefinitionFile)
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var def definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		id := strings.TrimSpace(string(def.Hash))
		if id == "" {
			return nil, fmt.Errorf("parse %s: hash is required", path)
		}
		out = append(out, core.RoomInfo{
			ID:           id,
			DisplayName:  def.ShowName,
			InternalName: def.ActualName,
			Icon:         def.Icon,
		})
	}
	return out, nil
}
