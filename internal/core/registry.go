package core

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrRoomExists is returned when registering a duplicate room id.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound is returned for lookups of an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
)

// RoomRegistry maps room ids to rooms. Rooms are never removed.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	order []string
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]*Room)}
}

// Register creates and stores a room for info.
func (g *RoomRegistry) Register(info RoomInfo) (*Room, error) {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return nil, fmt.Errorf("register room: id is required")
	}
	if strings.TrimSpace(info.DisplayName) == "" {
		info.DisplayName = info.ID
	}

	g.mu.Lock()
	if _, ok := g.rooms[info.ID]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("register room %q: %w", info.ID, ErrRoomExists)
	}
	room := NewRoom(info)
	g.rooms[info.ID] = room
	g.order = append(g.order, info.ID)
	total := len(g.rooms)
	g.mu.Unlock()

	slog.Info("room registered", "room_id", info.ID, "display_name", info.DisplayName, "total_rooms", total)
	return room, nil
}

// Get looks up a room by id.
func (g *RoomRegistry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Lookup is Get returning ErrRoomNotFound for unknown ids.
func (g *RoomRegistry) Lookup(id string) (*Room, error) {
	r, ok := g.Get(id)
	if !ok {
		return nil, fmt.Errorf("lookup room %q: %w", id, ErrRoomNotFound)
	}
	return r, nil
}

// List returns every room in registration order.
func (g *RoomRegistry) List() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Room, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.rooms[id])
	}
	return out
}

// Infos returns the descriptor of every room in registration order.
func (g *RoomRegistry) Infos() []RoomInfo {
	rooms := g.List()
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	return out
}

// Stats returns per-room counts in registration order.
func (g *RoomRegistry) Stats() []RoomStats {
	rooms := g.List()
	out := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	return out
}

// Len returns the number of registered rooms.
func (g *RoomRegistry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}
