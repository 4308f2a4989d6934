package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrMemberNotFound is returned for operations on an unknown member id.
var ErrMemberNotFound = errors.New("member not found")

// Member is a persistent chat identity. It outlives connections; the
// directory never deletes it.
type Member struct {
	id string

	mu          sync.RWMutex
	displayName string
	avatar      string
	connID      string // live connection, empty when offline
	roomID      string
}

// MemberRecord is a plain copy of a member's persistent fields.
type MemberRecord struct {
	ID          string `json:"memberId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// MemberStore persists member records. Calls happen outside directory locks.
type MemberStore interface {
	SaveMember(ctx context.Context, rec MemberRecord) error
}

// ID returns the member id. It never changes.
func (m *Member) ID() string { return m.id }

// Record returns a copy of the member's persistent fields.
func (m *Member) Record() MemberRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MemberRecord{ID: m.id, DisplayName: m.displayName, Avatar: m.avatar}
}

// Online reports whether a live connection is attached.
func (m *Member) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connID != ""
}

// RoomID returns the room the member is currently bound to, if any.
func (m *Member) RoomID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomID
}

func (m *Member) setProfile(displayName, avatar string) {
	m.mu.Lock()
	m.displayName = displayName
	m.avatar = avatar
	m.mu.Unlock()
}

// MemberDirectory owns every Member and issues collision-free identifiers.
type MemberDirectory struct {
	mu      sync.RWMutex
	members map[string]*Member
	store   MemberStore
	newID   func() string
}

// NewMemberDirectory returns an empty directory. st may be nil.
func NewMemberDirectory(st MemberStore) *MemberDirectory {
	return &MemberDirectory{
		members: make(map[string]*Member),
		store:   st,
		newID:   randomHexID,
	}
}

// Load inserts records read at startup. Existing entries are overwritten.
func (d *MemberDirectory) Load(records []MemberRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range records {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			continue
		}
		d.members[id] = &Member{id: id, displayName: rec.DisplayName, avatar: rec.Avatar}
	}
	slog.Info("member directory loaded", "members", len(d.members))
}

// GetOrCreate returns the member with id after overwriting its profile, or
// inserts a new one. created reports whether the member was new.
func (d *MemberDirectory) GetOrCreate(id, displayName, avatar string) (m *Member, created bool) {
	d.mu.Lock()
	m, ok := d.members[id]
	if !ok {
		m = &Member{id: id}
		d.members[id] = m
	}
	m.setProfile(displayName, avatar)
	total := len(d.members)
	d.mu.Unlock()

	if !ok {
		slog.Info("member created", "member_id", id, "display_name", displayName, "total_members", total)
	} else {
		slog.Debug("member profile refreshed", "member_id", id, "display_name", displayName)
	}
	d.persist(m)
	return m, !ok
}

// Get looks up a member by id.
func (d *MemberDirectory) Get(id string) (*Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	return m, ok
}

// Update overwrites an existing member's profile.
func (d *MemberDirectory) Update(id, displayName, avatar string) (*Member, error) {
	m, ok := d.Get(id)
	if !ok {
		return nil, fmt.Errorf("update member %q: %w", id, ErrMemberNotFound)
	}
	m.setProfile(displayName, avatar)
	slog.Debug("member profile updated", "member_id", id, "display_name", displayName)
	d.persist(m)
	return m, nil
}

// Attach marks connID as the member's live connection in roomID.
func (d *MemberDirectory) Attach(id, connID, roomID string) error {
	m, ok := d.Get(id)
	if !ok {
		return fmt.Errorf("attach member %q: %w", id, ErrMemberNotFound)
	}
	m.mu.Lock()
	prev := m.connID
	m.connID = connID
	m.roomID = roomID
	m.mu.Unlock()
	if prev != "" && prev != connID {
		slog.Debug("member connection replaced", "member_id", id, "old_conn_id", prev, "conn_id", connID)
	}
	return nil
}

// Detach clears the live connection if it is still connID. A newer
// connection for the same member is left untouched.
func (d *MemberDirectory) Detach(id, connID string) bool {
	m, ok := d.Get(id)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connID != connID {
		return false
	}
	m.connID = ""
	m.roomID = ""
	return true
}

// GenerateID returns a fresh identifier not present in the directory.
func (d *MemberDirectory) GenerateID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for {
		id := d.newID()
		if _, taken := d.members[id]; !taken {
			return id
		}
	}
}

// Records returns every member ordered by id.
func (d *MemberDirectory) Records() []MemberRecord {
	d.mu.RLock()
	out := make([]MemberRecord, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m.Record())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known members.
func (d *MemberDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// OnlineCount returns the number of members with a live connection.
func (d *MemberDirectory) OnlineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, m := range d.members {
		if m.Online() {
			n++
		}
	}
	return n
}

func (d *MemberDirectory) persist(m *Member) {
	if d.store == nil {
		return
	}
	rec := m.Record()
	if err := d.store.SaveMember(context.Background(), rec); err != nil {
		slog.Error("persist member", "member_id", rec.ID, "err", err)
	}
}

// randomHexID returns 8 hex characters from 4 random bytes.
func randomHexID() string {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(raw[:])
}
