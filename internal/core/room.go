package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/median-dxz/med-accord-server/internal/protocol"
)

// Outbound is the push handle of one live connection. Push is called with
// the room lock held and must not block. It reports false when the frame was
// dropped.
type Outbound interface {
	Push(frame []byte) bool
}

// RoomInfo describes a room as listed to clients and stored on disk.
type RoomInfo struct {
	ID           string `json:"roomId"`
	DisplayName  string `json:"displayName"`
	InternalName string `json:"internalName"`
	Icon         string `json:"icon"`
}

// RoomStats is a point-in-time count of a room's state.
type RoomStats struct {
	RoomID   string `json:"roomId"`
	Members  int    `json:"members"`
	Online   int    `json:"online"`
	Messages int    `json:"messages"`
}

type rosterEntry struct {
	member *Member
	out    Outbound
}

// Room is one chat channel. A single mutex guards the roster and the message
// log together; every push is built and enqueued inside that critical
// section so observers never see a half-applied mutation.
type Room struct {
	info RoomInfo
	now  func() time.Time

	mu     sync.Mutex
	roster []rosterEntry
	log    []protocol.Message
}

// NewRoom returns an empty room.
func NewRoom(info RoomInfo) *Room {
	return &Room{info: info, now: time.Now}
}

// ID returns the room id.
func (r *Room) ID() string { return r.info.ID }

// Info returns the room descriptor. It is fixed at registration.
func (r *Room) Info() RoomInfo { return r.info }

// AddMember inserts m into the roster. An existing entry for the same member
// id is replaced in place, keeping its position.
func (r *Room) AddMember(m *Member, out Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(m, out)
}

// RemoveMember deletes the roster entry for id. When out is non-nil the entry
// is only removed if it still belongs to that handle.
func (r *Room) RemoveMember(id string, out Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id, out)
}

// AppendMessage stores msg with the next index. A zero timestamp is replaced
// by the current time, and a timestamp older than the newest entry is clamped
// up to it so the log stays sorted.
func (r *Room) AppendMessage(msg protocol.Message) protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(msg)
}

// BroadcastRoster pushes the current roster snapshot to every live member.
func (r *Room) BroadcastRoster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastRosterLocked()
}

// BroadcastMessage pushes msg to every live member.
func (r *Room) BroadcastMessage(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastMessagesLocked([]protocol.Message{msg})
}

// Join adds m with its push handle and broadcasts the new roster.
func (r *Room) Join(m *Member, out Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(m, out)
	slog.Info("member joined room", "room_id", r.info.ID, "member_id", m.ID(), "roster", len(r.roster))
	r.broadcastRosterLocked()
}

// Leave removes the entry owned by out and broadcasts the new roster. It
// reports false when the entry was already gone or replaced.
func (r *Room) Leave(id string, out Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.removeLocked(id, out) {
		return false
	}
	slog.Info("member left room", "room_id", r.info.ID, "member_id", id, "roster", len(r.roster))
	r.broadcastRosterLocked()
	return true
}

// Post appends a message from sender and broadcasts it.
func (r *Room) Post(sender *Member, in protocol.SendMessage) protocol.Message {
	rec := sender.Record()

	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.appendLocked(protocol.Message{
		Kind:         in.Kind,
		Payload:      in.Payload,
		Mime:         in.Mime,
		Timestamp:    in.Timestamp,
		SenderID:     rec.ID,
		SenderName:   rec.DisplayName,
		SenderAvatar: rec.Avatar,
	})
	r.broadcastMessagesLocked([]protocol.Message{msg})
	return msg
}

// SendRoster pushes the roster snapshot to out only.
func (r *Room) SendRoster(out Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, err := protocol.EncodeJSON(protocol.ActionUpdateMemberList, r.snapshotLocked())
	if err != nil {
		return err
	}
	out.Push(frame)
	return nil
}

// History returns at most limit messages ending at the last one whose
// timestamp is <= ts.
func (r *Room) History(ts int64, limit int) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SearchHistory(r.log, ts, limit)
}

// Snapshot returns the roster in insertion order.
func (r *Room) Snapshot() []protocol.RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Members returns the member records currently in the roster.
func (r *Room) Members() []MemberRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MemberRecord, 0, len(r.roster))
	for _, e := range r.roster {
		out = append(out, e.member.Record())
	}
	return out
}

// Stats counts roster entries, live entries and logged messages.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RoomStats{RoomID: r.info.ID, Members: len(r.roster), Messages: len(r.log)}
	for _, e := range r.roster {
		if e.out != nil {
			s.Online++
		}
	}
	return s
}

func (r *Room) addLocked(m *Member, out Outbound) {
	for i := range r.roster {
		if r.roster[i].member.ID() == m.ID() {
			r.roster[i] = rosterEntry{member: m, out: out}
			return
		}
	}
	r.roster = append(r.roster, rosterEntry{member: m, out: out})
}

func (r *Room) removeLocked(id string, out Outbound) bool {
	for i, e := range r.roster {
		if e.member.ID() != id {
			continue
		}
		if out != nil && e.out != out {
			return false
		}
		r.roster = append(r.roster[:i], r.roster[i+1:]...)
		return true
	}
	return false
}

func (r *Room) appendLocked(msg protocol.Message) protocol.Message {
	if msg.Timestamp <= 0 {
		msg.Timestamp = r.now().UnixMilli()
	}
	if n := len(r.log); n > 0 && msg.Timestamp < r.log[n-1].Timestamp {
		msg.Timestamp = r.log[n-1].Timestamp
	}
	msg.Index = len(r.log)
	r.log = append(r.log, msg)
	return msg
}

func (r *Room) snapshotLocked() []protocol.RosterEntry {
	out := make([]protocol.RosterEntry, 0, len(r.roster))
	for _, e := range r.roster {
		rec := e.member.Record()
		out = append(out, protocol.RosterEntry{DisplayName: rec.DisplayName, Avatar: rec.Avatar})
	}
	return out
}

func (r *Room) broadcastRosterLocked() {
	frame, err := protocol.EncodeJSON(protocol.ActionUpdateMemberList, r.snapshotLocked())
	if err != nil {
		slog.Error("encode roster", "room_id", r.info.ID, "err", err)
		return
	}
	r.pushAllLocked(frame)
}

func (r *Room) broadcastMessagesLocked(msgs []protocol.Message) {
	frame, err := protocol.EncodeJSON(protocol.ActionReceiveMessage, msgs)
	if err != nil {
		slog.Error("encode messages", "room_id", r.info.ID, "err", err)
		return
	}
	r.pushAllLocked(frame)
}

func (r *Room) pushAllLocked(frame []byte) {
	for _, e := range r.roster {
		if e.out == nil {
			continue
		}
		if !e.out.Push(frame) {
			slog.Warn("push dropped", "room_id", r.info.ID, "member_id", e.member.ID())
		}
	}
}

