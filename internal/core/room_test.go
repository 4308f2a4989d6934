package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/median-dxz/med-accord-server/internal/protocol"
)

// recorder is an Outbound that keeps every pushed frame.
type recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
	drop   bool
}

func (r *recorder) Push(b []byte) bool {
	frames, err := protocol.NewDecoder(0, 0).Feed(b)
	if err != nil || len(frames) != 1 {
		panic(fmt.Sprintf("push of malformed frame: frames=%d err=%v", len(frames), err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drop {
		return false
	}
	r.frames = append(r.frames, frames[0])
	return true
}

func (r *recorder) take() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames
	r.frames = nil
	return out
}

func textMessage(payload string, ts int64) protocol.Message {
	return protocol.Message{Kind: protocol.KindText, Payload: payload, Timestamp: ts}
}

func decodeRoster(t *testing.T, f protocol.Frame) []protocol.RosterEntry {
	t.Helper()
	if f.Header.Action != protocol.ActionUpdateMemberList {
		t.Fatalf("expected updateMemberList, got %q", f.Header.Action)
	}
	var out []protocol.RosterEntry
	if err := json.Unmarshal(f.Body, &out); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	return out
}

func decodeMessages(t *testing.T, f protocol.Frame) []protocol.Message {
	t.Helper()
	if f.Header.Action != protocol.ActionReceiveMessage {
		t.Fatalf("expected receiveMessage, got %q", f.Header.Action)
	}
	var out []protocol.Message
	if err := json.Unmarshal(f.Body, &out); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	return out
}

func TestRoomJoinBroadcastsRosterInInsertionOrder(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})

	alice, _ := d.GetOrCreate("m1", "alice", "a.png")
	bob, _ := d.GetOrCreate("m2", "bob", "")
	carol, _ := d.GetOrCreate("m3", "carol", "")

	aOut, bOut := &recorder{}, &recorder{}
	room.Join(alice, aOut)
	room.AddMember(carol, nil)
	room.Join(bob, bOut)

	aFrames := aOut.take()
	if len(aFrames) != 2 {
		t.Fatalf("expected alice to see 2 roster pushes, got %d", len(aFrames))
	}
	want := []protocol.RosterEntry{
		{DisplayName: "alice", Avatar: "a.png"},
		{DisplayName: "carol"},
		{DisplayName: "bob"},
	}
	got := decodeRoster(t, aFrames[1])
	if len(got) != len(want) {
		t.Fatalf("roster length: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roster[%d]: got %#v want %#v", i, got[i], want[i])
		}
	}
	if n := len(bOut.take()); n != 1 {
		t.Fatalf("expected bob to see 1 roster push, got %d", n)
	}
}

func TestRoomRejoinReplacesEntry(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	m, _ := d.GetOrCreate("m1", "alice", "")

	stale, fresh := &recorder{}, &recorder{}
	room.Join(m, stale)
	room.Join(m, fresh)
	if got := len(room.Snapshot()); got != 1 {
		t.Fatalf("expected one roster entry, got %d", got)
	}

	if room.Leave("m1", stale) {
		t.Fatal("stale handle must not remove the new entry")
	}
	if got := len(room.Snapshot()); got != 1 {
		t.Fatalf("expected entry to survive stale leave, got %d", got)
	}
	if !room.Leave("m1", fresh) {
		t.Fatal("expected current handle to leave")
	}
	if got := len(room.Snapshot()); got != 0 {
		t.Fatalf("expected empty roster, got %d", got)
	}
	if room.RemoveMember("m1", nil) {
		t.Fatal("expected remove of absent member to report false")
	}
}

func TestRoomLeaveBroadcastsToRemaining(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	alice, _ := d.GetOrCreate("m1", "alice", "")
	bob, _ := d.GetOrCreate("m2", "bob", "")
	aOut, bOut := &recorder{}, &recorder{}
	room.Join(alice, aOut)
	room.Join(bob, bOut)
	aOut.take()
	bOut.take()

	room.Leave("m2", bOut)

	if n := len(bOut.take()); n != 0 {
		t.Fatalf("leaving member should get no push, got %d", n)
	}
	frames := aOut.take()
	if len(frames) != 1 {
		t.Fatalf("expected 1 push, got %d", len(frames))
	}
	if got := decodeRoster(t, frames[0]); len(got) != 1 || got[0].DisplayName != "alice" {
		t.Fatalf("unexpected roster: %#v", got)
	}
}

func TestRoomPostBroadcastsMessage(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	alice, _ := d.GetOrCreate("m1", "alice", "a.png")
	bob, _ := d.GetOrCreate("m2", "bob", "")
	aOut, bOut := &recorder{}, &recorder{}
	room.Join(alice, aOut)
	room.Join(bob, bOut)
	aOut.take()
	bOut.take()

	msg := room.Post(alice, protocol.SendMessage{Kind: protocol.KindText, Payload: "hello", Timestamp: 100})
	if msg.Index != 0 || msg.SenderID != "m1" || msg.SenderName != "alice" || msg.SenderAvatar != "a.png" {
		t.Fatalf("unexpected stored message: %#v", msg)
	}

	for name, out := range map[string]*recorder{"alice": aOut, "bob": bOut} {
		frames := out.take()
		if len(frames) != 1 {
			t.Fatalf("%s: expected 1 push, got %d", name, len(frames))
		}
		got := decodeMessages(t, frames[0])
		if len(got) != 1 || got[0] != msg {
			t.Fatalf("%s: unexpected messages: %#v", name, got)
		}
	}
}

func TestRoomSkipsDroppedPushes(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	alice, _ := d.GetOrCreate("m1", "alice", "")
	bob, _ := d.GetOrCreate("m2", "bob", "")
	full := &recorder{drop: true}
	ok := &recorder{}
	room.Join(alice, full)
	room.Join(bob, ok)

	room.BroadcastMessage(textMessage("x", 1))
	if n := len(ok.take()); n != 2 {
		t.Fatalf("expected roster + message for bob, got %d", n)
	}
}

func TestRoomSendRosterOnlyToRequester(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	alice, _ := d.GetOrCreate("m1", "alice", "")
	bob, _ := d.GetOrCreate("m2", "bob", "")
	aOut, bOut := &recorder{}, &recorder{}
	room.Join(alice, aOut)
	room.Join(bob, bOut)
	aOut.take()
	bOut.take()

	if err := room.SendRoster(bOut); err != nil {
		t.Fatalf("send roster: %v", err)
	}
	if n := len(aOut.take()); n != 0 {
		t.Fatalf("expected no push for alice, got %d", n)
	}
	frames := bOut.take()
	if len(frames) != 1 || len(decodeRoster(t, frames[0])) != 2 {
		t.Fatalf("unexpected requester push: %#v", frames)
	}
}

func TestRoomAppendClampsTimestamps(t *testing.T) {
	room := NewRoom(RoomInfo{ID: "r1"})
	room.now = func() time.Time { return time.UnixMilli(500) }

	first := room.AppendMessage(textMessage("a", 100))
	second := room.AppendMessage(textMessage("b", 50))
	third := room.AppendMessage(textMessage("c", 0))

	if first.Timestamp != 100 || second.Timestamp != 100 {
		t.Fatalf("expected out-of-order timestamp clamped to 100, got %d", second.Timestamp)
	}
	if third.Timestamp != 500 {
		t.Fatalf("expected zero timestamp replaced by server time, got %d", third.Timestamp)
	}
	if got := indices(room.History(100, 10)); !equalInts(got, []int{0, 1}) {
		t.Fatalf("unexpected history: %v", got)
	}
}

func TestRoomConcurrentPostIndexMonotonicity(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	const senders, perSender = 8, 50

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		m, _ := d.GetOrCreate(fmt.Sprintf("m%d", s), fmt.Sprintf("user%d", s), "")
		room.Join(m, &recorder{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				room.Post(m, protocol.SendMessage{Kind: protocol.KindText, Payload: "x", Timestamp: int64(i + 1)})
			}
		}()
	}
	wg.Wait()

	const n = senders * perSender
	log := room.History(1<<62, n)
	if len(log) != n {
		t.Fatalf("expected %d messages, got %d", n, len(log))
	}
	for i, m := range log {
		if m.Index != i {
			t.Fatalf("position %d holds index %d", i, m.Index)
		}
		if i > 0 && m.Timestamp < log[i-1].Timestamp {
			t.Fatalf("timestamps decrease at %d: %d < %d", i, m.Timestamp, log[i-1].Timestamp)
		}
	}
}

// snapshotChecker compares every roster push against the room's roster at
// the instant of the push. Push runs with the room lock held.
type snapshotChecker struct {
	room *Room

	mu         sync.Mutex
	mismatches int
	pushes     int
}

func (c *snapshotChecker) Push(b []byte) bool {
	frames, err := protocol.NewDecoder(0, 0).Feed(b)
	if err != nil || len(frames) != 1 {
		panic("malformed push")
	}
	if frames[0].Header.Action != protocol.ActionUpdateMemberList {
		return true
	}
	var got []protocol.RosterEntry
	if err := json.Unmarshal(frames[0].Body, &got); err != nil {
		panic(err)
	}
	var live []string
	for _, e := range c.room.roster {
		live = append(live, e.member.Record().DisplayName)
	}
	var pushed []string
	for _, e := range got {
		pushed = append(pushed, e.DisplayName)
	}
	sort.Strings(live)
	sort.Strings(pushed)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes++
	if fmt.Sprint(live) != fmt.Sprint(pushed) {
		c.mismatches++
	}
	return true
}

func TestRoomRosterSnapshotConsistency(t *testing.T) {
	d := NewMemberDirectory(nil)
	room := NewRoom(RoomInfo{ID: "r1"})
	watcher, _ := d.GetOrCreate("watch", "watcher", "")
	checker := &snapshotChecker{room: room}
	room.Join(watcher, checker)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		m, _ := d.GetOrCreate(fmt.Sprintf("m%d", i), fmt.Sprintf("user%d", i), "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				out := &recorder{}
				room.Join(m, out)
				room.Leave(m.ID(), out)
			}
		}()
	}
	wg.Wait()

	checker.mu.Lock()
	defer checker.mu.Unlock()
	if checker.pushes == 0 {
		t.Fatal("expected roster pushes")
	}
	if checker.mismatches != 0 {
		t.Fatalf("%d of %d roster pushes did not match the live roster", checker.mismatches, checker.pushes)
	}
}
