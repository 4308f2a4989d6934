package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/store"
)

// cliDBSetup creates a temp database seeded with rooms and members and
// returns its path.
func cliDBSetup(t *testing.T, rooms []core.RoomInfo, members []core.MemberRecord) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "accord.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	for _, r := range rooms {
		if _, err := st.CreateRoom(ctx, r); err != nil {
			t.Fatalf("CreateRoom(%q): %v", r.ID, err)
		}
	}
	for _, m := range members {
		if err := st.SaveMember(ctx, m); err != nil {
			t.Fatalf("SaveMember(%q): %v", m.ID, err)
		}
	}
	return dbPath
}

// captureCLI runs RunCLI with output redirected into a buffer.
func captureCLI(t *testing.T, args []string, dbPath string) (bool, string) {
	t.Helper()
	var buf bytes.Buffer
	prev := cliOut
	cliOut = &buf
	defer func() { cliOut = prev }()
	handled := RunCLI(args, dbPath)
	return handled, buf.String()
}

func TestRunCLIVersion(t *testing.T) {
	handled, out := captureCLI(t, []string{"version"}, "not-used.db")
	if !handled {
		t.Fatal("RunCLI(version) should return true")
	}
	if !strings.Contains(out, Version) {
		t.Errorf("expected version in output, got %q", out)
	}
}

func TestRunCLIUnknownOrEmpty(t *testing.T) {
	if handled, _ := captureCLI(t, []string{"nonexistent-cmd"}, "not-used.db"); handled {
		t.Error("RunCLI(unknown) should return false")
	}
	if handled, _ := captureCLI(t, nil, "not-used.db"); handled {
		t.Error("RunCLI(nil) should return false")
	}
}

func TestRunCLIStatusCounts(t *testing.T) {
	dbPath := cliDBSetup(t,
		[]core.RoomInfo{{ID: "1001", DisplayName: "Lobby"}},
		[]core.MemberRecord{{ID: "a1", DisplayName: "alice"}, {ID: "b2", DisplayName: "bob"}},
	)
	_, out := captureCLI(t, []string{"status"}, dbPath)
	for _, want := range []string{"Rooms: 1", "Members: 2", "Database: " + dbPath} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
}

func TestRunCLIRoomsListAndCreate(t *testing.T) {
	dbPath := cliDBSetup(t, nil, nil)

	if _, out := captureCLI(t, []string{"rooms"}, dbPath); !strings.Contains(out, "No rooms found.") {
		t.Fatalf("expected empty listing, got %q", out)
	}

	_, out := captureCLI(t, []string{"rooms", "create", "2001", "Board", "Games"}, dbPath)
	if !strings.Contains(out, `Created room "Board Games" (id=2001)`) {
		t.Fatalf("unexpected create output %q", out)
	}

	_, out = captureCLI(t, []string{"rooms", "list"}, dbPath)
	if !strings.Contains(out, "[2001] Board Games") {
		t.Fatalf("expected created room in listing, got %q", out)
	}
}

func TestRunCLIMembers(t *testing.T) {
	dbPath := cliDBSetup(t, nil, []core.MemberRecord{{ID: "a1", DisplayName: "alice"}})

	_, out := captureCLI(t, []string{"members", "list"}, dbPath)
	if !strings.Contains(out, "[a1] alice") {
		t.Fatalf("expected alice in listing, got %q", out)
	}

	_, out = captureCLI(t, []string{"members", "new-id"}, dbPath)
	id := strings.TrimSpace(out)
	if len(id) != 8 || id == "a1" {
		t.Fatalf("unexpected new id %q", id)
	}
}
