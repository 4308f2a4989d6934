package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/median-dxz/med-accord-server/internal/catalog"
	"github.com/median-dxz/med-accord-server/internal/core"
	"github.com/median-dxz/med-accord-server/internal/store"
)

// cliOut receives command output; tests swap it.
var cliOut io.Writer = os.Stdout

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(cliOut, "accord server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "rooms":
		return cliRooms(args[1:], dbPath)
	case "members":
		return cliMembers(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	rooms, members, err := st.Counts(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(cliOut, "Database: %s\n", dbPath)
	fmt.Fprintf(cliOut, "Rooms: %d\n", rooms)
	fmt.Fprintf(cliOut, "Members: %d\n", members)
	fmt.Fprintf(cliOut, "Version: %s\n", Version)
	return true
}

func cliRooms(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		rooms, err := st.ListRooms(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(rooms) == 0 {
			fmt.Fprintln(cliOut, "No rooms found.")
			return true
		}
		for _, r := range rooms {
			fmt.Fprintf(cliOut, "  [%s] %s\n", r.ID, r.DisplayName)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		info := core.RoomInfo{ID: args[1]}
		if len(args) > 2 {
			info.DisplayName = strings.Join(args[2:], " ")
		}
		room, err := catalog.New(st, core.NewRoomRegistry()).Register(ctx, info)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating room: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(cliOut, "Created room %q (id=%s)\n", room.Info().DisplayName, room.ID())
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server rooms [list|create <id> [name]]\n")
	os.Exit(1)
	return true
}

func cliMembers(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	records, err := st.ListMembers(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 || args[0] == "list" {
		if len(records) == 0 {
			fmt.Fprintln(cliOut, "No members found.")
			return true
		}
		for _, m := range records {
			fmt.Fprintf(cliOut, "  [%s] %s\n", m.ID, m.DisplayName)
		}
		return true
	}

	if args[0] == "new-id" {
		d := core.NewMemberDirectory(nil)
		d.Load(records)
		fmt.Fprintln(cliOut, d.GenerateID())
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server members [list|new-id]\n")
	os.Exit(1)
	return true
}
