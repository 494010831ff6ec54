package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	serverAddr := flag.String("server", "", "Server address: host[:port], tcp://, ws:// or wss:// (default: last server, else localhost:12345)")
	name := flag.String("name", "", "Display name (default: last used name)")
	statePath := flag.String("state", "", "Path to the client state database (default: ~/.roomchat/client.db)")
	debug := flag.Bool("debug", false, "Write a debug log next to the state database")
	flag.Parse()

	if *statePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		*statePath = filepath.Join(homeDir, ".roomchat", "client.db")
	}

	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	// The TUI owns the terminal, so logs go to a file or nowhere
	logger := log.New(io.Discard, "", 0)
	if *debug {
		logPath := filepath.Join(state.GetStateDir(), "debug.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer logFile.Close()
		logger = log.New(logFile, "", log.LstdFlags|log.Lmicroseconds)
	}

	addr := *serverAddr
	if addr == "" {
		addr = state.GetLastServer()
	}
	if addr == "" {
		addr = "localhost:12345"
	}

	nickname := *name
	if nickname == "" {
		nickname = state.GetLastNickname()
	}
	if nickname == "" {
		fmt.Fprintln(os.Stderr, "No display name yet: pass one with -name")
		os.Exit(2)
	}

	resolved := client.ResolveConnectionMethod(state, addr)
	logger.Printf("Connecting to %s (resolved from %s) as %s", resolved, addr, nickname)

	conn, err := client.NewConnection(resolved)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	conn.SetLogger(logger)
	defer conn.Close()

	if err := conn.Connect(nickname); err != nil {
		log.Fatalf("Failed to connect to %s: %v", conn.GetAddress(), err)
	}

	if err := state.SaveSuccessfulConnection(conn.GetRawAddress(), conn.GetConnectionType()); err != nil {
		logger.Printf("Failed to record connection method: %v", err)
	}
	if err := state.SetLastServer(addr); err != nil {
		logger.Printf("Failed to save last server: %v", err)
	}
	if err := state.SetLastNickname(nickname); err != nil {
		logger.Printf("Failed to save nickname: %v", err)
	}

	p := tea.NewProgram(ui.NewModel(conn, state, logger), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Client error: %v", err)
	}
}
