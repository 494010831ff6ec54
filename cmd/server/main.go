package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/roomchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.roomchat/server.toml", "Path to the TOML config file (created with defaults if missing)")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	server.InitLogging(*debug)

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()
	if *port != 0 {
		config.Port = *port
	}

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.RunConsole(os.Stdin, os.Stdout)

	log.Printf("roomchat server listening on port %d", config.Port)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Server stopped")
}
