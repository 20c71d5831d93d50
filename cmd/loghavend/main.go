// Command loghavend runs the log haven server: handshake, token,
// logging and optional admin listeners over one shared client registry.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/dispatch"
	"github.com/loghaven/loghaven/internal/handler"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
	"github.com/loghaven/loghaven/internal/queue"
	"github.com/loghaven/loghaven/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/loghaven/server.yaml", "Server configuration file (YAML)")
	logDir := flag.String("log-dir", "", "Log output directory (overrides log_directory from the config)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("log haven starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dir := cfg.LogDirectory()
	if *logDir != "" {
		dir = *logDir
	}
	if dir == "" {
		dir = "/var/log/loghaven"
	}
	sink, err := dispatch.NewFileSink(dir)
	if err != nil {
		log.Fatalf("Failed to open log directory: %v", err)
	}
	defer sink.Close()

	registry := lease.NewRegistry(cfg.Reload)
	sweeper := lease.NewSweeper(registry, time.Duration(cfg.SweepInterval())*time.Second)
	decryptor := protocol.NewDecryptor(registry, cfg)

	engine := queue.NewEngine(registry, cfg, sweeper, decryptor, sink)
	engine.AddMissingProcessors()
	engine.Start()
	defer engine.Stop()

	sweeper.Start()
	defer sweeper.Stop()

	servers := []*server.Server{
		startServer("handshake", cfg.HandshakePort(), registry,
			handler.NewConnectionHandler(cfg, registry, decryptor)),
		startServer("token", cfg.TokenPort(), registry,
			handler.NewTokenHandler(cfg, registry, decryptor)),
		startServer("logging", cfg.LoggingPort(), registry,
			handler.NewLogHandler(registry, decryptor, engine)),
	}
	if cfg.AdminPort() != 0 {
		servers = append(servers, startServer("admin", cfg.AdminPort(), registry,
			handler.NewAdminHandler(cfg, registry, engine, sweeper, decryptor)))
	}

	log.Println("log haven running")
	log.Println("  handshake:", cfg.HandshakePort())
	log.Println("  token:", cfg.TokenPort())
	log.Println("  logging:", cfg.LoggingPort())
	if cfg.AdminPort() != 0 {
		log.Println("  admin:", cfg.AdminPort())
	}
	log.Println("  logs:", dir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	for _, srv := range servers {
		srv.Close()
	}
	log.Println("Shutdown complete")
}

func startServer(name string, port int, registry *lease.Registry, h server.Handler) *server.Server {
	srv, err := server.NewServer(server.Config{
		Name:     name,
		Addr:     fmt.Sprintf(":%d", port),
		Handler:  h,
		Registry: registry,
	})
	if err != nil {
		log.Fatalf("Failed to initialize %s server: %v", name, err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start %s server: %v", name, err)
	}
	return srv
}
