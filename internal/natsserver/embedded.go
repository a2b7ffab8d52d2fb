package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps a NATS server instance for zero-dependency deployment.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when the bus is configured to use external servers.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/nats"
	}
	opts := &server.Options{
		ServerName: "loqa-scribe",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
