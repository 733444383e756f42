package natsserver

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps a NATS server instance for zero-dependency deployment.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when the configuration asks for an external server.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	opts := &server.Options{
		Host:      "0.0.0.0",
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
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

	e := &EmbeddedServer{ns: ns, log: log}
	log.Info("embedded NATS server started",
		slog.Int("port", e.Port()),
		slog.String("store_dir", cfg.StoreDir))
	return e, nil
}

// Port is the bound client port; useful when configured with -1 (random).
func (e *EmbeddedServer) Port() int {
	if addr, ok := e.ns.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ClientURL is a loopback URL for in-process clients.
func (e *EmbeddedServer) ClientURL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.Port())
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
