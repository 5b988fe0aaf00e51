package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const defaultStoreDir = "./data/nats"

// EmbeddedServer runs NATS with JetStream inside the capture process, so a
// single node needs no external bus.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when the bus is external. A port of -1 picks a free one.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = defaultStoreDir
	}

	opts := &server.Options{
		ServerName: "loqa-capture",
		Host:       "0.0.0.0",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	}
	if cfg.MaxStoreMB > 0 {
		opts.JetStreamMaxStore = int64(cfg.MaxStoreMB) << 20
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}
	if !ns.JetStreamEnabled() {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server started without JetStream")
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir),
		slog.Int("max_store_mb", cfg.MaxStoreMB))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the URL clients of this process should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Healthy reports whether the server still accepts clients and can persist
// the event stream. A nil server is an external bus and always healthy here.
func (e *EmbeddedServer) Healthy() bool {
	if e == nil || e.ns == nil {
		return true
	}
	return e.ns.Running() && e.ns.JetStreamEnabled()
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
