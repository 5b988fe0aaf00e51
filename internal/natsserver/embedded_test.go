package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartEmbeddedWithJetStream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), MaxStoreMB: 64}, logger)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()
	if !srv.Healthy() {
		t.Fatal("expected healthy server")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if _, err := nc.JetStream(); err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if got := srv.ns.JetStreamConfig().MaxStore; got != 64<<20 {
		t.Fatalf("expected 64MiB store limit, got %d", got)
	}
}

func TestExternalBusSkipsEmbedded(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server for external bus")
	}
	if !srv.Healthy() {
		t.Fatal("external bus should not fail readiness here")
	}
	srv.Shutdown()
}
