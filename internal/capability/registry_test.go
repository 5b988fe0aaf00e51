package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "capture", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func TestDescribe(t *testing.T) {
	caps := Describe(capture.DefaultRegistry(), config.Default())
	kinds := map[string]int{}
	for _, c := range caps {
		kinds[c.Kind]++
		if c.Kind == KindValueType {
			assert.NotEmpty(t, c.Version, c.Name)
		}
	}
	assert.Equal(t, len(capture.ValueTypes), kinds[KindValueType])
	assert.Equal(t, 1, kinds[KindRecognizer])
	assert.Equal(t, 2, kinds[KindSpeaker])
}

func TestNodesDiscoverEachOther(t *testing.T) {
	client := startBus(t)
	ctx := context.Background()
	caps := Describe(capture.DefaultRegistry(), config.Default())

	a, err := NewRegistry(ctx, nodeConfig("node-a"), "capture", caps, client, quietLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRegistry(ctx, nodeConfig("node-b"), "capture", caps[:1], client, quietLogger())
	require.NoError(t, err)

	assert.True(t, a.Healthy())
	require.Eventually(t, func() bool {
		return len(a.Query(Healthy)) == 2 && len(b.Query(Healthy)) == 2
	}, 3*time.Second, 20*time.Millisecond)

	serving := a.Query(Serving(capture.Phone))
	require.Len(t, serving, 1)
	assert.Equal(t, "node-a", serving[0].ID)

	b.Close()
	require.Eventually(t, func() bool {
		return len(a.Query(Healthy)) == 1
	}, 4*time.Second, 50*time.Millisecond)
	assert.True(t, a.Healthy())
}
