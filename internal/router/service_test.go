package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/breaker"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/consensus"
	"github.com/loqalabs/loqa-capture/internal/engine"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"github.com/loqalabs/loqa-capture/internal/tts"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := quietLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func startRouter(t *testing.T, client *bus.Client) *Service {
	t.Helper()
	logger := quietLogger()
	cfg := config.RouterConfig{Enabled: true, SubjectPrefix: "capture", EventsStream: "CAPTURE_EVENTS"}
	subjects := protocol.NewSubjects(cfg.SubjectPrefix)
	schema, err := protocol.LoadEventSchema()
	require.NoError(t, err)
	out := NewOutbound(client, subjects, schema, cfg.EventsStream, logger)

	coordinator, err := consensus.New(consensus.Options{
		Recognition: config.RecognitionConfig{
			TimeoutMS:           1000,
			MaxConcurrency:      4,
			FullAgreementFloor:  0.75,
			PartialAgreementCap: 0.65,
		},
		Providers: []consensus.Provider{
			{Name: "echo-a", Recognizer: stt.NewEchoRecognizer(0.95)},
			{Name: "echo-b", Recognizer: stt.NewEchoRecognizer(0.9)},
		},
		Logger: logger,
	})
	require.NoError(t, err)
	dispatcher, err := tts.NewDispatcher(tts.DispatcherOptions{
		Speech: config.SpeechConfig{
			BudgetMS:         2000,
			AttemptTimeoutMS: 1000,
			FailureThreshold: 3,
			CooldownMS:       1000,
		},
		Providers: []tts.Provider{{Name: "mock", Speaker: tts.NewMockSpeaker(16000, 1)}},
		Breakers:  breaker.NewRegistry(3, time.Second),
		Logger:    logger,
	})
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{
		Machine:    objective.NewMachine(capture.DefaultRegistry(), objective.DefaultPolicy()),
		Log:        eventstore.NewMemoryLog(),
		Recognizer: coordinator,
		Speaker:    dispatcher,
		Sink:       out,
		Publisher:  out,
		Logger:     logger,
	})
	require.NoError(t, err)

	svc := NewService(context.Background(), cfg, client, eng, logger)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	return svc
}

func request(t *testing.T, nc *nats.Conn, subject string, body any) protocol.Reply {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	msg, err := nc.Request(subject, data, 5*time.Second)
	require.NoError(t, err)
	var reply protocol.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestRouterRunsObjectiveOverBus(t *testing.T) {
	client := startBus(t)
	svc := startRouter(t, client)
	require.True(t, svc.Healthy())
	nc := client.Conn()
	subjects := svc.Subjects()

	events, err := nc.SubscribeSync(subjects.AllEvents())
	require.NoError(t, err)
	speech, err := nc.SubscribeSync(subjects.Speech("call-42"))
	require.NoError(t, err)

	reply := request(t, nc, subjects.ConversationStart(), protocol.ConversationStart{TraceID: "call-42"})
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "call-42", reply.TraceID)

	reply = request(t, nc, subjects.ObjectiveStart(), protocol.ObjectiveStart{
		TraceID:   "call-42",
		ValueType: "email",
		Purpose:   "send your receipt",
	})
	require.True(t, reply.OK, reply.Error)
	require.NotEmpty(t, reply.ObjectiveID)

	for final := false; !final; {
		msg, err := speech.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var chunk protocol.AudioChunk
		require.NoError(t, json.Unmarshal(msg.Data, &chunk))
		assert.Equal(t, "call-42", chunk.TraceID)
		assert.Equal(t, "mock", chunk.Provider)
		final = chunk.Final
	}

	data, err := json.Marshal(protocol.Utterance{ObjectiveID: reply.ObjectiveID, Text: "jane at gmail dot com"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(subjects.Utterance("call-42"), data))

	var lastSeq int64
	seen := map[string]bool{}
	for !seen[string(objective.EventConfirmationRequested)] {
		msg, err := events.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var env protocol.EventEnvelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		assert.Equal(t, "call-42", env.TraceID)
		assert.Greater(t, env.SequenceNumber, lastSeq)
		lastSeq = env.SequenceNumber
		seen[env.EventType] = true
	}
	assert.True(t, seen[engine.EventConversationStarted])
	assert.True(t, seen[engine.EventTurnRecognized])

	info, err := client.JetStream().StreamInfo("CAPTURE_EVENTS")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.State.Msgs, uint64(lastSeq))

	reply = request(t, nc, subjects.ConversationEnd(), protocol.ConversationEnd{TraceID: "call-42", Reason: "caller_hung_up"})
	assert.True(t, reply.OK, reply.Error)
}

func TestRouterRejectsBadTrace(t *testing.T) {
	client := startBus(t)
	svc := startRouter(t, client)

	reply := request(t, client.Conn(), svc.Subjects().ConversationStart(), protocol.ConversationStart{TraceID: "a.b"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "single subject token")

	reply = request(t, client.Conn(), svc.Subjects().ObjectiveStart(), protocol.ObjectiveStart{TraceID: "missing", ValueType: "email"})
	assert.False(t, reply.OK)
}

func TestValidTrace(t *testing.T) {
	for id, want := range map[string]bool{
		"call-42":  true,
		"":         false,
		"a.b":      false,
		"a*":       false,
		"a>":       false,
		"a b":      false,
		"2f1c9e0a": true,
	} {
		assert.Equal(t, want, validTrace(id), id)
	}
}
