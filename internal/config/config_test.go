package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Objective.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.Objective.MaxRetries)
	}
	if cfg.Recognition.PartialAgreementCap >= cfg.Objective.AutoAcceptThreshold {
		t.Fatalf("default partial cap must sit below auto-accept threshold")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_CONVERSATIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_OBJECTIVE_MAX_RETRIES", "5")
	t.Setenv("LOQA_OBJECTIVE_AUTO_ACCEPT_THRESHOLD", "0.8")
	t.Setenv("LOQA_RECOGNITION_TIMEOUT_MS", "1200")
	t.Setenv("LOQA_SPEECH_FAILURE_THRESHOLD", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxConversations != 123 {
		t.Fatalf("expected event store max conversations override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Objective.MaxRetries != 5 {
		t.Fatalf("expected max retries override, got %d", cfg.Objective.MaxRetries)
	}
	if cfg.Objective.AutoAcceptThreshold != 0.8 {
		t.Fatalf("expected auto accept override, got %v", cfg.Objective.AutoAcceptThreshold)
	}
	if cfg.Recognition.TimeoutMS != 1200 {
		t.Fatalf("expected recognition timeout override")
	}
	if cfg.Speech.FailureThreshold != 2 {
		t.Fatalf("expected speech failure threshold override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	doc := `
recognition:
  timeout_ms: 900
  providers:
    - name: whisper
      mode: exec
      command: "whisper-cli --json"
    - name: echo
      mode: echo
speech:
  providers:
    - name: main
      mode: mock
      sample_rate: 16000
      channels: 1
      cost_per_char: 0.00002
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Recognition.Providers) != 2 || cfg.Recognition.Providers[0].Name != "whisper" {
		t.Fatalf("unexpected providers: %+v", cfg.Recognition.Providers)
	}
	if cfg.Speech.Providers[0].CostPerChar != 0.00002 {
		t.Fatalf("unexpected cost per char: %v", cfg.Speech.Providers[0].CostPerChar)
	}
}

func TestValidateRejectsCapAboveAutoAccept(t *testing.T) {
	t.Setenv("LOQA_RECOGNITION_PARTIAL_AGREEMENT_CAP", "0.7")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when partial cap reaches the auto-accept threshold")
	}
}

func TestValidateRejectsDuplicateRecognizer(t *testing.T) {
	cfg := Default()
	cfg.Recognition.Providers = []RecognizerProvider{
		{Name: "a", Mode: "echo"},
		{Name: "a", Mode: "mock"},
	}
	if err := validate(cfg); err == nil {
		t.Fatal("expected duplicate provider error")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	cfg := Default()
	cfg.Speech.Providers = []SpeakerProvider{{Name: "x", Mode: "exec", SampleRate: 16000, Channels: 1}}
	if err := validate(cfg); err == nil {
		t.Fatal("expected exec command error")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestValidateNodeHeartbeat(t *testing.T) {
	t.Setenv("LOQA_NODE_ID", "capture-edge-2")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "capture-edge-2" {
		t.Fatalf("expected node id override, got %q", cfg.Node.ID)
	}

	cfg.Node.HeartbeatTimeout = cfg.Node.HeartbeatInterval
	if err := validate(cfg); err == nil {
		t.Fatal("expected heartbeat timeout error")
	}
}

func TestTelemetryTraceExporter(t *testing.T) {
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "none")
	t.Setenv("LOQA_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.TraceExporter != "none" || cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}

	cfg.Telemetry.TraceExporter = "otlp"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for otlp exporter without endpoint")
	}
	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Telemetry.TraceSampleRatio = 1.5
	if err := validate(cfg); err == nil {
		t.Fatal("expected sample ratio error")
	}
}
