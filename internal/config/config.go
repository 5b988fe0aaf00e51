package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	TraceExporter    string  `yaml:"trace_exporter"` // otlp, stdout, none
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Node        NodeConfig        `yaml:"node"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Objective   ObjectiveConfig   `yaml:"objective"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Ranking     RankingConfig     `yaml:"ranking"`
	Speech      SpeechConfig      `yaml:"speech"`
	Router      RouterConfig      `yaml:"router"`
}

// NodeConfig identifies this process to other capture nodes. Advertised
// capabilities are derived from the loaded primitives and providers.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxStoreMB     int      `yaml:"max_store_mb"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Driver           string `yaml:"driver"` // sqlite, postgres
	Path             string `yaml:"path"`
	DSN              string `yaml:"dsn"`
	RetentionMode    string `yaml:"retention_mode"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxConversations int    `yaml:"max_conversations"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

// CacheConfig controls the derived objective state cache. The cache is
// never authoritative; the event store is.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type ObjectiveConfig struct {
	MaxRetries          int     `yaml:"max_retries"`
	AutoAcceptThreshold float64 `yaml:"auto_accept_threshold"`
	AmbiguousFloor      float64 `yaml:"ambiguous_floor"`
	DefaultLocale       string  `yaml:"default_locale"`
	PrimitiveConstraint string  `yaml:"primitive_constraint"`
}

type RecognitionConfig struct {
	TimeoutMS           int                  `yaml:"timeout_ms"`
	MaxConcurrency      int                  `yaml:"max_concurrency"`
	FullAgreementFloor  float64              `yaml:"full_agreement_floor"`
	PartialAgreementCap float64              `yaml:"partial_agreement_cap"`
	Providers           []RecognizerProvider `yaml:"providers"`
}

type RecognizerProvider struct {
	Name       string  `yaml:"name"`
	Mode       string  `yaml:"mode"` // mock, echo, exec
	Command    string  `yaml:"command"`
	ModelPath  string  `yaml:"model_path"`
	Language   string  `yaml:"language"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	Confidence float64 `yaml:"confidence"`
}

type RankingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Mode               string  `yaml:"mode"` // mock, ollama, exec
	Endpoint           string  `yaml:"endpoint"`
	Command            string  `yaml:"command"`
	Model              string  `yaml:"model"`
	TimeoutMS          int     `yaml:"timeout_ms"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	Burst              int     `yaml:"burst"`
	DisagreementMargin float64 `yaml:"disagreement_margin"`
}

type SpeechConfig struct {
	BudgetMS         int               `yaml:"budget_ms"`
	AttemptTimeoutMS int               `yaml:"attempt_timeout_ms"`
	FailureThreshold int               `yaml:"failure_threshold"`
	CooldownMS       int               `yaml:"cooldown_ms"`
	Providers        []SpeakerProvider `yaml:"providers"`
}

type SpeakerProvider struct {
	Name        string  `yaml:"name"`
	Mode        string  `yaml:"mode"` // mock, exec
	Command     string  `yaml:"command"`
	Voice       string  `yaml:"voice"`
	SampleRate  int     `yaml:"sample_rate"`
	Channels    int     `yaml:"channels"`
	CostPerChar float64 `yaml:"cost_per_char"`
}

type RouterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	EventsStream  string `yaml:"events_stream"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-capture",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceExporter:    "stdout",
			TraceSampleRatio: 1,
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
		},
		Node: NodeConfig{
			ID:                "capture-node-1",
			Role:              "capture",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxStoreMB:     1024,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Driver:           "sqlite",
			Path:             "./data/capture-events.db",
			RetentionMode:    "session",
			RetentionDays:    30,
			MaxConversations: 10000,
		},
		Cache: CacheConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			TTLSeconds: 3600,
		},
		Objective: ObjectiveConfig{
			MaxRetries:          3,
			AutoAcceptThreshold: 0.7,
			AmbiguousFloor:      0.4,
			DefaultLocale:       "en-US",
			PrimitiveConstraint: "^1",
		},
		Recognition: RecognitionConfig{
			TimeoutMS:           1500,
			MaxConcurrency:      64,
			FullAgreementFloor:  0.75,
			PartialAgreementCap: 0.65,
			Providers: []RecognizerProvider{
				{Name: "echo", Mode: "echo", Confidence: 0.9},
			},
		},
		Ranking: RankingConfig{
			Enabled:            false,
			Mode:               "mock",
			Endpoint:           "http://localhost:11434",
			Model:              "llama3.2:latest",
			TimeoutMS:          600,
			RatePerSecond:      20,
			Burst:              5,
			DisagreementMargin: 0.15,
		},
		Speech: SpeechConfig{
			BudgetMS:         1500,
			AttemptTimeoutMS: 800,
			FailureThreshold: 3,
			CooldownMS:       10000,
			Providers: []SpeakerProvider{
				{Name: "primary", Mode: "mock", SampleRate: 22050, Channels: 1},
				{Name: "secondary", Mode: "mock", SampleRate: 22050, Channels: 1},
			},
		},
		Router: RouterConfig{
			Enabled:       true,
			SubjectPrefix: "capture",
			EventsStream:  "CAPTURE_EVENTS",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.MaxStoreMB, "LOQA_BUS_MAX_STORE_MB")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Driver, "LOQA_EVENT_STORE_DRIVER")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.DSN, "LOQA_EVENT_STORE_DSN")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxConversations, "LOQA_EVENT_STORE_MAX_CONVERSATIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Cache.Enabled, "LOQA_CACHE_ENABLED")
	overrideString(&cfg.Cache.Addr, "LOQA_CACHE_ADDR")
	overrideString(&cfg.Cache.Password, "LOQA_CACHE_PASSWORD")
	overrideInt(&cfg.Cache.DB, "LOQA_CACHE_DB")
	overrideInt(&cfg.Cache.TTLSeconds, "LOQA_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Objective.MaxRetries, "LOQA_OBJECTIVE_MAX_RETRIES")
	overrideFloat(&cfg.Objective.AutoAcceptThreshold, "LOQA_OBJECTIVE_AUTO_ACCEPT_THRESHOLD")
	overrideFloat(&cfg.Objective.AmbiguousFloor, "LOQA_OBJECTIVE_AMBIGUOUS_FLOOR")
	overrideString(&cfg.Objective.DefaultLocale, "LOQA_OBJECTIVE_DEFAULT_LOCALE")
	overrideString(&cfg.Objective.PrimitiveConstraint, "LOQA_OBJECTIVE_PRIMITIVE_CONSTRAINT")
	overrideInt(&cfg.Recognition.TimeoutMS, "LOQA_RECOGNITION_TIMEOUT_MS")
	overrideInt(&cfg.Recognition.MaxConcurrency, "LOQA_RECOGNITION_MAX_CONCURRENCY")
	overrideFloat(&cfg.Recognition.FullAgreementFloor, "LOQA_RECOGNITION_FULL_AGREEMENT_FLOOR")
	overrideFloat(&cfg.Recognition.PartialAgreementCap, "LOQA_RECOGNITION_PARTIAL_AGREEMENT_CAP")
	overrideBool(&cfg.Ranking.Enabled, "LOQA_RANKING_ENABLED")
	overrideString(&cfg.Ranking.Mode, "LOQA_RANKING_MODE")
	overrideString(&cfg.Ranking.Endpoint, "LOQA_RANKING_ENDPOINT")
	overrideString(&cfg.Ranking.Command, "LOQA_RANKING_COMMAND")
	overrideString(&cfg.Ranking.Model, "LOQA_RANKING_MODEL")
	overrideInt(&cfg.Ranking.TimeoutMS, "LOQA_RANKING_TIMEOUT_MS")
	overrideFloat(&cfg.Ranking.RatePerSecond, "LOQA_RANKING_RATE_PER_SECOND")
	overrideInt(&cfg.Ranking.Burst, "LOQA_RANKING_BURST")
	overrideFloat(&cfg.Ranking.DisagreementMargin, "LOQA_RANKING_DISAGREEMENT_MARGIN")
	overrideInt(&cfg.Speech.BudgetMS, "LOQA_SPEECH_BUDGET_MS")
	overrideInt(&cfg.Speech.AttemptTimeoutMS, "LOQA_SPEECH_ATTEMPT_TIMEOUT_MS")
	overrideInt(&cfg.Speech.FailureThreshold, "LOQA_SPEECH_FAILURE_THRESHOLD")
	overrideInt(&cfg.Speech.CooldownMS, "LOQA_SPEECH_COOLDOWN_MS")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideString(&cfg.Router.SubjectPrefix, "LOQA_ROUTER_SUBJECT_PREFIX")
	overrideString(&cfg.Router.EventsStream, "LOQA_ROUTER_EVENTS_STREAM")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxStoreMB < 0 {
			return errors.New("bus.max_store_mb must not be negative")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		switch cfg.EventStore.Driver {
		case "sqlite":
			if cfg.EventStore.Path == "" {
				return errors.New("event_store.path must not be empty for driver=sqlite")
			}
		case "postgres":
			if cfg.EventStore.DSN == "" {
				return errors.New("event_store.dsn must be set for driver=postgres")
			}
		default:
			return errors.New("event_store.driver must be one of sqlite|postgres")
		}
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "stdout", "none":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set for the otlp trace exporter")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return errors.New("cache.addr must be set when cache is enabled")
	}
	if err := validateObjective(cfg.Objective); err != nil {
		return err
	}
	if err := validateRecognition(cfg.Recognition, cfg.Objective); err != nil {
		return err
	}
	if cfg.Ranking.Enabled {
		switch cfg.Ranking.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("ranking.mode must be one of mock|ollama|exec")
		}
		if cfg.Ranking.Mode == "ollama" && cfg.Ranking.Endpoint == "" {
			return errors.New("ranking.endpoint must be set when mode=ollama")
		}
		if cfg.Ranking.Mode == "exec" && cfg.Ranking.Command == "" {
			return errors.New("ranking.command must be set when mode=exec")
		}
		if cfg.Ranking.TimeoutMS <= 0 {
			return errors.New("ranking.timeout_ms must be positive")
		}
		if cfg.Ranking.RatePerSecond <= 0 {
			return errors.New("ranking.rate_per_second must be positive")
		}
	}
	if err := validateSpeech(cfg.Speech); err != nil {
		return err
	}
	if cfg.Router.Enabled && cfg.Router.SubjectPrefix == "" {
		return errors.New("router.subject_prefix must not be empty when router is enabled")
	}
	return nil
}

func validateObjective(cfg ObjectiveConfig) error {
	if cfg.MaxRetries <= 0 {
		return errors.New("objective.max_retries must be >= 1")
	}
	if cfg.AutoAcceptThreshold <= 0 || cfg.AutoAcceptThreshold > 1 {
		return errors.New("objective.auto_accept_threshold must be in (0, 1]")
	}
	if cfg.AmbiguousFloor < 0 || cfg.AmbiguousFloor >= cfg.AutoAcceptThreshold {
		return errors.New("objective.ambiguous_floor must be in [0, auto_accept_threshold)")
	}
	if cfg.DefaultLocale == "" {
		return errors.New("objective.default_locale must not be empty")
	}
	return nil
}

func validateRecognition(cfg RecognitionConfig, obj ObjectiveConfig) error {
	if cfg.TimeoutMS <= 0 {
		return errors.New("recognition.timeout_ms must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		return errors.New("recognition.max_concurrency must be >= 1")
	}
	if cfg.PartialAgreementCap >= obj.AutoAcceptThreshold {
		return errors.New("recognition.partial_agreement_cap must be below objective.auto_accept_threshold")
	}
	if cfg.FullAgreementFloor < 0 || cfg.FullAgreementFloor > 1 {
		return errors.New("recognition.full_agreement_floor must be in [0, 1]")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("recognition.providers must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return errors.New("recognition.providers[].name must not be empty")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("recognition provider %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Mode {
		case "mock", "echo":
		case "exec":
			if p.Command == "" {
				return fmt.Errorf("recognition provider %q: command must be set when mode=exec", p.Name)
			}
		default:
			return fmt.Errorf("recognition provider %q: mode must be one of mock|echo|exec", p.Name)
		}
	}
	return nil
}

func validateSpeech(cfg SpeechConfig) error {
	if cfg.BudgetMS <= 0 {
		return errors.New("speech.budget_ms must be positive")
	}
	if cfg.AttemptTimeoutMS <= 0 {
		return errors.New("speech.attempt_timeout_ms must be positive")
	}
	if cfg.FailureThreshold <= 0 {
		return errors.New("speech.failure_threshold must be >= 1")
	}
	if cfg.CooldownMS <= 0 {
		return errors.New("speech.cooldown_ms must be positive")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("speech.providers must not be empty")
	}
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return errors.New("speech.providers[].name must not be empty")
		}
		switch p.Mode {
		case "mock":
		case "exec":
			if p.Command == "" {
				return fmt.Errorf("speech provider %q: command must be set when mode=exec", p.Name)
			}
		default:
			return fmt.Errorf("speech provider %q: mode must be one of mock|exec", p.Name)
		}
		if p.SampleRate <= 0 || p.Channels <= 0 {
			return fmt.Errorf("speech provider %q: sample_rate and channels must be positive", p.Name)
		}
		if p.CostPerChar < 0 {
			return fmt.Errorf("speech provider %q: cost_per_char must be >= 0", p.Name)
		}
	}
	return nil
}
