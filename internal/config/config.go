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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`

	// TraceSampleRatio samples recognition cycles, which run at frame rate.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Model       ModelConfig       `yaml:"model"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Speech      SpeechConfig      `yaml:"speech"`
	Display     DisplayConfig     `yaml:"display"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this kiosk to peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelConfig selects the classification backend.
type ModelConfig struct {
	Mode         string `yaml:"mode"` // mock, onnx, exec
	Path         string `yaml:"path"`
	LabelsPath   string `yaml:"labels_path"`
	Command      string `yaml:"command"`
	InputSize    int    `yaml:"input_size"`
	InputName    string `yaml:"input_name"`
	OutputName   string `yaml:"output_name"`
	SharedLib    string `yaml:"shared_library"`
	Threads      int    `yaml:"threads"`
	LoadOnStart  bool   `yaml:"load_on_start"`
	MockSequence string `yaml:"mock_sequence"`
}

type CaptureConfig struct {
	Mode    string `yaml:"mode"` // mock, exec, still
	Command string `yaml:"command"`
	Path    string `yaml:"path"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

type RecognitionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	RefreshIntervalMS   int     `yaml:"refresh_interval_ms"`
}

type SpeechConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	Voice         string `yaml:"voice"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	Sink          string `yaml:"sink"` // bus, player, discard
	PlayerCommand string `yaml:"player_command"`
}

type DisplayConfig struct {
	Publish bool   `yaml:"publish"`
	Target  string `yaml:"target"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sign",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 0.05,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-sign-1",
			Role:              "sign-kiosk",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-sign.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Model: ModelConfig{
			Mode:       "mock",
			Path:       "./model/model.onnx",
			LabelsPath: "./model/metadata.json",
			InputSize:  224,
			InputName:  "input",
			OutputName: "output",
		},
		Capture: CaptureConfig{
			Mode:   "mock",
			Width:  1280,
			Height: 720,
		},
		Recognition: RecognitionConfig{
			ConfidenceThreshold: 0.8,
			RefreshIntervalMS:   16,
		},
		Speech: SpeechConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			Sink:       "bus",
		},
		Display: DisplayConfig{
			Publish: true,
			Target:  "default",
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
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Path, "LOQA_MODEL_PATH")
	overrideString(&cfg.Model.LabelsPath, "LOQA_MODEL_LABELS_PATH")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideInt(&cfg.Model.InputSize, "LOQA_MODEL_INPUT_SIZE")
	overrideString(&cfg.Model.InputName, "LOQA_MODEL_INPUT_NAME")
	overrideString(&cfg.Model.OutputName, "LOQA_MODEL_OUTPUT_NAME")
	overrideString(&cfg.Model.SharedLib, "LOQA_MODEL_SHARED_LIBRARY")
	overrideInt(&cfg.Model.Threads, "LOQA_MODEL_THREADS")
	overrideBool(&cfg.Model.LoadOnStart, "LOQA_MODEL_LOAD_ON_START")
	overrideString(&cfg.Model.MockSequence, "LOQA_MODEL_MOCK_SEQUENCE")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Path, "LOQA_CAPTURE_PATH")
	overrideInt(&cfg.Capture.Width, "LOQA_CAPTURE_WIDTH")
	overrideInt(&cfg.Capture.Height, "LOQA_CAPTURE_HEIGHT")
	overrideFloat(&cfg.Recognition.ConfidenceThreshold, "LOQA_RECOGNITION_CONFIDENCE_THRESHOLD")
	overrideInt(&cfg.Recognition.RefreshIntervalMS, "LOQA_RECOGNITION_REFRESH_INTERVAL_MS")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "LOQA_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "LOQA_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Voice, "LOQA_SPEECH_VOICE")
	overrideInt(&cfg.Speech.SampleRate, "LOQA_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "LOQA_SPEECH_CHANNELS")
	overrideString(&cfg.Speech.Sink, "LOQA_SPEECH_SINK")
	overrideString(&cfg.Speech.PlayerCommand, "LOQA_SPEECH_PLAYER_COMMAND")
	overrideBool(&cfg.Display.Publish, "LOQA_DISPLAY_PUBLISH")
	overrideString(&cfg.Display.Target, "LOQA_DISPLAY_TARGET")
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
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be -1 (random) or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Model.Mode {
	case "mock":
	case "onnx":
		if cfg.Model.Path == "" {
			return errors.New("model.path must be set when mode=onnx")
		}
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	default:
		return errors.New("model.mode must be one of mock|onnx|exec")
	}
	if cfg.Model.InputSize <= 0 {
		return errors.New("model.input_size must be positive")
	}
	switch cfg.Capture.Mode {
	case "mock":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "still":
		if cfg.Capture.Path == "" {
			return errors.New("capture.path must be set when mode=still")
		}
	default:
		return errors.New("capture.mode must be one of mock|exec|still")
	}
	if cfg.Capture.Width <= 0 || cfg.Capture.Height <= 0 {
		return errors.New("capture.width and capture.height must be positive")
	}
	if cfg.Recognition.ConfidenceThreshold < 0 || cfg.Recognition.ConfidenceThreshold >= 1 {
		return errors.New("recognition.confidence_threshold must be in [0,1)")
	}
	if cfg.Recognition.RefreshIntervalMS <= 0 {
		return errors.New("recognition.refresh_interval_ms must be positive")
	}
	switch cfg.Speech.Mode {
	case "mock":
	case "exec":
		if cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
	default:
		return errors.New("speech.mode must be one of mock|exec")
	}
	if cfg.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	switch cfg.Speech.Sink {
	case "discard":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("speech.sink=bus requires bus.enabled")
		}
	case "player":
		if cfg.Speech.PlayerCommand == "" {
			return errors.New("speech.player_command must be set when sink=player")
		}
	default:
		return errors.New("speech.sink must be one of bus|player|discard")
	}
	return nil
}
