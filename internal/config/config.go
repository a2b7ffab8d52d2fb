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
	LogFormat    string `yaml:"log_format"` // json, text
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Session     SessionConfig    `yaml:"session"`
	Export      ExportConfig     `yaml:"export"`
	Feedback    FeedbackConfig   `yaml:"feedback"`
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
	PublishInterim bool     `yaml:"publish_interim"`
	// TranscriptStream names the JetStream stream that retains final
	// transcripts. Empty disables it.
	TranscriptStream string `yaml:"transcript_stream"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
}

type RecognizerConfig struct {
	Mode           string         `yaml:"mode"` // mock, exec, deepgram
	Language       string         `yaml:"language"`
	Continuous     bool           `yaml:"continuous"`
	InterimResults bool           `yaml:"interim_results"`
	Command        string         `yaml:"command"`
	ModelPath      string         `yaml:"model_path"`
	SegmentMS      int            `yaml:"segment_ms"`
	Deepgram       DeepgramConfig `yaml:"deepgram"`
	Mock           MockConfig     `yaml:"mock"`
}

type DeepgramConfig struct {
	APIKey      string `yaml:"api_key"`
	APIBaseURL  string `yaml:"api_base_url"`
	Model       string `yaml:"model"`
	SmartFormat bool   `yaml:"smart_format"`
}

type MockConfig struct {
	Phrases           []string `yaml:"phrases"`
	WordIntervalMS    int      `yaml:"word_interval_ms"`
	PhrasesPerSegment int      `yaml:"phrases_per_segment"`
}

type SessionConfig struct {
	RestartMode         string `yaml:"restart_mode"` // continuous, burst
	RestartDelayMS      int    `yaml:"restart_delay_ms"`
	BurstRestartDelayMS int    `yaml:"burst_restart_delay_ms"`
	CopyRestartDelayMS  int    `yaml:"copy_restart_delay_ms"`
	CooldownMS          int    `yaml:"cooldown_ms"`
	StatusRevertMS      int    `yaml:"status_revert_ms"`
	StopTimeoutMS       int    `yaml:"stop_timeout_ms"`
}

type ExportConfig struct {
	Directory string `yaml:"directory"`
	Filename  string `yaml:"filename"`
}

type FeedbackConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate int     `yaml:"sample_rate"`
	Gain       float64 `yaml:"gain"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			TranscriptStream: "SCRIBE_TRANSCRIPTS",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 512,
		},
		Recognizer: RecognizerConfig{
			Mode:           "mock",
			Language:       "ru-RU",
			Continuous:     true,
			InterimResults: true,
			SegmentMS:      5000,
			Deepgram: DeepgramConfig{
				APIBaseURL: "https://api.deepgram.com/v1",
				Model:      "nova-2",
			},
			Mock: MockConfig{
				Phrases:           []string{"hello world.", "this is a dictation test."},
				WordIntervalMS:    300,
				PhrasesPerSegment: 1,
			},
		},
		Session: SessionConfig{
			RestartMode:         "continuous",
			RestartDelayMS:      500,
			BurstRestartDelayMS: 1000,
			CopyRestartDelayMS:  300,
			CooldownMS:          500,
			StatusRevertMS:      2000,
			StopTimeoutMS:       3000,
		},
		Export: ExportConfig{
			Directory: "./data/transcripts",
			Filename:  "transcript.txt",
		},
		Feedback: FeedbackConfig{
			Enabled:    true,
			SampleRate: 44100,
			Gain:       0.3,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "SCRIBE_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishInterim, "SCRIBE_BUS_PUBLISH_INTERIM")
	overrideString(&cfg.Bus.TranscriptStream, "SCRIBE_BUS_TRANSCRIPT_STREAM")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "SCRIBE_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "SCRIBE_CAPTURE_FRAMES_PER_BUFFER")
	overrideString(&cfg.Recognizer.Mode, "SCRIBE_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Language, "SCRIBE_RECOGNIZER_LANGUAGE")
	overrideBool(&cfg.Recognizer.InterimResults, "SCRIBE_RECOGNIZER_INTERIM_RESULTS")
	overrideString(&cfg.Recognizer.Command, "SCRIBE_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "SCRIBE_RECOGNIZER_MODEL_PATH")
	overrideInt(&cfg.Recognizer.SegmentMS, "SCRIBE_RECOGNIZER_SEGMENT_MS")
	overrideString(&cfg.Recognizer.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Recognizer.Deepgram.APIKey, "SCRIBE_DEEPGRAM_API_KEY")
	overrideString(&cfg.Recognizer.Deepgram.APIBaseURL, "SCRIBE_DEEPGRAM_API_BASE_URL")
	overrideString(&cfg.Recognizer.Deepgram.Model, "SCRIBE_DEEPGRAM_MODEL")
	overrideBool(&cfg.Recognizer.Deepgram.SmartFormat, "SCRIBE_DEEPGRAM_SMART_FORMAT")
	overrideString(&cfg.Session.RestartMode, "SCRIBE_SESSION_RESTART_MODE")
	overrideInt(&cfg.Session.RestartDelayMS, "SCRIBE_SESSION_RESTART_DELAY_MS")
	overrideInt(&cfg.Session.BurstRestartDelayMS, "SCRIBE_SESSION_BURST_RESTART_DELAY_MS")
	overrideInt(&cfg.Session.CopyRestartDelayMS, "SCRIBE_SESSION_COPY_RESTART_DELAY_MS")
	overrideInt(&cfg.Session.CooldownMS, "SCRIBE_SESSION_COOLDOWN_MS")
	overrideInt(&cfg.Session.StatusRevertMS, "SCRIBE_SESSION_STATUS_REVERT_MS")
	overrideInt(&cfg.Session.StopTimeoutMS, "SCRIBE_SESSION_STOP_TIMEOUT_MS")
	overrideString(&cfg.Export.Directory, "SCRIBE_EXPORT_DIRECTORY")
	overrideString(&cfg.Export.Filename, "SCRIBE_EXPORT_FILENAME")
	overrideBool(&cfg.Feedback.Enabled, "SCRIBE_FEEDBACK_ENABLED")
	overrideInt(&cfg.Feedback.SampleRate, "SCRIBE_FEEDBACK_SAMPLE_RATE")
	overrideFloat(&cfg.Feedback.Gain, "SCRIBE_FEEDBACK_GAIN")
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
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FramesPerBuffer <= 0 {
		return errors.New("capture.frames_per_buffer must be positive")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec", "deepgram":
	default:
		return errors.New("recognizer.mode must be one of mock|exec|deepgram")
	}
	if cfg.Recognizer.Language == "" {
		return errors.New("recognizer.language must not be empty")
	}
	if cfg.Recognizer.Mode == "exec" {
		if cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
		if cfg.Recognizer.SegmentMS <= 0 {
			return errors.New("recognizer.segment_ms must be positive when mode=exec")
		}
	}
	if cfg.Recognizer.Mode == "deepgram" && strings.TrimSpace(cfg.Recognizer.Deepgram.APIKey) == "" {
		return errors.New("recognizer.deepgram.api_key must be set when mode=deepgram")
	}
	switch cfg.Session.RestartMode {
	case "continuous", "burst":
	default:
		return errors.New("session.restart_mode must be one of continuous|burst")
	}
	if cfg.Session.RestartDelayMS <= 0 || cfg.Session.BurstRestartDelayMS <= 0 || cfg.Session.CopyRestartDelayMS <= 0 {
		return errors.New("session restart delays must be positive")
	}
	if cfg.Session.CooldownMS < 0 {
		return errors.New("session.cooldown_ms must be >= 0")
	}
	if cfg.Session.StatusRevertMS <= 0 {
		return errors.New("session.status_revert_ms must be positive")
	}
	if cfg.Export.Filename == "" {
		return errors.New("export.filename must not be empty")
	}
	if cfg.Feedback.Enabled && cfg.Feedback.SampleRate <= 0 {
		return errors.New("feedback.sample_rate must be positive")
	}
	return nil
}
