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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, ffmpeg
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkIntervalMS int    `yaml:"chunk_interval_ms"`
}

type TranscriptionConfig struct {
	Mode           string `yaml:"mode"` // mock, stream
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	Encoding       string `yaml:"encoding"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	InterimResults bool   `yaml:"interim_results"`
}

type DraftingConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type FinalizationConfig struct {
	Endpoint  string `yaml:"endpoint"`
	FormatID  string `yaml:"format_id"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type PatientContextConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AuditStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEncounters int    `yaml:"max_encounters"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName    string               `yaml:"runtime_name"`
	Environment    string               `yaml:"environment"`
	HTTP           HTTPConfig           `yaml:"http"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Bus            BusConfig            `yaml:"bus"`
	Capture        CaptureConfig        `yaml:"capture"`
	Transcription  TranscriptionConfig  `yaml:"transcription"`
	Drafting       DraftingConfig       `yaml:"drafting"`
	Finalization   FinalizationConfig   `yaml:"finalization"`
	PatientContext PatientContextConfig `yaml:"patient_context"`
	AuditStore     AuditStoreConfig     `yaml:"audit_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:            "ffmpeg",
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkIntervalMS: 1000,
		},
		Transcription: TranscriptionConfig{
			Mode:           "mock",
			Encoding:       "linear16",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			InterimResults: true,
		},
		Drafting: DraftingConfig{
			Endpoint:  "http://localhost:8090",
			TimeoutMS: 120000,
		},
		Finalization: FinalizationConfig{
			Endpoint:  "http://localhost:8091",
			FormatID:  "standard",
			TimeoutMS: 120000,
		},
		PatientContext: PatientContextConfig{
			Endpoint:  "http://localhost:8092",
			TimeoutMS: 10000,
		},
		AuditStore: AuditStoreConfig{
			Path:          "./data/scribe-audit.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEncounters: 10000,
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
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.RecorderCommand, "SCRIBE_CAPTURE_RECORDER_COMMAND")
	overrideString(&cfg.Capture.InputFormat, "SCRIBE_CAPTURE_INPUT_FORMAT")
	overrideString(&cfg.Capture.InputDevice, "SCRIBE_CAPTURE_INPUT_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkIntervalMS, "SCRIBE_CAPTURE_CHUNK_INTERVAL_MS")
	overrideString(&cfg.Transcription.Mode, "SCRIBE_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Endpoint, "SCRIBE_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.APIKey, "SCRIBE_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.Model, "SCRIBE_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.Language, "SCRIBE_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.Encoding, "SCRIBE_TRANSCRIPTION_ENCODING")
	overrideInt(&cfg.Transcription.SampleRate, "SCRIBE_TRANSCRIPTION_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.Channels, "SCRIBE_TRANSCRIPTION_CHANNELS")
	overrideBool(&cfg.Transcription.InterimResults, "SCRIBE_TRANSCRIPTION_INTERIM_RESULTS")
	overrideString(&cfg.Drafting.Endpoint, "SCRIBE_DRAFTING_ENDPOINT")
	overrideInt(&cfg.Drafting.TimeoutMS, "SCRIBE_DRAFTING_TIMEOUT_MS")
	overrideString(&cfg.Finalization.Endpoint, "SCRIBE_FINALIZATION_ENDPOINT")
	overrideString(&cfg.Finalization.FormatID, "SCRIBE_FINALIZATION_FORMAT_ID")
	overrideInt(&cfg.Finalization.TimeoutMS, "SCRIBE_FINALIZATION_TIMEOUT_MS")
	overrideString(&cfg.PatientContext.Endpoint, "SCRIBE_PATIENT_CONTEXT_ENDPOINT")
	overrideInt(&cfg.PatientContext.TimeoutMS, "SCRIBE_PATIENT_CONTEXT_TIMEOUT_MS")
	overrideString(&cfg.AuditStore.Path, "SCRIBE_AUDIT_STORE_PATH")
	overrideString(&cfg.AuditStore.RetentionMode, "SCRIBE_AUDIT_STORE_RETENTION_MODE")
	overrideInt(&cfg.AuditStore.RetentionDays, "SCRIBE_AUDIT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.AuditStore.MaxEncounters, "SCRIBE_AUDIT_STORE_MAX_ENCOUNTERS")
	overrideBool(&cfg.AuditStore.VacuumOnStart, "SCRIBE_AUDIT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Mode {
	case "mock", "ffmpeg":
	default:
		return errors.New("capture.mode must be one of mock|ffmpeg")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkIntervalMS <= 0 {
		return errors.New("capture.chunk_interval_ms must be positive")
	}
	switch cfg.Transcription.Mode {
	case "mock", "stream":
	default:
		return errors.New("transcription.mode must be one of mock|stream")
	}
	if cfg.Transcription.Mode == "stream" && cfg.Transcription.Endpoint == "" {
		return errors.New("transcription.endpoint must be set when mode=stream")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.Channels <= 0 {
		return errors.New("transcription.channels must be positive")
	}
	if cfg.Drafting.Endpoint == "" {
		return errors.New("drafting.endpoint must not be empty")
	}
	if cfg.Finalization.Endpoint == "" {
		return errors.New("finalization.endpoint must not be empty")
	}
	if cfg.Finalization.FormatID == "" {
		return errors.New("finalization.format_id must not be empty")
	}
	if cfg.PatientContext.Endpoint == "" {
		return errors.New("patient_context.endpoint must not be empty")
	}
	if cfg.AuditStore.Path == "" {
		return errors.New("audit_store.path must not be empty")
	}
	switch cfg.AuditStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("audit_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.AuditStore.RetentionDays < 0 {
		return errors.New("audit_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
