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
	// StdoutTraces pretty-prints spans to stdout when no OTLP endpoint is set.
	StdoutTraces   bool   `yaml:"stdout_traces"`
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
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Translation TranslationConfig `yaml:"translation"`
	TTS         TTSConfig         `yaml:"tts"`
	Voices      VoicesConfig      `yaml:"voices"`
	Bridge      BridgeConfig      `yaml:"bridge"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type InterpreterConfig struct {
	DefaultLanguage     string `yaml:"default_language"`
	DefaultCurrency     string `yaml:"default_currency"`
	InboxSize           int    `yaml:"inbox_size"`
	MaxInflight         int    `yaml:"max_inflight"`
	DeliveryTimeoutMS   int    `yaml:"delivery_timeout_ms"`
	ConnectingTimeoutMS int    `yaml:"connecting_timeout_ms"`
}

type TranslationConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, ollama
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
	CacheSize      int    `yaml:"cache_size"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type VoicesConfig struct {
	Default string       `yaml:"default"`
	Entries []VoiceEntry `yaml:"entries"`
}

type VoiceEntry struct {
	Language string `yaml:"language"`
	Gender   string `yaml:"gender"`
	Voice    string `yaml:"voice"`
}

type BridgeConfig struct {
	Enabled           bool `yaml:"enabled"`
	PresenceTimeoutMS int  `yaml:"presence_timeout_ms"`
	DeliveryRetries   int  `yaml:"delivery_retries"`
	DeliveryBackoffMS int  `yaml:"delivery_backoff_ms"`
	WearableRate      int  `yaml:"wearable_sample_rate"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interpreter",
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
			StdoutTraces:   false,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interpreter-events.db",
			RetentionMode: "ephemeral",
			MaxSessions:   10000,
		},
		Interpreter: InterpreterConfig{
			DefaultLanguage:     "en",
			DefaultCurrency:     "USD",
			InboxSize:           64,
			MaxInflight:         8,
			DeliveryTimeoutMS:   2000,
			ConnectingTimeoutMS: 30000,
		},
		Translation: TranslationConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			Model:          "llama3.2:latest",
			TimeoutMS:      1500,
			RetryBackoffMS: 100,
			CacheSize:      512,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			TimeoutMS:       2000,
		},
		Voices: VoicesConfig{
			Default: "en-US-neutral",
		},
		Bridge: BridgeConfig{
			Enabled:           true,
			PresenceTimeoutMS: 15000,
			DeliveryRetries:   3,
			DeliveryBackoffMS: 200,
			WearableRate:      16000,
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
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
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Interpreter.DefaultLanguage, "LOQA_INTERPRETER_DEFAULT_LANGUAGE")
	overrideString(&cfg.Interpreter.DefaultCurrency, "LOQA_INTERPRETER_DEFAULT_CURRENCY")
	overrideInt(&cfg.Interpreter.InboxSize, "LOQA_INTERPRETER_INBOX_SIZE")
	overrideInt(&cfg.Interpreter.MaxInflight, "LOQA_INTERPRETER_MAX_INFLIGHT")
	overrideInt(&cfg.Interpreter.DeliveryTimeoutMS, "LOQA_INTERPRETER_DELIVERY_TIMEOUT_MS")
	overrideInt(&cfg.Interpreter.ConnectingTimeoutMS, "LOQA_INTERPRETER_CONNECTING_TIMEOUT_MS")
	overrideString(&cfg.Translation.Mode, "LOQA_TRANSLATION_MODE")
	overrideString(&cfg.Translation.Command, "LOQA_TRANSLATION_COMMAND")
	overrideString(&cfg.Translation.Endpoint, "LOQA_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.Model, "LOQA_TRANSLATION_MODEL")
	overrideInt(&cfg.Translation.TimeoutMS, "LOQA_TRANSLATION_TIMEOUT_MS")
	overrideInt(&cfg.Translation.RetryBackoffMS, "LOQA_TRANSLATION_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Translation.CacheSize, "LOQA_TRANSLATION_CACHE_SIZE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Voices.Default, "LOQA_VOICES_DEFAULT")
	overrideBool(&cfg.Bridge.Enabled, "LOQA_BRIDGE_ENABLED")
	overrideInt(&cfg.Bridge.PresenceTimeoutMS, "LOQA_BRIDGE_PRESENCE_TIMEOUT_MS")
	overrideInt(&cfg.Bridge.DeliveryRetries, "LOQA_BRIDGE_DELIVERY_RETRIES")
	overrideInt(&cfg.Bridge.DeliveryBackoffMS, "LOQA_BRIDGE_DELIVERY_BACKOFF_MS")
	overrideInt(&cfg.Bridge.WearableRate, "LOQA_BRIDGE_WEARABLE_SAMPLE_RATE")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=session")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if strings.TrimSpace(cfg.Interpreter.DefaultLanguage) == "" {
		return errors.New("interpreter.default_language must not be empty")
	}
	if len(cfg.Interpreter.DefaultCurrency) != 3 {
		return errors.New("interpreter.default_currency must be a 3-letter code")
	}
	if cfg.Interpreter.InboxSize <= 0 {
		return errors.New("interpreter.inbox_size must be positive")
	}
	if cfg.Interpreter.MaxInflight <= 0 {
		return errors.New("interpreter.max_inflight must be positive")
	}
	if cfg.Interpreter.DeliveryTimeoutMS <= 0 {
		return errors.New("interpreter.delivery_timeout_ms must be positive")
	}
	switch cfg.Translation.Mode {
	case "mock", "exec", "ollama":
	default:
		return errors.New("translation.mode must be one of mock|exec|ollama")
	}
	if cfg.Translation.Mode == "exec" && cfg.Translation.Command == "" {
		return errors.New("translation.command must be set when mode=exec")
	}
	if cfg.Translation.Mode == "ollama" && cfg.Translation.Endpoint == "" {
		return errors.New("translation.endpoint must be set when mode=ollama")
	}
	if cfg.Translation.TimeoutMS <= 0 {
		return errors.New("translation.timeout_ms must be positive")
	}
	if cfg.Translation.RetryBackoffMS < 0 {
		return errors.New("translation.retry_backoff_ms must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.TimeoutMS <= 0 {
			return errors.New("tts.timeout_ms must be positive")
		}
	}
	if cfg.Voices.Default == "" {
		return errors.New("voices.default must not be empty")
	}
	for _, entry := range cfg.Voices.Entries {
		if entry.Language == "" || entry.Voice == "" {
			return errors.New("voices.entries require language and voice")
		}
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.PresenceTimeoutMS <= 0 {
			return errors.New("bridge.presence_timeout_ms must be positive")
		}
		if cfg.Bridge.DeliveryRetries < 0 {
			return errors.New("bridge.delivery_retries must be >= 0")
		}
		if cfg.Bridge.WearableRate <= 0 {
			return errors.New("bridge.wearable_sample_rate must be positive")
		}
	}
	return nil
}
