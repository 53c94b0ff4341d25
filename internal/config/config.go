package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MetadataPath string `yaml:"metadata_path"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type BusConfig struct {
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
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// UpstreamConfig describes the provider-facing socket endpoint. The API key is
// taken from the environment only, never from the config file.
type UpstreamConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"-"`
	DefaultModel  string `yaml:"default_model"`
	Encoding      string `yaml:"encoding"`
	SampleRate    int    `yaml:"sample_rate"`
	Container     string `yaml:"container"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
}

type RelayConfig struct {
	Path            string `yaml:"path"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Upstream    UpstreamConfig   `yaml:"upstream"`
	Relay       RelayConfig      `yaml:"relay"`
}

func Default() Config {
	return Config{
		ServiceName: "voxlink",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8080,
			MetadataPath: "./metadata.json",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voxlink-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Upstream: UpstreamConfig{
			URL:           "wss://api.deepgram.com/v1/speak",
			DefaultModel:  "aura-2-thalia-en",
			Encoding:      "linear16",
			SampleRate:    48000,
			Container:     "none",
			DialTimeoutMS: 5000,
		},
		Relay: RelayConfig{
			Path:            "/ws",
			MaxMessageBytes: 1 << 20,
			ShutdownGraceMS: 10000,
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
	overrideString(&cfg.ServiceName, "VOXLINK_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOXLINK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXLINK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXLINK_HTTP_PORT")
	overrideString(&cfg.HTTP.MetadataPath, "VOXLINK_HTTP_METADATA_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "VOXLINK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXLINK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXLINK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOXLINK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXLINK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXLINK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXLINK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXLINK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXLINK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXLINK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXLINK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXLINK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOXLINK_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOXLINK_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOXLINK_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOXLINK_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOXLINK_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Upstream.URL, "VOXLINK_UPSTREAM_URL")
	overrideString(&cfg.Upstream.APIKey, "VOXLINK_UPSTREAM_API_KEY")
	overrideString(&cfg.Upstream.DefaultModel, "VOXLINK_UPSTREAM_DEFAULT_MODEL")
	overrideString(&cfg.Upstream.Encoding, "VOXLINK_UPSTREAM_ENCODING")
	overrideInt(&cfg.Upstream.SampleRate, "VOXLINK_UPSTREAM_SAMPLE_RATE")
	overrideString(&cfg.Upstream.Container, "VOXLINK_UPSTREAM_CONTAINER")
	overrideInt(&cfg.Upstream.DialTimeoutMS, "VOXLINK_UPSTREAM_DIAL_TIMEOUT_MS")
	overrideString(&cfg.Relay.Path, "VOXLINK_RELAY_PATH")
	overrideInt64(&cfg.Relay.MaxMessageBytes, "VOXLINK_RELAY_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Relay.ShutdownGraceMS, "VOXLINK_RELAY_SHUTDOWN_GRACE_MS")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
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
	if cfg.Upstream.URL == "" {
		return errors.New("upstream.url must not be empty")
	}
	if cfg.Upstream.APIKey == "" {
		return errors.New("upstream API key missing: set VOXLINK_UPSTREAM_API_KEY")
	}
	if cfg.Upstream.DefaultModel == "" {
		return errors.New("upstream.default_model must not be empty")
	}
	if cfg.Upstream.SampleRate <= 0 {
		return errors.New("upstream.sample_rate must be positive")
	}
	if cfg.Upstream.DialTimeoutMS <= 0 {
		return errors.New("upstream.dial_timeout_ms must be positive")
	}
	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		return errors.New("relay.path must start with /")
	}
	if cfg.Relay.MaxMessageBytes <= 0 {
		return errors.New("relay.max_message_bytes must be positive")
	}
	if cfg.Relay.ShutdownGraceMS <= 0 {
		return errors.New("relay.shutdown_grace_ms must be positive")
	}
	return nil
}
