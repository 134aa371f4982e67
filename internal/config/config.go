package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/loqalabs/loqa-ingest/internal/chunker"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout" toml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string                `yaml:"runtime_name" toml:"runtime_name"`
	Environment string                `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig            `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig       `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig             `yaml:"bus" toml:"bus"`
	Store       StoreConfig           `yaml:"store" toml:"store"`
	STT         STTConfig             `yaml:"stt" toml:"stt"`
	Chunking    chunker.Policy        `yaml:"chunking" toml:"chunking"`
	Session     SessionConfig         `yaml:"session" toml:"session"`
	Delivery    DeliveryConfig        `yaml:"delivery" toml:"delivery"`
	Tiers       map[string]TierConfig `yaml:"tiers" toml:"tiers"`
	Sink        SinkConfig            `yaml:"sink" toml:"sink"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode        string `yaml:"mode" toml:"mode"` // mock, exec, openai
	Command     string `yaml:"command" toml:"command"`
	ModelPath   string `yaml:"model_path" toml:"model_path"`
	Language    string `yaml:"language" toml:"language"`
	SampleRate  int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels    int    `yaml:"channels" toml:"channels"`
	InputFormat string `yaml:"input_format" toml:"input_format"` // pcm, file
	APIKey      string `yaml:"api_key" toml:"api_key"`
	Model       string `yaml:"model" toml:"model"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	TimeoutMS   int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type SessionConfig struct {
	DebounceMS        int    `yaml:"debounce_ms" toml:"debounce_ms"`
	DebounceEpsilonMS int    `yaml:"debounce_epsilon_ms" toml:"debounce_epsilon_ms"`
	SpoolDir          string `yaml:"spool_dir" toml:"spool_dir"`
	DefaultTier       string `yaml:"default_tier" toml:"default_tier"`
	DefaultLang       string `yaml:"default_lang" toml:"default_lang"`
	ClosedTTLSec      int    `yaml:"closed_ttl_sec" toml:"closed_ttl_sec"` // 0 keeps closed sessions in memory
}

type DeliveryConfig struct {
	ChunkURL      string `yaml:"chunk_url" toml:"chunk_url"`
	FinalURL      string `yaml:"final_url" toml:"final_url"`
	Secret        string `yaml:"secret" toml:"secret"`
	Retries       int    `yaml:"retries" toml:"retries"`
	BackoffBaseMS int    `yaml:"backoff_base_ms" toml:"backoff_base_ms"`
	JitterMaxMS   int    `yaml:"jitter_max_ms" toml:"jitter_max_ms"`
	TimeoutMS     int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type TierConfig struct {
	MaxFileMB      int `yaml:"max_file_mb" toml:"max_file_mb"`
	MaxDurationSec int `yaml:"max_duration_sec" toml:"max_duration_sec"`
}

type SinkConfig struct {
	Bind           string `yaml:"bind" toml:"bind"`
	Port           int    `yaml:"port" toml:"port"`
	Secret         string `yaml:"secret" toml:"secret"`
	Idempotency    string `yaml:"idempotency" toml:"idempotency"` // memory, redis
	RedisAddr      string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" toml:"redis_password"`
	RedisDB        int    `yaml:"redis_db" toml:"redis_db"`
	IdempotencyTTL int    `yaml:"idempotency_ttl_sec" toml:"idempotency_ttl_sec"`
}

// MaxDeliveryRetries bounds delivery.retries.
const MaxDeliveryRetries = 20

func Default() Config {
	return Config{
		RuntimeName: "loqa-ingest",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/ingest.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:        "mock",
			Language:    "ru-RU",
			SampleRate:  16000,
			Channels:    1,
			InputFormat: "pcm",
			Model:       "whisper-1",
			TimeoutMS:   60000,
		},
		Chunking: chunker.DefaultPolicy(),
		Session: SessionConfig{
			DebounceMS:        1200,
			DebounceEpsilonMS: 50,
			SpoolDir:          "./data/spool",
			DefaultTier:       "basic",
			DefaultLang:       "ru-RU",
			ClosedTTLSec:      600,
		},
		Delivery: DeliveryConfig{
			Secret:        "changeme",
			Retries:       5,
			BackoffBaseMS: 500,
			JitterMaxMS:   500,
			TimeoutMS:     10000,
		},
		Tiers: map[string]TierConfig{
			"basic":    {MaxFileMB: 25, MaxDurationSec: 900},
			"extended": {MaxFileMB: 200, MaxDurationSec: 3600},
			"premium":  {MaxFileMB: 2048, MaxDurationSec: 14400},
		},
		Sink: SinkConfig{
			Bind:           "0.0.0.0",
			Port:           8090,
			Secret:         "changeme",
			Idempotency:    "memory",
			RedisAddr:      "localhost:6379",
			IdempotencyTTL: 86400,
		},
	}
}

// Tier returns the limits for name, falling back to the default tier.
func (c Config) Tier(name string) (TierConfig, bool) {
	if name == "" {
		name = c.Session.DefaultTier
	}
	t, ok := c.Tiers[name]
	return t, ok
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
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			err = toml.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
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
	overrideString(&cfg.RuntimeName, "INGEST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "INGEST_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "INGEST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "INGEST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "INGEST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "INGEST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "INGEST_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "INGEST_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "INGEST_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "INGEST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "INGEST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "INGEST_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "INGEST_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "INGEST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "INGEST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "INGEST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "INGEST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "INGEST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "INGEST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "INGEST_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "INGEST_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "INGEST_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "INGEST_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "INGEST_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "INGEST_STT_MODE")
	overrideString(&cfg.STT.Command, "INGEST_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "INGEST_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "INGEST_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "INGEST_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "INGEST_STT_CHANNELS")
	overrideString(&cfg.STT.InputFormat, "INGEST_STT_INPUT_FORMAT")
	overrideString(&cfg.STT.APIKey, "INGEST_STT_API_KEY")
	overrideString(&cfg.STT.Model, "INGEST_STT_MODEL")
	overrideString(&cfg.STT.BaseURL, "INGEST_STT_BASE_URL")
	overrideInt(&cfg.STT.TimeoutMS, "INGEST_STT_TIMEOUT_MS")
	overrideInt(&cfg.Chunking.SentMin, "INGEST_CHUNK_SENT_MIN")
	overrideInt(&cfg.Chunking.SentMax, "INGEST_CHUNK_SENT_MAX")
	overrideInt(&cfg.Chunking.CharLimit, "INGEST_CHUNK_CHAR_LIMIT")
	overrideInt(&cfg.Chunking.OverlapSent, "INGEST_CHUNK_OVERLAP_SENT")
	overrideInt(&cfg.Session.DebounceMS, "INGEST_SESSION_DEBOUNCE_MS")
	overrideInt(&cfg.Session.DebounceEpsilonMS, "INGEST_SESSION_DEBOUNCE_EPSILON_MS")
	overrideString(&cfg.Session.SpoolDir, "INGEST_SESSION_SPOOL_DIR")
	overrideString(&cfg.Session.DefaultTier, "INGEST_SESSION_DEFAULT_TIER")
	overrideString(&cfg.Session.DefaultLang, "INGEST_SESSION_DEFAULT_LANG")
	overrideInt(&cfg.Session.ClosedTTLSec, "INGEST_SESSION_CLOSED_TTL_SEC")
	overrideString(&cfg.Delivery.ChunkURL, "INGEST_DELIVERY_CHUNK_URL")
	overrideString(&cfg.Delivery.FinalURL, "INGEST_DELIVERY_FINAL_URL")
	overrideString(&cfg.Delivery.Secret, "INGEST_DELIVERY_SECRET")
	overrideInt(&cfg.Delivery.Retries, "INGEST_DELIVERY_RETRIES")
	overrideInt(&cfg.Delivery.BackoffBaseMS, "INGEST_DELIVERY_BACKOFF_BASE_MS")
	overrideInt(&cfg.Delivery.JitterMaxMS, "INGEST_DELIVERY_JITTER_MAX_MS")
	overrideInt(&cfg.Delivery.TimeoutMS, "INGEST_DELIVERY_TIMEOUT_MS")
	overrideString(&cfg.Sink.Bind, "INGEST_SINK_BIND")
	overrideInt(&cfg.Sink.Port, "INGEST_SINK_PORT")
	overrideString(&cfg.Sink.Secret, "INGEST_SINK_SECRET")
	overrideString(&cfg.Sink.Idempotency, "INGEST_SINK_IDEMPOTENCY")
	overrideString(&cfg.Sink.RedisAddr, "INGEST_SINK_REDIS_ADDR")
	overrideString(&cfg.Sink.RedisPassword, "INGEST_SINK_REDIS_PASSWORD")
	overrideInt(&cfg.Sink.RedisDB, "INGEST_SINK_REDIS_DB")
	overrideInt(&cfg.Sink.IdempotencyTTL, "INGEST_SINK_IDEMPOTENCY_TTL_SEC")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	if cfg.Store.Path == "" && cfg.Store.RetentionMode != "ephemeral" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	switch cfg.STT.InputFormat {
	case "pcm", "file":
	default:
		return errors.New("stt.input_format must be one of pcm|file")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if cfg.Session.DebounceMS <= 0 {
		return errors.New("session.debounce_ms must be positive")
	}
	if cfg.Session.DebounceEpsilonMS < 0 || cfg.Session.DebounceEpsilonMS >= cfg.Session.DebounceMS {
		return errors.New("session.debounce_epsilon_ms must be >= 0 and below debounce_ms")
	}
	if cfg.Session.SpoolDir == "" {
		return errors.New("session.spool_dir must not be empty")
	}
	if cfg.Session.ClosedTTLSec < 0 {
		return errors.New("session.closed_ttl_sec must be >= 0")
	}
	if _, ok := cfg.Tier(cfg.Session.DefaultTier); !ok {
		return fmt.Errorf("session.default_tier %q is not a configured tier", cfg.Session.DefaultTier)
	}
	for name, tier := range cfg.Tiers {
		if tier.MaxFileMB <= 0 {
			return fmt.Errorf("tiers.%s.max_file_mb must be positive", name)
		}
	}
	if cfg.Delivery.Retries < 0 || cfg.Delivery.Retries > MaxDeliveryRetries {
		return fmt.Errorf("delivery.retries must be between 0 and %d", MaxDeliveryRetries)
	}
	if cfg.Delivery.BackoffBaseMS < 0 || cfg.Delivery.JitterMaxMS < 0 {
		return errors.New("delivery.backoff_base_ms and delivery.jitter_max_ms must be >= 0")
	}
	if cfg.Delivery.TimeoutMS <= 0 {
		return errors.New("delivery.timeout_ms must be positive")
	}
	if cfg.Sink.Port <= 0 || cfg.Sink.Port > 65535 {
		return errors.New("sink.port must be between 1 and 65535")
	}
	switch cfg.Sink.Idempotency {
	case "memory":
	case "redis":
		if cfg.Sink.RedisAddr == "" {
			return errors.New("sink.redis_addr must be set when idempotency=redis")
		}
	default:
		return errors.New("sink.idempotency must be one of memory|redis")
	}
	return nil
}
