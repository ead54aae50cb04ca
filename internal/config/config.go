package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IdentityConfig holds the node's signing key and federation server name.
type IdentityConfig struct {
	PrivateKeyHex string `yaml:"private_key"` // hex-encoded secp256k1 key; generated at startup if empty
	ServerName    string `yaml:"server_name"` // federation domain this node's user id is built against
}

// RoomServiceConfig holds connection settings for the federated room
// service the transport rides on top of.
type RoomServiceConfig struct {
	Server           string        `yaml:"server"`            // explicit URL, or "auto" to pick from AvailableServers
	AvailableServers []string      `yaml:"available_servers"` // candidates tried in order when Server == "auto"
	ChainID          int64         `yaml:"chain_id"`          // used to derive the broadcast room alias
	AliasPrefix      string        `yaml:"alias_prefix"`      // default "raiden"
	BroadcastRooms   []string      `yaml:"broadcast_rooms"`   // suffixes, e.g. "discovery", "monitoring"
	SyncTimeout      time.Duration `yaml:"sync_timeout"`      // long-poll duration per sync request
	HTTPTimeout      time.Duration `yaml:"http_timeout"`      // per-request timeout for non-sync calls
}

// RetryConfig tunes the per-peer RetryQueue scheduler and backoff.
type RetryConfig struct {
	RetriesBeforeBackoff int           `yaml:"retries_before_backoff"` // linear retries before the interval starts doubling
	RetryInterval        time.Duration `yaml:"retry_interval"`         // base step and poll interval
	RetryIntervalMax     time.Duration `yaml:"retry_interval_max"`     // backoff ceiling (default 10x RetryInterval)
	IdleAfter            int           `yaml:"idle_after"`             // consecutive empty ticks before a queue exits
	MaxBatchBytes        int           `yaml:"max_batch_bytes"`        // soft cap on NDJSON batch size
}

// RoomConfig tunes private room creation and join retry behavior.
type RoomConfig struct {
	JoinRetries       int           `yaml:"join_retries"`
	JoinRetryInterval time.Duration `yaml:"join_retry_interval"`
	JoinRetryFactor   float64       `yaml:"join_retry_factor"` // multiplicative backoff, default 1.55
}

// WhitelistConfig tunes the bounded fan-out used to warm up rooms for a
// batch of addresses at startup.
type WhitelistConfig struct {
	Concurrency int `yaml:"concurrency"` // default 10
}

// CircuitBreakerConfig tunes the per-peer fault classifier guarding
// room-service sends.
type CircuitBreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ErrorPct       float64       `yaml:"error_pct"`
	WindowDuration time.Duration `yaml:"window_duration"`
	OpenDuration   time.Duration `yaml:"open_duration"`
}

// CacheConfig selects the DisplayNameCache backend.
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // courier
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Namespace        string    `yaml:"namespace"` // courier
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`  // debug, info, warn, error
	Format         string `yaml:"format"` // text, json
	IncludeTraceID bool   `yaml:"include_trace_id"`
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// AuditConfig holds optional Postgres-backed delivery-audit settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// TokenStoreConfig holds settings for persisting the room-service auth
// token across restarts.
type TokenStoreConfig struct {
	Backend   string `yaml:"backend"` // "none", "file", "aws-secrets-manager"
	FilePath  string `yaml:"file_path"`
	SecretID  string `yaml:"secret_id"`
	AWSRegion string `yaml:"aws_region"`
}

// DaemonConfig holds daemon entrypoint settings.
type DaemonConfig struct {
	MetricsAddr string `yaml:"metrics_addr"` // HTTP addr serving /metrics and /healthz, empty disables
	LogLevel    string `yaml:"log_level"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Identity       IdentityConfig       `yaml:"identity"`
	RoomService    RoomServiceConfig    `yaml:"room_service"`
	Retry          RetryConfig          `yaml:"retry"`
	Room           RoomConfig           `yaml:"room"`
	Whitelist      WhitelistConfig      `yaml:"whitelist"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Audit          AuditConfig          `yaml:"audit"`
	TokenStore     TokenStoreConfig     `yaml:"token_store"`
	Daemon         DaemonConfig         `yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			ServerName: "courier.local",
		},
		RoomService: RoomServiceConfig{
			Server:           "auto",
			AvailableServers: []string{},
			ChainID:          1,
			AliasPrefix:      "raiden",
			BroadcastRooms:   []string{"discovery", "monitoring"},
			SyncTimeout:      30 * time.Second,
			HTTPTimeout:      10 * time.Second,
		},
		Retry: RetryConfig{
			RetriesBeforeBackoff: 5,
			RetryInterval:        1 * time.Second,
			RetryIntervalMax:     10 * time.Second,
			IdleAfter:            10,
			MaxBatchBytes:        50 << 10,
		},
		Room: RoomConfig{
			JoinRetries:       10,
			JoinRetryInterval: 100 * time.Millisecond,
			JoinRetryFactor:   1.55,
		},
		Whitelist: WhitelistConfig{
			Concurrency: 10,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        true,
			ErrorPct:       50,
			WindowDuration: 30 * time.Second,
			OpenDuration:   15 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
			RedisDB: 0,
			TTL:     1 * time.Hour,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "courier",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "courier",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
		Audit: AuditConfig{
			Enabled: false,
		},
		TokenStore: TokenStoreConfig{
			Backend: "none",
		},
		Daemon: DaemonConfig{
			MetricsAddr: "",
			LogLevel:    "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unspecified fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("COURIER_PRIVATE_KEY"); v != "" {
		cfg.Identity.PrivateKeyHex = v
	}
	if v := os.Getenv("COURIER_SERVER_NAME"); v != "" {
		cfg.Identity.ServerName = v
	}

	if v := os.Getenv("COURIER_ROOM_SERVICE_SERVER"); v != "" {
		cfg.RoomService.Server = v
	}
	if v := os.Getenv("COURIER_ROOM_SERVICE_AVAILABLE_SERVERS"); v != "" {
		cfg.RoomService.AvailableServers = strings.Split(v, ",")
	}
	if v := os.Getenv("COURIER_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RoomService.ChainID = n
		}
	}
	if v := os.Getenv("COURIER_ALIAS_PREFIX"); v != "" {
		cfg.RoomService.AliasPrefix = v
	}
	if v := os.Getenv("COURIER_BROADCAST_ROOMS"); v != "" {
		cfg.RoomService.BroadcastRooms = strings.Split(v, ",")
	}
	if v := os.Getenv("COURIER_SYNC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RoomService.SyncTimeout = d
		}
	}
	if v := os.Getenv("COURIER_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RoomService.HTTPTimeout = d
		}
	}

	if v := os.Getenv("COURIER_RETRIES_BEFORE_BACKOFF"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.RetriesBeforeBackoff = n
		}
	}
	if v := os.Getenv("COURIER_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.RetryInterval = d
		}
	}
	if v := os.Getenv("COURIER_RETRY_INTERVAL_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.RetryIntervalMax = d
		}
	}
	if v := os.Getenv("COURIER_RETRY_IDLE_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.IdleAfter = n
		}
	}
	if v := os.Getenv("COURIER_RETRY_MAX_BATCH_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxBatchBytes = n
		}
	}

	if v := os.Getenv("COURIER_ROOM_JOIN_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Room.JoinRetries = n
		}
	}
	if v := os.Getenv("COURIER_ROOM_JOIN_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Room.JoinRetryInterval = d
		}
	}
	if v := os.Getenv("COURIER_ROOM_JOIN_RETRY_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Room.JoinRetryFactor = f
		}
	}

	if v := os.Getenv("COURIER_WHITELIST_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Whitelist.Concurrency = n
		}
	}

	if v := os.Getenv("COURIER_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.CircuitBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("COURIER_CIRCUIT_BREAKER_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CircuitBreaker.ErrorPct = f
		}
	}
	if v := os.Getenv("COURIER_CIRCUIT_BREAKER_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.WindowDuration = d
		}
	}
	if v := os.Getenv("COURIER_CIRCUIT_BREAKER_OPEN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.OpenDuration = d
		}
	}

	if v := os.Getenv("COURIER_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("COURIER_CACHE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "redis"
		}
	}
	if v := os.Getenv("COURIER_CACHE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RedisDB = n
		}
	}
	if v := os.Getenv("COURIER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}

	if v := os.Getenv("COURIER_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("COURIER_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("COURIER_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("COURIER_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("COURIER_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("COURIER_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("COURIER_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("COURIER_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("COURIER_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("COURIER_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}

	if v := os.Getenv("COURIER_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = parseBool(v)
	}
	if v := os.Getenv("COURIER_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
		cfg.Audit.Enabled = true
	}

	if v := os.Getenv("COURIER_TOKEN_STORE_BACKEND"); v != "" {
		cfg.TokenStore.Backend = v
	}
	if v := os.Getenv("COURIER_TOKEN_STORE_FILE_PATH"); v != "" {
		cfg.TokenStore.FilePath = v
	}
	if v := os.Getenv("COURIER_TOKEN_STORE_SECRET_ID"); v != "" {
		cfg.TokenStore.SecretID = v
	}
	if v := os.Getenv("COURIER_TOKEN_STORE_AWS_REGION"); v != "" {
		cfg.TokenStore.AWSRegion = v
	}

	if v := os.Getenv("COURIER_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
