package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

// EngineConfig holds container-engine connection settings.
type EngineConfig struct {
	NetworkHost string `json:"network_host"`
	Image       string `json:"image"`
}

// PoolConfig holds per-function pool bounds and monitoring thresholds.
type PoolConfig struct {
	MinContainers      int           `json:"min_containers"`
	MaxContainers      int           `json:"max_containers"`
	ScaleCheckInterval time.Duration `json:"scale_check_interval"`
	CPUOverload        float64       `json:"cpu_overload_threshold"`
	MemoryOverload     float64       `json:"memory_overload_threshold"`
	CooldownCPU        float64       `json:"cooldown_cpu_threshold"`
	CooldownDuration   time.Duration `json:"cooldown_duration"`
}

// MetricsClientConfig holds the Prometheus query client's settings.
type MetricsClientConfig struct {
	PrometheusURL string        `json:"prometheus_url"`
	QueryTimeout  time.Duration `json:"query_timeout"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	MaxRetries    int           `json:"max_retries"`
}

// PersistenceConfig holds the Redis-backed crash-recovery settings.
type PersistenceConfig struct {
	Enabled   bool   `json:"enabled"`
	RedisURL  string `json:"redis_url"`
	KeyPrefix string `json:"key_prefix"`
	BatchSize int    `json:"batch_size"`
}

// MetricsExportConfig holds this process's own Prometheus exporter
// settings, distinct from MetricsClientConfig, which queries someone
// else's Prometheus.
type MetricsExportConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Addr      string `json:"addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Config is the central configuration struct embedding all component
// configs.
type Config struct {
	Daemon        DaemonConfig         `json:"daemon"`
	Engine        EngineConfig         `json:"engine"`
	Pool          PoolConfig           `json:"pool"`
	MetricsClient MetricsClientConfig  `json:"metrics_client"`
	Persistence   PersistenceConfig    `json:"persistence"`
	MetricsExport MetricsExportConfig  `json:"metrics_export"`
	Logging       LoggingConfig        `json:"logging"`
}

// DefaultConfig returns a Config with the same defaults as the original
// AutoscalingRuntimeBuilder, tightened where the Go rewrite deliberately
// deviates (query timeout: 3s instead of 5s).
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Engine: EngineConfig{
			NetworkHost: "host.docker.internal",
		},
		Pool: PoolConfig{
			MinContainers:      1,
			MaxContainers:      10,
			ScaleCheckInterval: 10 * time.Second,
			CPUOverload:        80,
			MemoryOverload:     80,
			CooldownCPU:        0,
			CooldownDuration:   60 * time.Second,
		},
		MetricsClient: MetricsClientConfig{
			PrometheusURL: "http://prometheus:9090",
			QueryTimeout:  3 * time.Second,
			CacheTTL:      5 * time.Second,
			MaxRetries:    3,
		},
		Persistence: PersistenceConfig{
			Enabled:   true,
			RedisURL:  "redis://localhost:6379",
			KeyPrefix: "autoscaler",
			BatchSize: 50,
		},
		MetricsExport: MetricsExportConfig{
			Enabled:   true,
			Namespace: "kestrel",
			Addr:      ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file, layered on top of
// DefaultConfig so a partial file only overrides what it sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies KESTREL_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KESTREL_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("KESTREL_DOCKER_NETWORK"); v != "" {
		cfg.Engine.NetworkHost = v
	}
	if v := os.Getenv("KESTREL_IMAGE"); v != "" {
		cfg.Engine.Image = v
	}

	if v := os.Getenv("KESTREL_MIN_CONTAINERS_PER_FUNCTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MinContainers = n
		}
	}
	if v := os.Getenv("KESTREL_MAX_CONTAINERS_PER_FUNCTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxContainers = n
		}
	}
	if v := os.Getenv("KESTREL_POLL_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.ScaleCheckInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("KESTREL_CPU_OVERLOAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.CPUOverload = f
		}
	}
	if v := os.Getenv("KESTREL_MEMORY_OVERLOAD_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.MemoryOverload = f
		}
	}
	if v := os.Getenv("KESTREL_COOLDOWN_CPU_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pool.CooldownCPU = f
		}
	}
	if v := os.Getenv("KESTREL_COOLDOWN_DURATION_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.CooldownDuration = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("KESTREL_PROMETHEUS_URL"); v != "" {
		cfg.MetricsClient.PrometheusURL = v
	}
	if v := os.Getenv("KESTREL_METRICS_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MetricsClient.QueryTimeout = d
		}
	}
	if v := os.Getenv("KESTREL_METRICS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MetricsClient.CacheTTL = d
		}
	}
	if v := os.Getenv("KESTREL_METRICS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsClient.MaxRetries = n
		}
	}

	if v := os.Getenv("KESTREL_PERSISTENCE_ENABLED"); v != "" {
		cfg.Persistence.Enabled = parseBool(v)
	}
	if v := os.Getenv("KESTREL_REDIS_URL"); v != "" {
		cfg.Persistence.RedisURL = v
		cfg.Persistence.Enabled = true
	}
	if v := os.Getenv("KESTREL_REDIS_KEY_PREFIX"); v != "" {
		cfg.Persistence.KeyPrefix = v
	}
	if v := os.Getenv("KESTREL_PERSISTENCE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.BatchSize = n
		}
	}

	if v := os.Getenv("KESTREL_METRICS_EXPORT_ENABLED"); v != "" {
		cfg.MetricsExport.Enabled = parseBool(v)
	}
	if v := os.Getenv("KESTREL_METRICS_EXPORT_NAMESPACE"); v != "" {
		cfg.MetricsExport.Namespace = v
	}
	if v := os.Getenv("KESTREL_METRICS_EXPORT_ADDR"); v != "" {
		cfg.MetricsExport.Addr = v
	}

	if v := os.Getenv("KESTREL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
