package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigMatchesBuilderDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pool.MinContainers != 1 || cfg.Pool.MaxContainers != 10 {
		t.Fatalf("unexpected pool bounds: %+v", cfg.Pool)
	}
	if cfg.Pool.CooldownCPU != 0 {
		t.Fatalf("expected cooldown_cpu_threshold 0, got %v", cfg.Pool.CooldownCPU)
	}
	if cfg.Pool.CooldownDuration != 60*time.Second {
		t.Fatalf("expected 60s cooldown duration, got %v", cfg.Pool.CooldownDuration)
	}
	if cfg.MetricsClient.QueryTimeout != 3*time.Second {
		t.Fatalf("expected 3s query timeout, got %v", cfg.MetricsClient.QueryTimeout)
	}
	if !cfg.Persistence.Enabled {
		t.Fatal("expected persistence enabled by default")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	os.Setenv("KESTREL_MAX_CONTAINERS_PER_FUNCTION", "9")
	os.Setenv("KESTREL_REDIS_URL", "redis://example:6379")
	defer os.Unsetenv("KESTREL_MAX_CONTAINERS_PER_FUNCTION")
	defer os.Unsetenv("KESTREL_REDIS_URL")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Pool.MaxContainers != 9 {
		t.Fatalf("expected max_containers_per_function override, got %d", cfg.Pool.MaxContainers)
	}
	if cfg.Persistence.RedisURL != "redis://example:6379" {
		t.Fatalf("expected redis url override, got %s", cfg.Persistence.RedisURL)
	}
	if !cfg.Persistence.Enabled {
		t.Fatal("expected setting KESTREL_REDIS_URL to imply persistence enabled")
	}
}

func TestLoadFromEnvLeavesDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	LoadFromEnv(cfg)

	if cfg.Pool.MaxContainers != before.Pool.MaxContainers {
		t.Fatal("expected no change when env vars are unset")
	}
}
