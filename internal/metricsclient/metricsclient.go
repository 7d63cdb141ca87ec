// Package metricsclient queries an external Prometheus-shaped HTTP API for
// per-container CPU and memory utilization, with short-TTL caching and
// linear-backoff retries.
package metricsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelrun/runtime/internal/logging"
)

// Config tunes query behavior. Zero-value fields are replaced by defaults in
// New.
type Config struct {
	PrometheusURL string
	QueryTimeout  time.Duration
	CacheTTL      time.Duration
	MaxRetries    int
}

// DefaultConfig mirrors the original runtime's defaults, except QueryTimeout
// which this runtime tightens from 5s to 3s.
func DefaultConfig() Config {
	return Config{
		PrometheusURL: "http://prometheus:9090",
		QueryTimeout:  3 * time.Second,
		CacheTTL:      5 * time.Second,
		MaxRetries:    3,
	}
}

type cachedMetric struct {
	value     float64
	timestamp time.Time
}

// Client fetches container metrics from Prometheus. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	cpu    sync.Map // container id -> cachedMetric
	memory sync.Map // container id -> cachedMetric
}

// New builds a Client, filling any zero-value Config fields from
// DefaultConfig.
func New(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.PrometheusURL == "" {
		cfg.PrometheusURL = d.PrometheusURL
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = d.QueryTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.QueryTimeout},
	}
}

// shortID truncates a container id to the 12-character form cAdvisor's
// cgroup path uses.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// CPUPercent returns the container's CPU usage percentage, averaged over a
// 30s rate window.
func (c *Client) CPUPercent(ctx context.Context, containerID string) (float64, error) {
	if v, ok := loadCached(&c.cpu, containerID, c.cfg.CacheTTL); ok {
		return v, nil
	}

	query := fmt.Sprintf(
		`rate(container_cpu_usage_seconds_total{id=~"/docker/%s.*"}[30s]) * 100`,
		shortID(containerID),
	)

	value, err := c.queryWithRetry(ctx, query)
	if err != nil {
		return 0, err
	}

	storeCached(&c.cpu, containerID, value)
	return value, nil
}

// MemoryPercent returns the container's memory usage as a percentage of its
// configured limit.
func (c *Client) MemoryPercent(ctx context.Context, containerID string) (float64, error) {
	if v, ok := loadCached(&c.memory, containerID, c.cfg.CacheTTL); ok {
		return v, nil
	}

	id := shortID(containerID)
	query := fmt.Sprintf(
		`(container_memory_usage_bytes{id=~"/docker/%s.*"} / container_spec_memory_limit_bytes{id=~"/docker/%s.*"}) * 100`,
		id, id,
	)

	value, err := c.queryWithRetry(ctx, query)
	if err != nil {
		return 0, err
	}

	storeCached(&c.memory, containerID, value)
	return value, nil
}

func loadCached(m *sync.Map, key string, ttl time.Duration) (float64, bool) {
	v, ok := m.Load(key)
	if !ok {
		return 0, false
	}
	cached := v.(cachedMetric)
	if time.Since(cached.timestamp) >= ttl {
		return 0, false
	}
	return cached.value, true
}

func storeCached(m *sync.Map, key string, value float64) {
	m.Store(key, cachedMetric{value: value, timestamp: time.Now()})
}

func (c *Client) queryWithRetry(ctx context.Context, query string) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		value, err := c.executeQuery(ctx, query)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}
		logging.Op().Warn("prometheus query attempt failed, retrying",
			"attempt", attempt, "error", err)

		select {
		case <-time.After(time.Duration(100*attempt) * time.Millisecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, fmt.Errorf("all prometheus query attempts failed: %w", lastErr)
}

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Value [2]interface{} `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

func (c *Client) executeQuery(ctx context.Context, query string) (float64, error) {
	endpoint := c.cfg.PrometheusURL + "/api/v1/query"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build prometheus request: %w", err)
	}
	q := url.Values{"query": {query}}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query prometheus: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("prometheus query failed with status: %d", resp.StatusCode)
	}

	var parsed promResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("parse prometheus response: %w", err)
	}
	if parsed.Status != "success" {
		return 0, fmt.Errorf("prometheus query was not successful: %s", parsed.Status)
	}

	if len(parsed.Data.Result) == 0 {
		return 0, nil
	}

	valueStr, ok := parsed.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected prometheus value shape")
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse metric value: %w", err)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, nil
	}
	return value, nil
}

// HealthCheck reports whether the Prometheus endpoint is reachable and
// answering queries.
func (c *Client) HealthCheck(ctx context.Context) bool {
	endpoint := c.cfg.PrometheusURL + "/api/v1/query"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	req.URL.RawQuery = url.Values{"query": {"up"}}.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
