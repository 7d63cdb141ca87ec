// Package kestrel is the public facade over the container pool runtime: a
// functional-options builder that wires the engine, metrics client,
// persistence store, and autoscaler control loop into one running instance.
package kestrel

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelrun/runtime/internal/autoscaler"
	"github.com/kestrelrun/runtime/internal/engine"
	"github.com/kestrelrun/runtime/internal/logging"
	"github.com/kestrelrun/runtime/internal/logs"
	"github.com/kestrelrun/runtime/internal/logstream"
	"github.com/kestrelrun/runtime/internal/metricsclient"
	"github.com/kestrelrun/runtime/internal/persistence"
	"github.com/kestrelrun/runtime/internal/pool"
)

// Runtime is a built, runnable instance of the pool/autoscaler core.
type Runtime struct {
	autoscaler *autoscaler.Autoscaler
	engine     *engine.DockerEngine
	store      *persistence.Store
	invocations *logs.Store // nil if persistence is disabled
	images     map[string]string // function key -> image, for restore
}

type options struct {
	networkHost        string
	minContainers      int
	maxContainers      int
	scaleCheckInterval time.Duration
	cpuOverload        float64
	memoryOverload     float64
	cooldownCPU        float64
	cooldownDuration   time.Duration

	prometheusURL string
	queryTimeout  time.Duration
	cacheTTL      time.Duration
	maxRetries    int

	persistence persistence.Config
}

func defaultOptions() options {
	ac := autoscaler.DefaultConfig()
	mc := metricsclient.DefaultConfig()
	return options{
		networkHost:        ac.NetworkHost,
		minContainers:      ac.MinContainers,
		maxContainers:      ac.MaxContainers,
		scaleCheckInterval: ac.ScaleCheckInterval,
		cpuOverload:        ac.CPUOverload,
		memoryOverload:     ac.MemoryOverload,
		cooldownCPU:        ac.CooldownCPU,
		cooldownDuration:   ac.CooldownDuration,
		prometheusURL:      mc.PrometheusURL,
		queryTimeout:       mc.QueryTimeout,
		cacheTTL:           mc.CacheTTL,
		maxRetries:         mc.MaxRetries,
		persistence:        persistence.DefaultConfig(),
	}
}

// Option configures a Runtime before it is built.
type Option func(*options)

func WithDockerComposeNetworkHost(host string) Option {
	return func(o *options) { o.networkHost = host }
}

func WithMinContainersPerFunction(n int) Option {
	return func(o *options) { o.minContainers = n }
}

func WithMaxContainersPerFunction(n int) Option {
	return func(o *options) { o.maxContainers = n }
}

func WithScaleCheckInterval(d time.Duration) Option {
	return func(o *options) { o.scaleCheckInterval = d }
}

func WithCPUOverloadThreshold(pct float64) Option {
	return func(o *options) { o.cpuOverload = pct }
}

func WithMemoryOverloadThreshold(pct float64) Option {
	return func(o *options) { o.memoryOverload = pct }
}

func WithCooldownCPUThreshold(pct float64) Option {
	return func(o *options) { o.cooldownCPU = pct }
}

func WithCooldownDuration(d time.Duration) Option {
	return func(o *options) { o.cooldownDuration = d }
}

func WithPrometheusURL(url string) Option {
	return func(o *options) { o.prometheusURL = url }
}

func WithMetricsQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.queryTimeout = d }
}

func WithMetricsCacheTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

func WithMetricsMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

func WithPersistence(cfg persistence.Config) Option {
	return func(o *options) { o.persistence = cfg }
}

// New applies opts over the builder defaults and constructs a Runtime,
// creating the Docker client and, if persistence is enabled, the Redis
// client. Neither client connects until its first request.
func New(opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}

	eng, err := engine.NewDockerEngine()
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}

	metrics := metricsclient.New(metricsclient.Config{
		PrometheusURL: o.prometheusURL,
		QueryTimeout:  o.queryTimeout,
		CacheTTL:      o.cacheTTL,
		MaxRetries:    o.maxRetries,
	})

	store, err := persistence.New(o.persistence)
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}

	ac := autoscaler.New(autoscaler.Config{
		NetworkHost:        o.networkHost,
		MinContainers:      o.minContainers,
		MaxContainers:      o.maxContainers,
		ScaleCheckInterval: o.scaleCheckInterval,
		CPUOverload:        o.cpuOverload,
		MemoryOverload:     o.memoryOverload,
		CooldownCPU:        o.cooldownCPU,
		CooldownDuration:   o.cooldownDuration,
	}, eng, metrics, store)

	var invocations *logs.Store
	if rdb := store.Redis(); rdb != nil {
		invocations = logs.NewStore(rdb)
	}

	return &Runtime{
		autoscaler:  ac,
		engine:      eng,
		store:       store,
		invocations: invocations,
		images:      make(map[string]string),
	}, nil
}

// RegisterFunction associates a function key with the image used to create
// its containers. Required before the first Invoke for that function, and
// before RestoreFromStore can reconstruct its pool after a restart.
func (r *Runtime) RegisterFunction(functionKey, image string) {
	r.images[functionKey] = image
}

// Start restores any persisted pool state and launches the autoscaler's
// control loop.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.autoscaler.RestoreFromStore(ctx, func(functionKey string) string {
		return r.images[functionKey]
	}); err != nil {
		logging.Op().Warn("failed to restore pool state from persistence", "error", err)
	}
	r.autoscaler.Start(ctx)
	return nil
}

// Stop halts the control loop, persists final pool state, and releases the
// engine and store connections.
func (r *Runtime) Stop(ctx context.Context) error {
	r.autoscaler.Stop()
	if err := r.autoscaler.PersistAll(ctx); err != nil {
		logging.Op().Warn("failed to persist pool state on shutdown", "error", err)
	}
	if err := r.store.Close(); err != nil {
		logging.Op().Warn("failed to close persistence store", "error", err)
	}
	return r.engine.Close()
}

// Invoke routes one invocation to the healthiest container for
// (functionName, userUUID), scaling the pool up if needed.
func (r *Runtime) Invoke(ctx context.Context, functionName, userUUID string) (pool.Details, error) {
	start := time.Now()
	functionKey := autoscaler.FunctionKey(functionName, userUUID)
	image, ok := r.images[functionKey]
	if !ok {
		return pool.Details{}, fmt.Errorf("invoke %s: function not registered", functionName)
	}

	details, err := r.autoscaler.GetContainerForInvocation(ctx, functionKey, functionName, image)
	durationMs := time.Since(start).Milliseconds()

	logging.Default().Log(&logging.RequestLog{
		Function:   functionName,
		FunctionID: functionKey,
		DurationMs: durationMs,
		Success:    err == nil,
		Error:      errString(err),
	})

	if r.invocations != nil {
		if appendErr := r.invocations.Append(ctx, logs.Entry{
			Timestamp:  time.Now(),
			FunctionID: functionKey,
			Function:   functionName,
			DurationMs: durationMs,
			Error:      errString(err),
		}); appendErr != nil {
			logging.Op().Warn("failed to append invocation history", "function", functionName, "error", appendErr)
		}
	}

	return details, err
}

// InvocationHistory returns recent invocation log entries for functionKey.
// Returns an empty slice if persistence is disabled.
func (r *Runtime) InvocationHistory(ctx context.Context, functionKey string, limit int64) ([]logs.Entry, error) {
	if r.invocations == nil {
		return nil, nil
	}
	return r.invocations.Recent(ctx, functionKey, limit)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StreamLogs follows a container's logs for the duration of ctx.
func (r *Runtime) StreamLogs(ctx context.Context, containerID string) (<-chan logstream.Message, error) {
	return r.autoscaler.GetFunctionLogs(ctx, containerID)
}

// PoolStatus returns a snapshot of every function's pool.
func (r *Runtime) PoolStatus() []autoscaler.PoolStatus {
	return r.autoscaler.AllPoolStatus()
}
