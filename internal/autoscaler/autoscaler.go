// Package autoscaler owns every function's container pool and runs the
// control loop that fetches metrics, scales pools up on demand, and retires
// idle containers.
package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelrun/runtime/internal/engine"
	"github.com/kestrelrun/runtime/internal/logging"
	"github.com/kestrelrun/runtime/internal/logstream"
	"github.com/kestrelrun/runtime/internal/metricsclient"
	"github.com/kestrelrun/runtime/internal/persistence"
	"github.com/kestrelrun/runtime/internal/pool"
)

// Config carries every tunable the control loop and the pools it manages
// need.
type Config struct {
	NetworkHost         string
	MinContainers       int
	MaxContainers       int
	ScaleCheckInterval  time.Duration
	CPUOverload         float64
	MemoryOverload      float64
	CooldownCPU         float64
	CooldownDuration    time.Duration
}

// DefaultConfig mirrors the original runtime's AutoscalingRuntimeBuilder
// defaults.
func DefaultConfig() Config {
	return Config{
		NetworkHost:        "host.docker.internal",
		MinContainers:      1,
		MaxContainers:      10,
		ScaleCheckInterval: 10 * time.Second,
		CPUOverload:        80,
		MemoryOverload:     80,
		CooldownCPU:        0,
		CooldownDuration:   60 * time.Second,
	}
}

// Autoscaler owns one Pool per function key and runs the periodic scaling
// loop across all of them from a single goroutine, rather than spawning a
// background task per container.
type Autoscaler struct {
	cfg     Config
	eng     engine.Engine
	metrics *metricsclient.Client
	store   *persistence.Store

	pools sync.Map // function key -> *pool.Pool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an Autoscaler with no pools yet; call RestoreFromStore to
// reconstruct state from a prior run before Start.
func New(cfg Config, eng engine.Engine, metrics *metricsclient.Client, store *persistence.Store) *Autoscaler {
	return &Autoscaler{
		cfg:     cfg,
		eng:     eng,
		metrics: metrics,
		store:   store,
		stop:    make(chan struct{}),
	}
}

func (a *Autoscaler) thresholds() pool.Thresholds {
	return pool.Thresholds{
		CPUOverload:    a.cfg.CPUOverload,
		MemoryOverload: a.cfg.MemoryOverload,
		CooldownCPU:    a.cfg.CooldownCPU,
		CooldownWindow: a.cfg.CooldownDuration,
	}
}

// GetOrCreatePool returns the pool for functionKey, creating an empty one
// backed by image if none exists yet.
func (a *Autoscaler) GetOrCreatePool(functionKey, functionName, image string) *pool.Pool {
	if p, ok := a.pools.Load(functionKey); ok {
		return p.(*pool.Pool)
	}
	p := pool.New(functionName, functionKey, image, a.cfg.NetworkHost, a.cfg.MinContainers, a.cfg.MaxContainers, a.thresholds(), a.eng, a.metrics)
	actual, _ := a.pools.LoadOrStore(functionKey, p)
	return actual.(*pool.Pool)
}

// GetContainerForInvocation returns the best container to dispatch to.
// Overloaded containers are returned as a last resort; a new container is
// created on the spot only when the pool has none to route to (it is empty,
// or holds only Idle containers past their safe window) and has room to
// grow.
func (a *Autoscaler) GetContainerForInvocation(ctx context.Context, functionKey, functionName, image string) (pool.Details, error) {
	p := a.GetOrCreatePool(functionKey, functionName, image)

	if details, ok := p.GetHealthiestContainer(); ok {
		p.MarkContainerActive(details.ContainerID)
		return details, nil
	}

	details, err := p.AddContainer(ctx)
	if err != nil {
		return pool.Details{}, err
	}
	p.MarkContainerActive(details.ContainerID)
	return details, nil
}

// GetFunctionLogs streams logs for the given container through the pool's
// engine.
func (a *Autoscaler) GetFunctionLogs(ctx context.Context, containerID string) (<-chan logstream.Message, error) {
	return logstream.Stream(ctx, a.eng, containerID)
}

// PoolStatus is a snapshot of one function's pool, for status reporting.
type PoolStatus struct {
	FunctionKey  string
	FunctionName string
	Size         int
	Min, Max     int
}

// AllPoolStatus returns a snapshot of every managed pool.
func (a *Autoscaler) AllPoolStatus() []PoolStatus {
	var out []PoolStatus
	a.pools.Range(func(key, value any) bool {
		p := value.(*pool.Pool)
		out = append(out, PoolStatus{
			FunctionKey:  key.(string),
			FunctionName: p.FunctionName,
			Size:         p.Size(),
			Min:          p.Min(),
			Max:          p.Max(),
		})
		return true
	})
	return out
}

// Start launches the control loop in the background. Call Stop to shut it
// down cleanly.
func (a *Autoscaler) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.controlLoop(ctx)
}

// Stop halts the control loop and waits for the current tick to finish.
func (a *Autoscaler) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Autoscaler) controlLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs one scaling pass over every pool from this single loop, rather
// than a per-container background task, so scale-up and scale-down
// decisions for a function are never racing each other.
func (a *Autoscaler) tick(ctx context.Context) {
	a.pools.Range(func(key, value any) bool {
		functionKey := key.(string)
		p := value.(*pool.Pool)

		p.UpdateContainersMetrics(ctx)

		if p.NeedsScaleUp() {
			if _, err := p.AddContainer(ctx); err != nil {
				logging.Op().Warn("scale up failed", "function_key", functionKey, "error", err)
			}
		}

		if p.Size() > p.Min() {
			for _, id := range p.GetScaledownCandidates() {
				if p.Size() <= p.Min() {
					break
				}
				if err := p.RemoveContainer(ctx, id); err != nil {
					logging.Op().Warn("scale down failed", "function_key", functionKey, "container", id, "error", err)
					continue
				}
				logging.Op().Info("scaled down idle container", "function_key", functionKey, "container", id)
			}
		}
		return true
	})
}

// RestoreFromStore reconstructs pool state from persistence at startup:
// load metadata, batch-load every persisted pool, reconstruct containers
// without creating new ones, validate against the live engine, and drop
// pools left empty by containers that died while the process was down.
// imageOf resolves a function key back to its container image, since that
// isn't part of the persisted record.
func (a *Autoscaler) RestoreFromStore(ctx context.Context, imageOf func(functionKey string) string) error {
	if meta, ok, err := a.store.LoadMetadata(ctx); err != nil {
		logging.Op().Warn("failed to load persistence metadata", "error", err)
	} else if ok {
		logging.Op().Info("loaded persistence metadata", "total_pools", meta.TotalPools, "last_cleanup", meta.LastCleanup)
	}

	states, err := a.store.LoadAllPoolStates(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(states))
	for _, state := range states {
		p := pool.New(state.FunctionName, state.FunctionKey, imageOf(state.FunctionKey), a.cfg.NetworkHost,
			state.MinContainers, state.MaxContainers, a.thresholds(), a.eng, a.metrics)
		p.Restore(persistence.FromPersisted(state.Containers))
		p.ValidateAndSync(ctx)

		if p.Size() == 0 {
			if err := a.store.DeletePoolState(ctx, state.FunctionKey); err != nil {
				logging.Op().Warn("failed to delete empty restored pool state", "function_key", state.FunctionKey, "error", err)
			}
			continue
		}

		a.pools.Store(state.FunctionKey, p)
		live[state.FunctionKey] = struct{}{}
	}

	if err := a.store.SaveMetadata(ctx, persistence.Metadata{TotalPools: len(live)}); err != nil {
		return err
	}
	return a.store.CleanupStalePools(ctx, live)
}

// PersistAll snapshots every managed pool to the store. Intended to be
// called periodically or on graceful shutdown.
func (a *Autoscaler) PersistAll(ctx context.Context) error {
	var firstErr error
	a.pools.Range(func(key, value any) bool {
		functionKey := key.(string)
		p := value.(*pool.Pool)

		state := persistence.PersistedPoolState{
			FunctionKey:   functionKey,
			FunctionName:  p.FunctionName,
			MinContainers: p.Min(),
			MaxContainers: p.Max(),
			Containers:    persistence.ToPersisted(p.Snapshot()),
			LastUpdated:   time.Now().Unix(),
		}
		if err := a.store.SavePoolState(ctx, state); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
