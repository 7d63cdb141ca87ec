// Package pool implements the per-function container pool: the set of live
// containers backing one function, their health bookkeeping, and the
// policies for picking a container to dispatch to or retire.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kestrelrun/runtime/internal/containerinfo"
	"github.com/kestrelrun/runtime/internal/engine"
	"github.com/kestrelrun/runtime/internal/logging"
	"github.com/kestrelrun/runtime/internal/metricsclient"
	"golang.org/x/sync/semaphore"
)

// Thresholds bundles the monitoring configuration shared by every container
// in a pool.
type Thresholds struct {
	CPUOverload    float64
	MemoryOverload float64
	CooldownCPU    float64
	CooldownWindow time.Duration
}

// Details is what a caller needs to dispatch an invocation to a container.
type Details struct {
	ContainerID   string
	ContainerName string
	ContainerPort int
	BindPort      int
}

// Pool owns the containers backing a single function. All mutation goes
// through the exported methods; callers never see a raw lock.
type Pool struct {
	FunctionName string
	FunctionKey  string

	mu         sync.RWMutex
	containers map[string]containerinfo.Info

	thresholds Thresholds
	min, max   int
	network    string
	image      string

	eng     engine.Engine
	metrics *metricsclient.Client

	// creation bounds concurrent AddContainer calls to max slots; together
	// with AddContainer's size checks, a burst of concurrent scale-up
	// decisions cannot overshoot Max.
	creation *semaphore.Weighted
}

// New constructs an empty pool for functionKey, wired to the given engine
// and metrics client.
func New(functionName, functionKey, image, network string, min, max int, thresholds Thresholds, eng engine.Engine, metrics *metricsclient.Client) *Pool {
	return &Pool{
		FunctionName: functionName,
		FunctionKey:  functionKey,
		containers:   make(map[string]containerinfo.Info),
		thresholds:   thresholds,
		min:          min,
		max:          max,
		network:      network,
		image:        image,
		eng:          eng,
		metrics:      metrics,
		creation:     semaphore.NewWeighted(int64(max)),
	}
}

// Size returns the current container count.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.containers)
}

// AddContainer creates and starts a new container, registering it in the
// pool once it is running. It fails without creating anything if the pool
// already holds Max containers, and a container whose creation finishes
// after concurrent adds have filled the pool is removed again, so the pool
// stays bounded at Max. The creation semaphore caps how many containers may
// be in flight at once.
func (p *Pool) AddContainer(ctx context.Context) (Details, error) {
	if !p.creation.TryAcquire(1) {
		return Details{}, fmt.Errorf("pool %s: at capacity (%d)", p.FunctionName, p.max)
	}
	defer p.creation.Release(1)

	if p.Size() >= p.max {
		return Details{}, fmt.Errorf("pool %s: at capacity (%d)", p.FunctionName, p.max)
	}

	name := randomContainerName()
	bindPort := randomPort()

	spec := engine.ContainerSpec{
		Image:    p.image,
		Name:     name,
		Port:     8080,
		BindPort: bindPort,
		Network:  p.network,
	}

	id, err := p.eng.Create(ctx, spec)
	if err != nil {
		return Details{}, fmt.Errorf("add container to pool %s: %w", p.FunctionName, err)
	}
	if err := p.eng.Start(ctx, id); err != nil {
		_ = p.eng.Remove(context.Background(), id, true)
		return Details{}, fmt.Errorf("start container for pool %s: %w", p.FunctionName, err)
	}

	if ready, err := p.eng.WaitForReady(ctx, id); err == nil && !ready {
		logging.Op().Warn("container did not signal readiness within startup budget, proceeding anyway",
			"function", p.FunctionName, "container", name)
	}

	info := containerinfo.New(id, name, 8080, bindPort)

	p.mu.Lock()
	if len(p.containers) >= p.max {
		p.mu.Unlock()
		_ = p.eng.Remove(context.Background(), id, true)
		return Details{}, fmt.Errorf("pool %s: at capacity (%d)", p.FunctionName, p.max)
	}
	p.containers[id] = info
	p.mu.Unlock()

	logging.Op().Info("added container to pool", "function", p.FunctionName, "container", name)

	return Details{ContainerID: id, ContainerName: name, ContainerPort: 8080, BindPort: bindPort}, nil
}

// UpdateContainersMetrics fans out a metrics fetch across every container in
// the pool concurrently. A fetch that fails or panics leaves that
// container's record untouched; it is logged, not propagated.
func (p *Pool) UpdateContainersMetrics(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Op().Error("panic updating container metrics", "container", id, "panic", r)
				}
			}()

			cpu, err := p.metrics.CPUPercent(ctx, id)
			if err != nil {
				logging.Op().Warn("failed to fetch cpu metric", "container", id, "error", err)
				return
			}
			mem, err := p.metrics.MemoryPercent(ctx, id)
			if err != nil {
				logging.Op().Warn("failed to fetch memory metric", "container", id, "error", err)
				return
			}

			p.mu.Lock()
			info, ok := p.containers[id]
			if ok {
				p.containers[id] = info.Update(cpu, mem, p.thresholds.CPUOverload, p.thresholds.MemoryOverload, p.thresholds.CooldownCPU)
			}
			p.mu.Unlock()
		}(id)
	}
	wg.Wait()
}

// GetHealthiestContainer picks a container to dispatch an invocation to:
// Healthy containers and Idle containers still within their safe window,
// oldest-last-active first; Overloaded containers only as a last resort;
// nothing if the pool is empty.
func (p *Pool) GetHealthiestContainer() (Details, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var eligible []containerinfo.Info
	var overloaded []containerinfo.Info
	for _, c := range p.containers {
		switch {
		case c.Status == containerinfo.Healthy:
			eligible = append(eligible, c)
		case c.Status == containerinfo.Idle && c.WithinSafeWindow(p.thresholds.CooldownWindow):
			eligible = append(eligible, c)
		case c.Status == containerinfo.Overloaded:
			overloaded = append(overloaded, c)
		}
	}

	if len(eligible) == 0 {
		if len(overloaded) == 0 {
			return Details{}, false
		}
		logging.Op().Warn("no healthy containers available, using overloaded container", "function", p.FunctionName)
		sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].LastActive.Before(overloaded[j].LastActive) })
		return toDetails(overloaded[0]), true
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].LastActive.Before(eligible[j].LastActive) })
	return toDetails(eligible[0]), true
}

func toDetails(c containerinfo.Info) Details {
	return Details{ContainerID: c.ID, ContainerName: c.Name, ContainerPort: c.Port, BindPort: c.BindPort}
}

// MarkContainerActive records a dispatch against containerID.
func (p *Pool) MarkContainerActive(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.containers[containerID]; ok {
		p.containers[containerID] = info.MarkActive()
	}
}

// NeedsScaleUp reports whether the pool should grow by one container: the
// pool is non-empty, below Max, and every container is Overloaded.
func (p *Pool) NeedsScaleUp() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.containers) == 0 {
		return false
	}
	if len(p.containers) >= p.max {
		return false
	}
	for _, c := range p.containers {
		if c.Status != containerinfo.Overloaded {
			return false
		}
	}
	return true
}

// GetScaledownCandidates returns containers eligible for removal: Idle for
// at least CooldownWindow. This deliberately does not enforce the
// min-containers floor — that check lives in the autoscaler's control loop,
// which owns the decision of how many candidates to actually remove.
func (p *Pool) GetScaledownCandidates() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []string
	for id, c := range p.containers {
		if c.EligibleForScaledown(p.thresholds.CooldownWindow) {
			candidates = append(candidates, id)
		}
	}
	return candidates
}

// RemoveContainer drops containerID's record from the pool, then asks the
// engine to remove it. The record is gone from the pool regardless of
// whether the engine removal succeeds, so a transient engine error can't
// wedge a scale-down candidate in the pool forever; a container the engine
// failed to remove is left for its own auto-remove/validation to clean up.
func (p *Pool) RemoveContainer(ctx context.Context, containerID string) error {
	p.mu.Lock()
	delete(p.containers, containerID)
	p.mu.Unlock()

	if err := p.eng.Remove(ctx, containerID, true); err != nil {
		return fmt.Errorf("remove container %s from pool %s: %w", containerID, p.FunctionName, err)
	}
	return nil
}

// Min and Max expose the pool's configured container bounds.
func (p *Pool) Min() int { return p.min }
func (p *Pool) Max() int { return p.max }

// ValidateAndSync drops any container record whose backing container is no
// longer running, reconciling the pool's view with engine reality. Used
// after restoring pool state from persistence, where containers may have
// died while the process was down.
func (p *Pool) ValidateAndSync(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		status, err := p.eng.Inspect(ctx, id)
		if err != nil || !status.Running {
			p.mu.Lock()
			delete(p.containers, id)
			p.mu.Unlock()
		}
	}
}

// Snapshot returns a point-in-time copy of every container's info, for
// persistence or status reporting. Never hold the pool lock across I/O;
// callers must copy out via this method first.
func (p *Pool) Snapshot() []containerinfo.Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]containerinfo.Info, 0, len(p.containers))
	for _, c := range p.containers {
		out = append(out, c)
	}
	return out
}

// Restore seeds the pool's container map directly, used when reconstructing
// from persisted state at startup. Callers are responsible for validating
// the containers still exist afterward via ValidateAndSync.
func (p *Pool) Restore(containers []containerinfo.Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range containers {
		p.containers[c.ID] = c
	}
}

func randomContainerName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "c-" + string(b)
}

func randomPort() int {
	return 8000 + rand.Intn(1000)
}
