package pool

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kestrelrun/runtime/internal/containerinfo"
	"github.com/kestrelrun/runtime/internal/engine"
)

type fakeEngine struct {
	mu       sync.Mutex
	running  map[string]bool
	nextID   int
	failCreate bool
	failRemove bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]bool)}
}

func (f *fakeEngine) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", io.ErrUnexpectedEOF
	}
	f.nextID++
	id := spec.Name
	f.running[id] = false
	return id, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = true
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove {
		return io.ErrClosedPipe
	}
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (engine.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return engine.ContainerStatus{}, engine.ErrNotFound
	}
	return engine.ContainerStatus{Running: running}, nil
}

func (f *fakeEngine) AttachOutput(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeEngine) WaitForReady(ctx context.Context, id string) (bool, error) {
	return true, nil
}

func testThresholds() Thresholds {
	return Thresholds{CPUOverload: 80, MemoryOverload: 80, CooldownCPU: 10, CooldownWindow: 100 * time.Millisecond}
}

func TestAddContainerRegistersRunningContainer(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 1, 3, testThresholds(), eng, nil)

	details, err := p.AddContainer(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("expected pool size 1, got %d", p.Size())
	}
	if !eng.running[details.ContainerID] {
		t.Fatal("expected container to be running")
	}
}

func TestAddContainerAtCapacity(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 1, testThresholds(), eng, nil)

	if _, err := p.AddContainer(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.AddContainer(context.Background()); err == nil {
		t.Fatal("expected error when exceeding max")
	}
}

func TestGetHealthiestContainerPrefersOldestHealthy(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	older := containerinfo.New("c1", "c1", 8080, 8001)
	older.LastActive = time.Now().Add(-time.Hour)
	newer := containerinfo.New("c2", "c2", 8080, 8002)

	p.Restore([]containerinfo.Info{older, newer})

	details, ok := p.GetHealthiestContainer()
	if !ok {
		t.Fatal("expected a container")
	}
	if details.ContainerID != "c1" {
		t.Fatalf("expected oldest container c1, got %s", details.ContainerID)
	}
}

func TestGetHealthiestContainerFallsBackToOverloaded(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	overloaded := containerinfo.New("c1", "c1", 8080, 8001).Update(95, 0, 80, 80, 10)
	p.Restore([]containerinfo.Info{overloaded})

	details, ok := p.GetHealthiestContainer()
	if !ok {
		t.Fatal("expected overloaded fallback container")
	}
	if details.ContainerID != "c1" {
		t.Fatalf("got %s, want c1", details.ContainerID)
	}
}

func TestGetHealthiestContainerEmptyPool(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	if _, ok := p.GetHealthiestContainer(); ok {
		t.Fatal("expected no container for empty pool")
	}
}

func TestNeedsScaleUpWhenNoneEligible(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	overloaded := containerinfo.New("c1", "c1", 8080, 8001).Update(95, 0, 80, 80, 10)
	p.Restore([]containerinfo.Info{overloaded})

	if !p.NeedsScaleUp() {
		t.Fatal("expected scale up to be needed")
	}
}

func TestNeedsScaleUpFalseAtMax(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 1, testThresholds(), eng, nil)

	overloaded := containerinfo.New("c1", "c1", 8080, 8001).Update(95, 0, 80, 80, 10)
	p.Restore([]containerinfo.Info{overloaded})

	if p.NeedsScaleUp() {
		t.Fatal("expected no scale up at max capacity")
	}
}

func TestNeedsScaleUpFalseOnEmptyPool(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	if p.NeedsScaleUp() {
		t.Fatal("expected no scale up for an empty pool")
	}
}

func TestNeedsScaleUpFalseWhenNotAllOverloaded(t *testing.T) {
	eng := newFakeEngine()
	th := testThresholds()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, th, eng, nil)

	overloaded := containerinfo.New("c1", "c1", 8080, 8001).Update(95, 0, 80, 80, 10)
	idle := containerinfo.New("c2", "c2", 8080, 8002)
	idle.Status = containerinfo.Idle
	now := time.Now()
	idle.IdleSince = &now
	p.Restore([]containerinfo.Info{overloaded, idle})

	if p.NeedsScaleUp() {
		t.Fatal("expected no scale up when not every container is overloaded")
	}
}

func TestRemoveContainerDropsRecordEvenWhenEngineRemoveFails(t *testing.T) {
	eng := newFakeEngine()
	eng.failRemove = true
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	info := containerinfo.New("c1", "c1", 8080, 8001)
	p.Restore([]containerinfo.Info{info})

	if err := p.RemoveContainer(context.Background(), "c1"); err == nil {
		t.Fatal("expected the engine error to be returned")
	}
	if p.Size() != 0 {
		t.Fatalf("expected record to be dropped despite engine failure, got size %d", p.Size())
	}
}

func TestRemoveContainerSucceeds(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	info := containerinfo.New("c1", "c1", 8080, 8001)
	p.Restore([]containerinfo.Info{info})

	if err := p.RemoveContainer(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Size() != 0 {
		t.Fatalf("expected size 0 after removal, got %d", p.Size())
	}
}

func TestGetScaledownCandidatesDoesNotEnforceMin(t *testing.T) {
	eng := newFakeEngine()
	th := testThresholds()
	p := New("fn", "fn-abc123", "image", "bridge", 5, 10, th, eng, nil)

	idle := containerinfo.New("c1", "c1", 8080, 8001)
	past := time.Now().Add(-time.Hour)
	idle.Status = containerinfo.Idle
	idle.IdleSince = &past
	p.Restore([]containerinfo.Info{idle})

	candidates := p.GetScaledownCandidates()
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate regardless of min, got %d", len(candidates))
	}
}

func TestValidateAndSyncDropsDeadContainers(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	info := containerinfo.New("ghost", "ghost", 8080, 8001)
	p.Restore([]containerinfo.Info{info})

	p.ValidateAndSync(context.Background())

	if p.Size() != 0 {
		t.Fatalf("expected ghost container to be dropped, got size %d", p.Size())
	}
}

func TestMarkContainerActiveClearsIdle(t *testing.T) {
	eng := newFakeEngine()
	p := New("fn", "fn-abc123", "image", "bridge", 0, 5, testThresholds(), eng, nil)

	idle := containerinfo.New("c1", "c1", 8080, 8001)
	now := time.Now()
	idle.Status = containerinfo.Idle
	idle.IdleSince = &now
	p.Restore([]containerinfo.Info{idle})

	p.MarkContainerActive("c1")

	snap := p.Snapshot()
	if len(snap) != 1 || snap[0].Status != containerinfo.Healthy {
		t.Fatalf("expected container to become healthy, got %+v", snap)
	}
}
