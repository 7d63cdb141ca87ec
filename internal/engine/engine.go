// Package engine is the thin capability surface over a container runtime:
// create, start, attach-to-network, inspect, remove, stream-logs. Backed by
// the real Docker Engine SDK rather than shelling out to the docker CLI.
package engine

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Inspect when the container no longer exists.
var ErrNotFound = errors.New("engine: container not found")

// ContainerStatus is the narrow view of container state the rest of the
// system needs.
type ContainerStatus struct {
	Running bool
}

// ContainerSpec describes a container to create. Port is the fixed
// container-side listen port (always 8080 per the spec); BindPort is the
// random host port chosen by the caller.
type ContainerSpec struct {
	Image    string
	Name     string
	Port     int
	BindPort int
	Network  string
	// Timeout, if non-zero, force-removes the container after this
	// duration regardless of activity (original_source's per-container
	// lifetime cap, carried forward as an optional capability).
	Timeout int64 // seconds, 0 = unlimited
}

// Engine abstracts the container runtime. Implementations must be safe for
// concurrent use; no method may be called while holding a pool lock.
type Engine interface {
	Create(ctx context.Context, spec ContainerSpec) (id string, err error)
	Start(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (ContainerStatus, error)
	AttachOutput(ctx context.Context, id string) (io.ReadCloser, error)
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
	// WaitForReady blocks until the container signals readiness or
	// StartupBudget elapses, whichever comes first. A timeout is not
	// treated as an error: it returns (false, nil) so the caller can log a
	// warning and proceed anyway, matching the original runtime's
	// best-effort readiness probe.
	WaitForReady(ctx context.Context, id string) (ready bool, err error)
}

// BytesInMB / memory cap / cpu constants mirror the original runtime
// exactly (original_source/runtime/src/core/runner.rs).
const (
	bytesInMB     = 1024 * 1024
	Size256MB     = 256 * bytesInMB
	NumCPUs       = 2.0
	cfsPeriodUS   = 100000
	ReadyMarker   = "<<READY_TO_ACCEPT_CONN>>"
	StartupBudget = 1 // seconds
)

// CPUQuota computes the CFS period/quota pair for a given vCPU count,
// matching original_source's cpu_limits(cpus) -> (period, quota) helper.
func CPUQuota(cpus float64) (period, quota int64) {
	period = cfsPeriodUS
	quota = int64(cfsPeriodUS * cpus)
	return period, quota
}
