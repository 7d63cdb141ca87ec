// Package containerinfo implements the per-container record and its status
// state machine: Healthy, Overloaded, Idle, driven by periodic metric
// samples and request-dispatch activity marks.
package containerinfo

import (
	"math"
	"time"
)

// Status is one of the three states a container can be in.
type Status string

const (
	Healthy    Status = "healthy"
	Overloaded Status = "overloaded"
	Idle       Status = "idle"
)

// Info is the mutable record for a single container, owned by exactly one
// pool. Callers must treat values as copy-on-write: read a copy, call a
// method that returns a new value, write the new value back under the
// pool's own locking.
type Info struct {
	ID       string
	Name     string
	Port     int // fixed container-side port (8080)
	BindPort int // host-side bind port
	Status   Status
	// LastActive is the monotonic timestamp of the last dispatched request.
	LastActive time.Time
	// IdleSince is set the instant Status transitions into Idle and cleared
	// on any transition out of Idle. Non-nil iff Status == Idle.
	IdleSince *time.Time
}

// New returns a freshly created container record: Healthy, no idle timer,
// last active set to now.
func New(id, name string, port, bindPort int) Info {
	now := time.Now()
	return Info{
		ID:         id,
		Name:       name,
		Port:       port,
		BindPort:   bindPort,
		Status:     Healthy,
		LastActive: now,
	}
}

// Update applies a fresh metric sample and returns the container with its
// status (and idle timer) recomputed. The caller supplies the thresholds
// rather than the record carrying them, since thresholds are pool-wide
// configuration, not per-container state.
//
// Transition rule (checked in order):
//
//	cpu > cpuOverload || mem > memOverload  -> Overloaded (clears idle_since)
//	cpu <= cooldownCPU                      -> Idle (sets idle_since if not already Idle)
//	otherwise                                -> Healthy (clears idle_since)
//
// A NaN or infinite cpu or mem sample is treated as 0.
func (c Info) Update(cpu, mem, cpuOverload, memOverload, cooldownCPU float64) Info {
	if math.IsNaN(cpu) || math.IsInf(cpu, 0) {
		cpu = 0
	}
	if math.IsNaN(mem) || math.IsInf(mem, 0) {
		mem = 0
	}
	switch {
	case cpu > cpuOverload || mem > memOverload:
		c.Status = Overloaded
		c.IdleSince = nil
	case cpu <= cooldownCPU:
		if c.Status != Idle {
			now := time.Now()
			c.IdleSince = &now
		}
		c.Status = Idle
	default:
		c.Status = Healthy
		c.IdleSince = nil
	}
	return c
}

// MarkActive records a dispatch against this container. An Idle container
// becomes Healthy immediately, clearing its idle timer.
func (c Info) MarkActive() Info {
	c.LastActive = time.Now()
	if c.Status == Idle {
		c.Status = Healthy
		c.IdleSince = nil
	}
	return c
}

// EligibleForScaledown reports whether this container has been Idle for at
// least cooldown since it went idle.
func (c Info) EligibleForScaledown(cooldown time.Duration) bool {
	if c.Status != Idle || c.IdleSince == nil {
		return false
	}
	return time.Since(*c.IdleSince) >= cooldown
}

// WithinSafeWindow reports whether an Idle container is still inside the
// prefix of its cooldown where dispatch may safely route to it: it is
// guaranteed not to be reaped by the next control-loop tick. The window
// ends 5s before the container becomes a scale-down candidate.
const safeWindowMargin = 5 * time.Second

func (c Info) WithinSafeWindow(cooldown time.Duration) bool {
	if c.Status != Idle || c.IdleSince == nil {
		return false
	}
	limit := cooldown - safeWindowMargin
	if limit < 0 {
		return false
	}
	return time.Since(*c.IdleSince) <= limit
}
