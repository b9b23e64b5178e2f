// Package health aggregates readiness checks for the backend's dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Checker probes one subsystem. Implementations should honor ctx; the
// caller bounds the whole CheckAll run with a deadline.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them in registration order.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Safe for concurrent use.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports aggregate health plus the
// per-subsystem results. The registry stamps each result with its
// registered name and measured latency.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(checkers))

	for i, nc := range checkers {
		start := time.Now()
		st := nc.check(ctx)
		st.Name = nc.name
		st.Latency = time.Since(start).Round(time.Microsecond).String()
		if !st.Healthy {
			healthy = false
		}
		statuses[i] = st
	}

	return healthy, statuses
}
