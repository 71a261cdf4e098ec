// Package health runs named subsystem checks for the /health endpoint:
// the stores the pipeline depends on and the failsafe mode.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the result of one check.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// Checker probes one subsystem. The registry fills in Name and Latency.
type Checker func(ctx context.Context) Status

// Registry holds checks in registration order. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds check under name. Registering a name again replaces the check
// and keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// Names returns the registered check names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// CheckAll runs every check concurrently and reports whether all passed.
// Statuses come back in registration order. A check that panics is
// reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checks[n]
	}
	r.mu.RUnlock()

	statuses = make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, names[i], checks[i])
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}

func run(ctx context.Context, name string, check Checker) (st Status) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			st = Status{Healthy: false, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
		st.Name = name
		st.Latency = time.Since(start)
	}()
	return check(ctx)
}
