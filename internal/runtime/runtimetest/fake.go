// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/botvisor/botvisor/internal/runtime"
)

// Call records one invocation.
type Call struct {
	Op   string
	Name string
}

type container struct {
	spec    runtime.Spec
	running bool
	healthy bool
	exit    int
}

// Runtime is a scriptable fake. Containers start running and healthy unless
// StartUnhealthy is set.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*container
	calls      []Call
	seq        int

	StartErr       error
	StopErr        error
	InspectErr     error
	StartUnhealthy bool
	// IgnoreStop keeps the container running through Stop, forcing escalation.
	IgnoreStop bool
	LogLines   []string
}

func New() *Runtime {
	return &Runtime{containers: map[string]*container{}}
}

func (r *Runtime) record(op, name string) {
	r.calls = append(r.calls, Call{Op: op, Name: name})
}

func (r *Runtime) Start(_ context.Context, spec runtime.Spec) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("start", spec.Name)
	if r.StartErr != nil {
		return runtime.Handle{}, r.StartErr
	}
	if c, ok := r.containers[spec.Name]; ok && c.running {
		return runtime.Handle{}, fmt.Errorf("%w: %s", runtime.ErrNameConflict, spec.Name)
	}
	r.seq++
	r.containers[spec.Name] = &container{spec: spec, running: true, healthy: !r.StartUnhealthy}
	return runtime.Handle{ID: fmt.Sprintf("fake-%d", r.seq), Name: spec.Name}, nil
}

func (r *Runtime) Stop(_ context.Context, h runtime.Handle, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop", h.Name)
	if r.StopErr != nil {
		return r.StopErr
	}
	c, ok := r.containers[h.Name]
	if !ok {
		return runtime.ErrNotFound
	}
	if !r.IgnoreStop {
		c.running, c.healthy = false, false
	}
	return nil
}

func (r *Runtime) ForceRemove(_ context.Context, h runtime.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove", h.Name)
	if _, ok := r.containers[h.Name]; !ok {
		return runtime.ErrNotFound
	}
	delete(r.containers, h.Name)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, h runtime.Handle) (runtime.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InspectErr != nil {
		return runtime.State{}, r.InspectErr
	}
	c, ok := r.containers[h.Name]
	if !ok {
		return runtime.State{}, runtime.ErrNotFound
	}
	st := runtime.State{Running: c.running, Healthy: c.running && c.healthy, Status: "running"}
	if !c.running {
		code := c.exit
		st.ExitCode = &code
		st.Status = "exited"
	}
	return st, nil
}

func (r *Runtime) Logs(_ context.Context, h runtime.Handle, tail int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[h.Name]; !ok {
		return nil, runtime.ErrNotFound
	}
	lines := r.LogLines
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return append([]string(nil), lines...), nil
}

// Exit makes a running container exit with code, as if the bot crashed.
func (r *Runtime) Exit(name string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.running, c.healthy, c.exit = false, false, code
	}
}

// SetHealthy flips the health check result of a running container.
func (r *Runtime) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.healthy = healthy
	}
}

// Exists reports whether a container for name is present.
func (r *Runtime) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[name]
	return ok
}

// Spec returns the spec a container was started with.
func (r *Runtime) Spec(name string) (runtime.Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return runtime.Spec{}, false
	}
	return c.spec, true
}

// Calls returns a copy of the recorded calls.
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times op was called.
func (r *Runtime) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

var _ runtime.Runtime = (*Runtime)(nil)
