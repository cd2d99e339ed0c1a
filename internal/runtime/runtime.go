package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	ErrImagePullFailed     = errors.New("image pull failed")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrRuntimeUnresponsive = errors.New("runtime unresponsive")
	ErrNameConflict        = errors.New("container name in use")
	ErrNotFound            = errors.New("container not found")
)

// Spec describes one bot container.
type Spec struct {
	Name   string
	Image  string
	Env    map[string]string
	Dirs   Dirs
	Labels map[string]string
}

// Handle identifies a started container.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// State is the observed container state.
type State struct {
	Running bool
	// Healthy is true when the container runs and any health check passes.
	Healthy  bool
	ExitCode *int
	Status   string
}

// Exited reports whether the container has stopped.
func (s State) Exited() bool { return !s.Running }

// Runtime starts and supervises isolated bot containers. Calls block until
// the runtime answers or ctx ends.
type Runtime interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	ForceRemove(ctx context.Context, h Handle) error
	Inspect(ctx context.Context, h Handle) (State, error)
	Logs(ctx context.Context, h Handle, tail int) ([]string, error)
}
