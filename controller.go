package wipi

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"sync"
)

// Controller is the capability a single device exposes. Implementations are
// NOT safe for concurrent use; all concurrency protection is the job of the
// SharedController wrapping them. State values returned from GetState and
// SetState must be snapshots the caller may hold onto freely.
type Controller interface {
	// Name returns the controller's unique name within the process.
	Name() string

	// Baseclass returns the human-readable type tag of the controller,
	// in snake form (e.g. "relay_board").
	Baseclass() string

	// GetState returns the current device-visible state. It must not block
	// on external I/O for more than a few milliseconds.
	GetState() State

	// SetState applies a partial state with merge semantics (keys absent
	// from partial are left unchanged) and returns the new full state.
	// On failure the device is left either fully applied or unchanged.
	// An empty partial is a no-op.
	SetState(partial State) (State, error)

	// Downstream produces a finite or infinite lazy sequence of data
	// chunks for the given query. The sequence stops producing when ctx is
	// canceled or the consumer stops pulling. Producers may yield
	// heartbeat chunks at any time to keep the connection alive.
	Downstream(ctx context.Context, query State) iter.Seq[Chunk]
}

// Base carries the name/baseclass plumbing shared by controller
// implementations, plus the default empty Downstream. Embed it and override
// what the device actually supports.
type Base struct {
	name      string
	baseclass string
}

// NewBase creates the common controller base. The baseclass is typically
// derived from the implementation type name via Snake.
func NewBase(name, baseclass string) Base {
	return Base{name: name, baseclass: baseclass}
}

// Name implements Controller.
func (b Base) Name() string { return b.name }

// Baseclass implements Controller.
func (b Base) Baseclass() string { return b.baseclass }

// Downstream implements Controller with an empty sequence, so controllers
// with nothing to stream don't have to implement it.
func (b Base) Downstream(ctx context.Context, query State) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {}
}

var (
	snakeFirstCapRE = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	snakeAllCapRE   = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// Snake converts a CamelCase identifier to snake_case, per dotted-path
// component ("controller.RelayBoard" becomes "controller.relay_board").
func Snake(camel string) string {
	parts := strings.Split(camel, ".")
	for i, p := range parts {
		p = snakeFirstCapRE.ReplaceAllString(p, "${1}_${2}")
		p = snakeAllCapRE.ReplaceAllString(p, "${1}_${2}")
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// Registry holds the controller instances built at bootstrap. It replaces
// any notion of a process-global controller list: the binary constructs one
// explicitly and hands it to the backend.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
	order       []string
}

// NewRegistry creates an empty controller registry.
func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]Controller),
	}
}

// Add registers a controller instance. Names must be unique.
func (r *Registry) Add(ctrl Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := ctrl.Name()
	if _, exists := r.controllers[name]; exists {
		return fmt.Errorf("duplicate controller name %q", name)
	}
	r.controllers[name] = ctrl
	r.order = append(r.order, name)
	return nil
}

// Get returns the controller with the given name.
func (r *Registry) Get(name string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrl, ok := r.controllers[name]
	return ctrl, ok
}

// Names returns the registered controller names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
