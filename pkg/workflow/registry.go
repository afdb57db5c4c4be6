package workflow

import (
	"fmt"
	"sync"
)

// Registry maps action names to their implementations. It is an
// explicit object owned by whoever constructs a runner or worker; no
// process-wide registry exists.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register binds an action under name. Re-registering a name is an
// error so two components cannot silently shadow each other.
func (r *Registry) Register(name string, action Action) error {
	if name == "" {
		return fmt.Errorf("empty action name")
	}
	if action == nil {
		return fmt.Errorf("nil action for '%s'", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action '%s' already registered", name)
	}
	r.actions[name] = action
	return nil
}

// RegisterFunc binds a plain function under name.
func (r *Registry) RegisterFunc(name string, fn ActionFunc) error {
	return r.Register(name, fn)
}

// Resolve returns the action registered under name.
func (r *Registry) Resolve(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}
