package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action is a runnable a trigger can admit into the scheduler.
type Action func(ctx context.Context) error

var (
	// ErrActionNameEmpty is returned when registering under a blank name.
	ErrActionNameEmpty = errors.New("trigger: action name is empty")
	// ErrActionNil is returned when registering a nil action.
	ErrActionNil = errors.New("trigger: action is nil")
	// ErrActionExists is returned when an action name is taken.
	ErrActionExists = errors.New("trigger: action already registered")
	// ErrActionUnknown is returned for trigger defs naming an unregistered action.
	ErrActionUnknown = errors.New("trigger: unknown action")
)

// Registry maps action names to runnables so config-declared triggers can
// reference work by name.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: map[string]Action{}}
}

// Register binds name to fn. Names are unique; re-registering is an error so
// wiring mistakes surface at startup.
func (r *Registry) Register(name string, fn Action) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrActionNameEmpty
	}
	if fn == nil {
		return ErrActionNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actions[name]; dup {
		return fmt.Errorf("%w: %s", ErrActionExists, name)
	}
	r.actions[name] = fn
	return nil
}

// Lookup returns the action bound to name.
func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
