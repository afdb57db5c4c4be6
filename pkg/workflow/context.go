package workflow

import (
	"encoding/json"
	"sync"
)

// Context is the mutable key/value bag shared by all steps of a run.
// One instance exists per run; step outputs are stored under the step's
// name so later steps can read them. Steps within a run never execute
// concurrently, but the distributed path merges worker reports from
// server goroutines, so access is guarded.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext returns a Context seeded with the given initial values.
// A nil map yields an empty context.
func NewContext(initial map[string]any) *Context {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Context{values: values}
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value under key, overwriting any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// Snapshot returns a shallow copy of the current contents.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]any, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	return snapshot
}

// MarshalJSON serializes the current contents.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}
