package core

import "sync"

// Context is the per-session scratch space steps use to hand values to the
// steps that follow them.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (c *Context) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}
