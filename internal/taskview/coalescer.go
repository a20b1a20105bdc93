package taskview

import "sync"

// Coalescer buffers the latest value per key until drained.
type Coalescer[T any] struct {
	mu      sync.Mutex
	pending map[string]T
	order   []string
}

func NewCoalescer[T any]() *Coalescer[T] {
	return &Coalescer[T]{pending: make(map[string]T)}
}

// Put replaces any buffered value for key.
func (c *Coalescer[T]) Put(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		c.order = append(c.order, key)
	}
	c.pending[key] = v
}

// Drop discards the buffered value for key.
func (c *Coalescer[T]) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return
	}
	delete(c.pending, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Drain returns buffered values in first-put order and empties the buffer.
func (c *Coalescer[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.pending[k])
	}
	c.pending = make(map[string]T)
	c.order = nil
	return out
}

func (c *Coalescer[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
