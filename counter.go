package coord

import (
	"sync"
)

// Counter is an integer whose every read and write happens under a single
// mutex. The zero value is ready to use.
type Counter struct {
	mu    sync.Mutex
	value int64
}

// NewCounter returns a Counter starting at zero.
func NewCounter() *Counter {
	return &Counter{}
}

// Increment adds one to the counter and returns the value it observed inside
// the critical section.
func (c *Counter) Increment() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value++

	return c.value
}

// Read returns the current value.
func (c *Counter) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value
}
