// Package idalloc allocates process-local link identifiers.
package idalloc

import (
	"sync/atomic"

	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

// Counter is a monotonic identifier source starting at 1.
// It is safe for concurrent use.
type Counter struct {
	last atomic.Int64
}

// Default is the process-wide counter used when no allocator is injected.
var Default = New()

// New returns a counter whose first identifier is 1.
func New() *Counter {
	return &Counter{}
}

// Next returns the next identifier.
func (c *Counter) Next() int {
	return int(c.last.Add(1))
}

// Reset makes the next identifier 1 again. Intended for test isolation.
func (c *Counter) Reset() {
	c.last.Store(0)
}

var _ link.IDAllocator = (*Counter)(nil)
