package pending

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDSource hands out correlation ids.
type IDSource interface {
	Next() string
}

// Counter is a monotonically increasing id source scoped to its owner.
// Ids look like "<prefix>-<n>" starting at 1.
type Counter struct {
	prefix string
	n      atomic.Uint64
}

// NewCounter returns a counter whose ids carry prefix.
func NewCounter(prefix string) *Counter {
	return &Counter{prefix: prefix}
}

// Next returns the next id.
func (c *Counter) Next() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.n.Add(1))
}

// UUIDSource produces random ids, optionally prefixed.
type UUIDSource struct {
	Prefix string
}

// Next returns a fresh UUID-based id.
func (u UUIDSource) Next() string {
	if u.Prefix == "" {
		return uuid.NewString()
	}
	return u.Prefix + "-" + uuid.NewString()
}

// IDFunc adapts a function to IDSource.
type IDFunc func() string

// Next calls f.
func (f IDFunc) Next() string { return f() }
