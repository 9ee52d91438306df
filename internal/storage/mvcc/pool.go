// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"sync"
)

// VersionPool recycles version structs between chain installs and
// reclamation.
type VersionPool[T any] struct {
	pool sync.Pool
}

// NewVersionPool creates an empty pool.
func NewVersionPool[T any]() *VersionPool[T] {
	return &VersionPool[T]{
		pool: sync.Pool{
			New: func() any {
				return &version[T]{}
			},
		},
	}
}

// Get retrieves a version from the pool or allocates a fresh one.
func (p *VersionPool[T]) Get() *version[T] {
	return p.pool.Get().(*version[T])
}

// Put resets a version and returns it to the pool. The caller must have
// unlinked it behind an epoch barrier first.
func (p *VersionPool[T]) Put(v *version[T]) {
	var zero T
	v.wtid = 0
	v.val = zero
	v.tomb = false
	v.next.Store(nil)
	p.pool.Put(v)
}
