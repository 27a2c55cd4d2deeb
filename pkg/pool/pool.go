// Package pool provides object pooling for the record hot path.
//
// A sync over a large entity moves millions of record maps from the API
// response decoder to the Singer writer. Pooling those maps keeps the
// per-record allocation count flat regardless of sync size.
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool with hit/miss statistics.
// It wraps sync.Pool with an optional reset hook that runs before an
// object is returned to the pool. Safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		hits   int64
		misses int64
	}
}

// New creates a typed pool. newFn is called when the pool is empty;
// reset, if non-nil, is called on every Put before the object is recycled.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.misses, 1)
		return newFn()
	}
	return p
}

// Get retrieves an object from the pool, allocating one if necessary.
func (p *Pool[T]) Get() T {
	obj := p.pool.Get().(T)
	atomic.AddInt64(&p.stats.hits, 1)
	return obj
}

// Put returns an object to the pool after resetting it.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// Stats reports pool activity. hits counts every Get; misses counts the
// subset that had to allocate.
func (p *Pool[T]) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&p.stats.hits), atomic.LoadInt64(&p.stats.misses)
}

// Global map pool for record payloads. Records decoded from API pages are
// coerced in place and released back here once the writer has serialized
// them.
var mapPool = New(
	func() map[string]interface{} {
		return make(map[string]interface{}, 32)
	},
	func(m map[string]interface{}) {
		for k := range m {
			delete(m, k)
		}
	},
)

// GetMap retrieves an empty map from the global record pool.
func GetMap() map[string]interface{} {
	return mapPool.Get()
}

// PutMap returns a map to the global record pool. The caller must not
// retain any reference to the map or its values afterward.
func PutMap(m map[string]interface{}) {
	if m == nil {
		return
	}
	mapPool.Put(m)
}

// MapPoolStats reports hit/miss counters for the global record pool.
func MapPoolStats() (hits, misses int64) {
	return mapPool.Stats()
}
