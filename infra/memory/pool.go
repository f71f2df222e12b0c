package memory

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed object pool. Trim discards pooled objects so the next
// collection can return their memory.
type Pool[T any] struct {
	p     atomic.Pointer[sync.Pool]
	ctor  func() *T
	reset func(*T)
}

// NewPool creates a pool. reset, if non-nil, runs on every Put.
func NewPool[T any](ctor func() *T, reset func(*T)) *Pool[T] {
	p := &Pool[T]{ctor: ctor, reset: reset}
	p.p.Store(p.fresh())
	return p
}

func (p *Pool[T]) fresh() *sync.Pool {
	return &sync.Pool{New: func() any { return p.ctor() }}
}

func (p *Pool[T]) Get() *T {
	return p.p.Load().Get().(*T)
}

func (p *Pool[T]) Put(v *T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.p.Load().Put(v)
}

// Trim drops every pooled object.
func (p *Pool[T]) Trim() {
	p.p.Store(p.fresh())
}

// Trimmer is anything holding memory it can release on request.
type Trimmer interface {
	Trim()
}
