package spead

import (
	"context"
	"sync"
)

// Promise is a Future completed by Resolve.
type Promise struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewPromise returns an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolved returns a Promise already completed with err.
func Resolved(err error) *Promise {
	p := NewPromise()
	p.Resolve(err)
	return p
}

// Resolve completes the promise. Only the first call has an effect.
func (p *Promise) Resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Wait implements Future.
func (p *Promise) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
