// Package faultline watches the gate driver's active-low nFAULT output.
package faultline

import (
	"context"
	"sync"
)

// edgeLatch turns falling-edge callbacks into a wait-able, sticky assertion.
// nFAULT is only sampled at start-up; after that, edges drive it.
type edgeLatch struct {
	once     sync.Once
	asserted chan struct{}
}

func newEdgeLatch() *edgeLatch {
	return &edgeLatch{asserted: make(chan struct{})}
}

func (e *edgeLatch) assert() {
	e.once.Do(func() { close(e.asserted) })
}

func (e *edgeLatch) wait(ctx context.Context) error {
	select {
	case <-e.asserted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
