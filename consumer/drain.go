// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"sync"
)

// DrainGate tracks the backlog that existed across all queues when
// consumption started. Dependent subsystems wait on it before doing work that
// assumes the startup backlog has been applied.
type DrainGate struct {
	mu       sync.Mutex
	pending  int
	draining bool
	armed    bool
	done     chan struct{}
}

// NewDrainGate creates a gate in the draining state.
func NewDrainGate() *DrainGate {
	return &DrainGate{
		draining: true,
		done:     make(chan struct{}),
	}
}

// Add records n pre-existing messages counted before subscribing.
func (g *DrainGate) Add(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending += n
}

// Arm marks counting as finished. If nothing was pending the gate releases
// immediately.
func (g *DrainGate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	if g.draining && g.pending <= 0 {
		g.release()
	}
}

// Ack records one successful acknowledgment. It reports whether the ack was
// counted against the startup backlog. The gate releases exactly once, when
// the pending count reaches zero after arming.
func (g *DrainGate) Ack() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.draining {
		return false
	}
	g.pending--
	if g.armed && g.pending <= 0 {
		g.release()
	}
	return true
}

// release flips the gate open. Callers must hold g.mu.
func (g *DrainGate) release() {
	g.draining = false
	close(g.done)
}

// Drained reports whether the startup backlog has been fully acknowledged.
func (g *DrainGate) Drained() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.draining
}

// Wait blocks until the gate releases or ctx expires. Waiting on an already
// released gate returns immediately; the wait is idempotent.
func (g *DrainGate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
