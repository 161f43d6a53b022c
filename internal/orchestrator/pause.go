// Package orchestrator drives work items through the delivery pipeline:
// story creation, development, review and fix cycles, with bounded
// concurrency across conflict groups and pause/resume control.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
)

var errStopped = errors.New("orchestrator stopped")

// PauseController gates pipeline progress at phase boundaries.
// Pausing never interrupts an in-flight phase; stories block at their
// next checkpoint until resumed or stopped.
//
// The gate is a channel that is closed while open: Pause swaps in a
// fresh channel, Resume closes the current one, and waiters block on a
// receive. Stop closes a separate channel that releases every waiter
// with an error, permanently.
type PauseController struct {
	mu      sync.Mutex
	open    chan struct{}
	stopped chan struct{}
}

// NewPauseController creates a PauseController with the gate open.
func NewPauseController() *PauseController {
	p := &PauseController{
		open:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	close(p.open)
	return p
}

// Pause blocks further phase transitions. Idempotent.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.open:
		p.open = make(chan struct{})
		log.Printf("[orchestrator] paused - stories will hold at their next phase boundary")
	default:
	}
}

// Resume releases paused stories. Idempotent.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.open:
	default:
		close(p.open)
		log.Printf("[orchestrator] resumed")
	}
}

// Stop permanently releases all waiters with an error. Used on shutdown.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
}

// IsPaused reports whether the gate is currently closed.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	select {
	case <-open:
		return false
	default:
		return true
	}
}

// IsStopped reports whether the controller was stopped.
func (p *PauseController) IsStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// Wait blocks while paused. Pause/resume cycles that land mid-wait are
// waited out in turn: Wait returns nil only once the gate it passed is
// still the current one. Returns an error when the context is cancelled
// or the controller stopped, in which case the caller must abandon its
// story without further side effects.
func (p *PauseController) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		open := p.open
		p.mu.Unlock()

		select {
		case <-p.stopped:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-open:
		}

		select {
		case <-p.stopped:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.mu.Lock()
		current := p.open == open
		p.mu.Unlock()
		if current {
			return nil
		}
	}
}
