// Package workflow implements the phase collaborators the orchestrator
// drives: story creation, development, review, and fix dispatches, plus
// the complexity analyzer and batch planner that decide how development
// work is split.
package workflow

import (
	"github.com/forgeworks/foreman/internal/dispatch"
	"github.com/forgeworks/foreman/pkg/models"
)

// Handle is the view of an in-flight dispatch that workflows consume.
// Satisfied by *dispatch.Handle.
type Handle interface {
	ID() string
	Status() models.DispatchStatus
	Result() <-chan models.DispatchResult
	Cancel()
}

// Dispatcher is the contract workflows and the orchestrator depend on.
// Satisfied by EngineDispatcher; tests substitute fakes.
type Dispatcher interface {
	Dispatch(req models.DispatchRequest) Handle
	Pending() int
	Running() int
	Shutdown()
}

// EngineDispatcher adapts *dispatch.Engine to the Dispatcher contract.
type EngineDispatcher struct {
	Engine *dispatch.Engine
}

func (d EngineDispatcher) Dispatch(req models.DispatchRequest) Handle {
	return d.Engine.Dispatch(req)
}

func (d EngineDispatcher) Pending() int { return d.Engine.Pending() }

func (d EngineDispatcher) Running() int { return d.Engine.Running() }

func (d EngineDispatcher) Shutdown() { d.Engine.Shutdown() }
