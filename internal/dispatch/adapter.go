// Package dispatch runs coding-agent subprocesses with bounded concurrency,
// per-dispatch timeouts, and structured-result extraction.
package dispatch

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/forgeworks/foreman/pkg/models"
)

// Adapter describes how to launch a subprocess for a named agent.
type Adapter struct {
	// Command is the executable to run.
	Command string
	// BaseArgs are always passed to the command.
	BaseArgs []string
	// ModelFlag is the flag used to pass a model override, if supported.
	ModelFlag string
	// MaxTurnsFlag is the flag used to cap agent turns, if supported.
	MaxTurnsFlag string
	// Env is extra environment appended to the subprocess environment.
	Env []string
}

// CommandLine builds the argument list for a dispatch request.
func (a *Adapter) CommandLine(req models.DispatchRequest) []string {
	args := append([]string{}, a.BaseArgs...)

	if req.Model != "" && a.ModelFlag != "" {
		args = append(args, a.ModelFlag, req.Model)
	}
	if req.MaxTurns > 0 && a.MaxTurnsFlag != "" {
		args = append(args, a.MaxTurnsFlag, strconv.Itoa(req.MaxTurns))
	}

	return args
}

// Registry maps agent names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]*Adapter),
	}
}

// Register adds or replaces an adapter under the given agent name.
func (r *Registry) Register(name string, adapter *Adapter) error {
	if name == "" {
		return fmt.Errorf("adapter name must not be empty")
	}
	if adapter == nil || adapter.Command == "" {
		return fmt.Errorf("adapter for %q must have a command", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	return nil
}

// Lookup returns the adapter registered for an agent name.
func (r *Registry) Lookup(name string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a Registry with the built-in adapters.
// The "claude" adapter reads its prompt from stdin and prints free-form
// output ending in a structured result block.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	_ = r.Register("claude", &Adapter{
		Command: "claude",
		BaseArgs: []string{
			"--print",
			"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep,WebFetch",
		},
		ModelFlag:    "--model",
		MaxTurnsFlag: "--max-turns",
	})

	return r
}
