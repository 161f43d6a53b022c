package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/foreman/internal/config"
	"github.com/forgeworks/foreman/internal/events"
	"github.com/forgeworks/foreman/pkg/models"
)

const (
	// defaultMaxConcurrency bounds concurrent subprocesses when unset.
	defaultMaxConcurrency = 3
	// defaultGracePeriod is the SIGTERM-to-SIGKILL wait during shutdown.
	defaultGracePeriod = 5 * time.Second
	// defaultMaxKillWait bounds the shutdown drain poll.
	defaultMaxKillWait = 30 * time.Second
	// drainPollInterval is how often shutdown re-checks the active set.
	drainPollInterval = 100 * time.Millisecond
)

// EngineConfig contains configuration options for the Engine.
type EngineConfig struct {
	// MaxConcurrency is the ceiling on concurrently running subprocesses.
	MaxConcurrency int
	// Timeouts provides per-task-type deadline defaults.
	Timeouts config.TimeoutsConfig
	// GracePeriod is how long shutdown waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// MaxKillWait bounds the shutdown drain poll.
	MaxKillWait time.Duration
	// Registry maps agent names to subprocess adapters.
	// If nil, DefaultRegistry is used.
	Registry *Registry
	// Bus receives agent lifecycle and output notifications.
	// If nil, no events are published.
	Bus *events.Bus
}

// Engine dispatches agent subprocesses with a global concurrency ceiling.
// Requests beyond the ceiling queue FIFO; a slot is reserved synchronously
// at dispatch time so the ceiling is never exceeded, even during the
// asynchronous gap between reservation and process start.
type Engine struct {
	maxConcurrency int
	timeouts       config.TimeoutsConfig
	gracePeriod    time.Duration
	maxKillWait    time.Duration
	registry       *Registry
	bus            *events.Bus

	// mu guards active, queue, and shuttingDown, plus the timedOut and
	// terminated flags on each activeDispatch.
	mu           sync.Mutex
	active       map[string]*activeDispatch
	queue        []*queuedDispatch
	shuttingDown bool
}

// activeDispatch tracks one running subprocess.
// Owned exclusively by the engine; removed from the active set when the
// subprocess exits or is forcibly reaped.
type activeDispatch struct {
	id       string
	agent    string
	taskType models.TaskType
	prompt   string
	schema   *models.ResultSchema
	handle   *Handle
	adapter  *Adapter

	cmd       *exec.Cmd
	startedAt time.Time
	timer     *time.Timer

	outMu  sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer

	// timedOut marks that the deadline fired and the result was already
	// resolved; the eventual process exit is ignored.
	timedOut bool
	// terminated marks that shutdown owns this dispatch; the exit path
	// only frees the slot.
	terminated bool
}

// capturedStdout returns a copy of the accumulated stdout.
func (ad *activeDispatch) capturedStdout() string {
	ad.outMu.Lock()
	defer ad.outMu.Unlock()
	return ad.stdout.String()
}

// captured returns copies of the accumulated stdout and stderr.
func (ad *activeDispatch) captured() (string, string) {
	ad.outMu.Lock()
	defer ad.outMu.Unlock()
	return ad.stdout.String(), ad.stderr.String()
}

// queuedDispatch is a request awaiting a free slot. FIFO-ordered.
type queuedDispatch struct {
	id      string
	request models.DispatchRequest
	handle  *Handle
	adapter *Adapter
}

// NewEngine creates an Engine with the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxKillWait <= 0 {
		cfg.MaxKillWait = defaultMaxKillWait
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}

	return &Engine{
		maxConcurrency: cfg.MaxConcurrency,
		timeouts:       cfg.Timeouts,
		gracePeriod:    cfg.GracePeriod,
		maxKillWait:    cfg.MaxKillWait,
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		active:         make(map[string]*activeDispatch),
	}
}

// Dispatch submits a request and returns its handle immediately.
// Failures (shutdown, missing adapter) are encoded in the handle's result,
// never returned as errors.
func (e *Engine) Dispatch(req models.DispatchRequest) *Handle {
	id := uuid.New().String()[:8]
	h := newHandle(id, models.DispatchQueued)
	h.cancel = func() { e.cancelDispatch(id) }

	e.mu.Lock()

	if e.shuttingDown {
		e.mu.Unlock()
		e.resolveRejected(h, req, "engine shutting down")
		return h
	}

	adapter, ok := e.registry.Lookup(req.Agent)
	if !ok {
		e.mu.Unlock()
		e.resolveRejected(h, req, fmt.Sprintf("no adapter registered for agent %q", req.Agent))
		return h
	}

	if len(e.active) < e.maxConcurrency {
		// Reserve the slot synchronously before any asynchronous work so
		// concurrent callers cannot both see capacity.
		ad := e.newActiveLocked(id, req, h, adapter)
		e.mu.Unlock()

		h.setStatus(models.DispatchRunning)
		go e.spawn(ad, req)
		return h
	}

	e.queue = append(e.queue, &queuedDispatch{
		id:      id,
		request: req,
		handle:  h,
		adapter: adapter,
	})
	e.mu.Unlock()

	return h
}

// newActiveLocked registers an active dispatch. Caller holds e.mu.
func (e *Engine) newActiveLocked(id string, req models.DispatchRequest, h *Handle, adapter *Adapter) *activeDispatch {
	ad := &activeDispatch{
		id:        id,
		agent:     req.Agent,
		taskType:  req.TaskType,
		prompt:    req.Prompt,
		schema:    req.OutputSchema,
		handle:    h,
		adapter:   adapter,
		startedAt: time.Now(),
	}
	e.active[id] = ad
	return ad
}

// resolveRejected resolves a handle that never reached a subprocess.
func (e *Engine) resolveRejected(h *Handle, req models.DispatchRequest, reason string) {
	h.resolve(models.DispatchResult{
		ID:         h.id,
		Status:     models.DispatchFailed,
		ExitCode:   -1,
		ParseError: reason,
		Tokens:     estimateUsage(req.Prompt, ""),
	})
	e.publish(events.AgentFailed, map[string]any{
		"dispatchId": h.id,
		"error":      reason,
		"exitCode":   -1,
	})
}

// Pending returns the number of queued dispatches.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Running returns the number of active dispatches.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// resolveTimeout picks a dispatch's deadline.
// Precedence: explicit override, then task-type default, then global.
func (e *Engine) resolveTimeout(req models.DispatchRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if d := e.timeouts.ForTaskType(req.TaskType); d > 0 {
		return d
	}
	return 10 * time.Minute
}

// spawn starts the subprocess for an already-reserved slot and drives it
// to completion. Runs on its own goroutine.
func (e *Engine) spawn(ad *activeDispatch, req models.DispatchRequest) {
	cmd := exec.Command(ad.adapter.Command, ad.adapter.CommandLine(req)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(ad.adapter.Env) > 0 {
		cmd.Env = append(os.Environ(), ad.adapter.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.failSpawn(ad, fmt.Sprintf("create stdin pipe: %v", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.failSpawn(ad, fmt.Sprintf("create stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.failSpawn(ad, fmt.Sprintf("create stderr pipe: %v", err))
		return
	}

	// Shutdown may have swept this dispatch while the slot sat reserved
	// but unstarted; its handle is already resolved, so the subprocess
	// must never start.
	e.mu.Lock()
	if ad.terminated {
		delete(e.active, ad.id)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := cmd.Start(); err != nil {
		e.failSpawn(ad, fmt.Sprintf("start agent %q: %v", ad.agent, err))
		return
	}

	timeout := e.resolveTimeout(req)
	e.mu.Lock()
	ad.cmd = cmd
	ad.startedAt = time.Now()
	terminated := ad.terminated
	if !terminated {
		ad.timer = time.AfterFunc(timeout, func() { e.onTimeout(ad.id, timeout) })
	}
	e.mu.Unlock()

	if terminated {
		// Shutdown raced in after the pre-start check; signal the fresh
		// process instead of announcing it.
		e.terminate(cmd)
	} else {
		e.publish(events.AgentSpawned, map[string]any{
			"dispatchId": ad.id,
			"agent":      ad.agent,
			"taskType":   string(ad.taskType),
		})
	}

	// Write the prompt and close stdin. A broken pipe here means the agent
	// exited before reading its prompt; the exit path reports that.
	go func() {
		if _, err := io.WriteString(stdin, req.Prompt); err != nil {
			log.Printf("[dispatch] %s: stdin write interrupted: %v", ad.id, err)
		}
		_ = stdin.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go e.readStream(ad, stdout, &ad.stdout, &wg)
	go e.readStream(ad, stderr, &ad.stderr, &wg)
	wg.Wait()

	_ = cmd.Wait()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	e.onExit(ad, exitCode)
}

// readStream accumulates subprocess output and publishes each chunk for
// live streaming.
func (e *Engine) readStream(ad *activeDispatch, r io.Reader, buf *bytes.Buffer, wg *sync.WaitGroup) {
	defer wg.Done()

	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			ad.outMu.Lock()
			buf.Write(chunk[:n])
			ad.outMu.Unlock()

			e.publish(events.AgentOutput, map[string]any{
				"dispatchId": ad.id,
				"data":       string(chunk[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

// failSpawn resolves a dispatch whose subprocess never started and frees
// its slot.
func (e *Engine) failSpawn(ad *activeDispatch, reason string) {
	e.mu.Lock()
	if ad.timer != nil {
		ad.timer.Stop()
	}
	delete(e.active, ad.id)
	e.mu.Unlock()

	ad.handle.resolve(models.DispatchResult{
		ID:         ad.id,
		Status:     models.DispatchFailed,
		ExitCode:   -1,
		ParseError: reason,
		Duration:   time.Since(ad.startedAt),
		Tokens:     estimateUsage(ad.prompt, ""),
	})
	e.publish(events.AgentFailed, map[string]any{
		"dispatchId": ad.id,
		"error":      reason,
		"exitCode":   -1,
	})

	e.pumpQueue()
}

// onTimeout fires when a dispatch's deadline expires.
// The result resolves immediately with whatever output was captured; the
// eventual process exit only frees the slot.
func (e *Engine) onTimeout(id string, timeout time.Duration) {
	e.mu.Lock()
	ad, ok := e.active[id]
	if !ok || ad.timedOut || ad.terminated {
		e.mu.Unlock()
		return
	}
	ad.timedOut = true
	cmd := ad.cmd
	e.mu.Unlock()

	log.Printf("[dispatch] %s: timed out after %s, terminating agent %s", id, timeout, ad.agent)
	e.publish(events.AgentTimeout, map[string]any{
		"dispatchId": id,
		"timeoutMs":  timeout.Milliseconds(),
	})

	output := ad.capturedStdout()
	ad.handle.resolve(models.DispatchResult{
		ID:         id,
		Status:     models.DispatchTimeout,
		ExitCode:   -1,
		Output:     output,
		ParseError: fmt.Sprintf("timed out after %s", timeout),
		Duration:   time.Since(ad.startedAt),
		Tokens:     estimateUsage(ad.prompt, output),
	})

	e.terminate(cmd)
}

// terminate asks a subprocess to exit, escalating to SIGKILL after the
// grace period if it is still running.
func (e *Engine) terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	proc := cmd.Process
	time.AfterFunc(e.gracePeriod, func() {
		// Kill is a no-op error if the process already exited.
		_ = proc.Kill()
	})
}

// onExit handles subprocess exit: frees the slot, resolves the result if
// this dispatch still owns it, and pumps the queue.
func (e *Engine) onExit(ad *activeDispatch, exitCode int) {
	e.mu.Lock()
	if ad.timer != nil {
		ad.timer.Stop()
	}
	delete(e.active, ad.id)
	timedOut := ad.timedOut
	terminated := ad.terminated
	e.mu.Unlock()

	if timedOut || terminated {
		// Timed-out dispatches were resolved when the deadline fired;
		// terminated ones are resolved by shutdown. The freed slot is all
		// this path reports.
		e.pumpQueue()
		return
	}

	duration := time.Since(ad.startedAt)
	stdout, stderr := ad.captured()

	if exitCode == 0 {
		parsed, err := ExtractResult(stdout)
		parseError := ""
		if err != nil {
			parseError = err.Error()
		} else if verr := ValidateSchema(parsed, ad.schema); verr != nil {
			parseError = verr.Error()
		}

		ad.handle.resolve(models.DispatchResult{
			ID:         ad.id,
			Status:     models.DispatchCompleted,
			ExitCode:   0,
			Output:     stdout,
			Parsed:     parsed,
			ParseError: parseError,
			Duration:   duration,
			Tokens:     estimateUsage(ad.prompt, stdout),
		})
		e.publish(events.AgentCompleted, map[string]any{
			"dispatchId": ad.id,
			"exitCode":   0,
			"output":     stdout,
		})
	} else {
		output := stdout
		if stderr != "" {
			output += "\n--- stderr ---\n" + stderr
		}
		reason := fmt.Sprintf("agent exited with code %d", exitCode)

		ad.handle.resolve(models.DispatchResult{
			ID:         ad.id,
			Status:     models.DispatchFailed,
			ExitCode:   exitCode,
			Output:     output,
			ParseError: reason,
			Duration:   duration,
			Tokens:     estimateUsage(ad.prompt, output),
		})
		e.publish(events.AgentFailed, map[string]any{
			"dispatchId": ad.id,
			"error":      reason,
			"exitCode":   exitCode,
		})
	}

	e.pumpQueue()
}

// pumpQueue starts queued dispatches while slots are free, preserving
// FIFO order.
func (e *Engine) pumpQueue() {
	for {
		e.mu.Lock()
		if e.shuttingDown || len(e.queue) == 0 || len(e.active) >= e.maxConcurrency {
			e.mu.Unlock()
			return
		}
		q := e.queue[0]
		e.queue = e.queue[1:]
		ad := e.newActiveLocked(q.id, q.request, q.handle, q.adapter)
		e.mu.Unlock()

		q.handle.setStatus(models.DispatchRunning)
		go e.spawn(ad, q.request)
	}
}

// cancelDispatch cancels a dispatch by ID.
// Queued dispatches resolve immediately without spawning; running ones get
// a termination signal and resolve through the normal exit path.
func (e *Engine) cancelDispatch(id string) {
	e.mu.Lock()
	for i, q := range e.queue {
		if q.id != id {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		e.mu.Unlock()

		q.handle.resolve(models.DispatchResult{
			ID:         id,
			Status:     models.DispatchFailed,
			ExitCode:   -1,
			ParseError: "cancelled while queued",
			Tokens:     estimateUsage(q.request.Prompt, ""),
		})
		e.publish(events.AgentFailed, map[string]any{
			"dispatchId": id,
			"error":      "cancelled while queued",
			"exitCode":   -1,
		})
		return
	}

	ad, ok := e.active[id]
	var cmd *exec.Cmd
	if ok {
		cmd = ad.cmd
	}
	e.mu.Unlock()

	if ok {
		e.terminate(cmd)
	}
}

// Shutdown stops the engine: future dispatches are rejected, queued
// requests fail immediately, and active subprocesses get SIGTERM, then
// SIGKILL after the grace period. The drain poll is bounded by MaxKillWait
// so shutdown always completes even if a process refuses to die.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return
	}
	e.shuttingDown = true
	queued := e.queue
	e.queue = nil

	actives := make([]*activeDispatch, 0, len(e.active))
	for _, ad := range e.active {
		ad.terminated = true
		actives = append(actives, ad)
	}
	e.mu.Unlock()

	log.Printf("[dispatch] shutting down: rejecting %d queued, terminating %d active", len(queued), len(actives))

	for _, q := range queued {
		q.handle.resolve(models.DispatchResult{
			ID:         q.id,
			Status:     models.DispatchFailed,
			ExitCode:   -1,
			ParseError: "engine shutting down",
			Tokens:     estimateUsage(q.request.Prompt, ""),
		})
	}

	for _, ad := range actives {
		if ad.cmd != nil && ad.cmd.Process != nil {
			_ = ad.cmd.Process.Signal(syscall.SIGTERM)
		}
		output := ad.capturedStdout()
		ad.handle.resolve(models.DispatchResult{
			ID:         ad.id,
			Status:     models.DispatchFailed,
			ExitCode:   -1,
			Output:     output,
			ParseError: "engine shutting down",
			Duration:   time.Since(ad.startedAt),
			Tokens:     estimateUsage(ad.prompt, output),
		})
	}

	if len(actives) == 0 {
		return
	}

	time.Sleep(e.gracePeriod)

	e.mu.Lock()
	for _, ad := range e.active {
		if ad.cmd != nil && ad.cmd.Process != nil {
			_ = ad.cmd.Process.Kill()
		}
	}
	e.mu.Unlock()

	deadline := time.Now().Add(e.maxKillWait)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		remaining := len(e.active)
		e.mu.Unlock()

		if remaining == 0 {
			return
		}
		time.Sleep(drainPollInterval)
	}

	e.mu.Lock()
	remaining := len(e.active)
	e.mu.Unlock()
	log.Printf("[dispatch] shutdown wait elapsed with %d dispatches still active", remaining)
}

// publish sends an event if a bus is configured.
func (e *Engine) publish(eventType events.Type, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventType, payload)
}
