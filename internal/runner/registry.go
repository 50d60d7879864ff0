package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/posit-dev/positron-sub005/internal/diag"
	"github.com/posit-dev/positron-sub005/internal/relay"
	"github.com/posit-dev/positron-sub005/pkg/events"
)

// Environment variables injected into every dispatched subprocess so
// it knows where to connect back and how to tag its frames.
const (
	EnvRunPort = "TEST_RUN_PORT"
	EnvRunUUID = "TEST_RUN_UUID"
)

// Command describes one subprocess invocation: a fully-formed command
// line plus environment overrides.
type Command struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

// OutputCallback receives raw stdout/stderr lines from dispatched
// subprocesses. Payload data travels over the relay socket, not here;
// this is for surfacing interpreter chatter and tracebacks.
type OutputCallback func(runID string, line string, isError bool)

type entry struct {
	sink relay.Sink
	run  *Run // nil for externally-managed runs
}

// Registry tracks the set of in-flight runs and their subprocess
// handles, and exclusively owns the identifier-to-sink mapping. It
// implements relay.RunLookup.
type Registry struct {
	entries map[string]*entry
	server  *relay.Server
	bus     *events.Bus
	diags   *diag.Store

	outputCallbacks []OutputCallback
	mu              sync.RWMutex
}

func NewRegistry(bus *events.Bus, diags *diag.Store) *Registry {
	if bus == nil {
		bus = events.NewBus()
	}
	if diags == nil {
		diags = diag.NewStore(0)
	}
	return &Registry{
		entries: make(map[string]*entry),
		bus:     bus,
		diags:   diags,
	}
}

// AttachRelay wires the relay used to route synthetic error frames.
// Construction order is registry first (the relay needs a lookup),
// then the relay, then this call.
func (r *Registry) AttachRelay(server *relay.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server = server
}

// Register binds an identifier to a sink. Duplicate identifiers are a
// caller bug and fail immediately.
func (r *Registry) Register(id string, sink relay.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("run %s already registered", id)
	}
	r.entries[id] = &entry{sink: sink}
	return nil
}

// Unregister removes an identifier. Idempotent; a no-op if absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup resolves an identifier to its sink for the payload router.
func (r *Registry) Lookup(id string) (relay.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sink, true
}

// ConnectionLost moves a run to Errored when the transport carrying
// its frames failed.
func (r *Registry) ConnectionLost(id string, err error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || e.run == nil {
		return
	}

	if e.run.finish(StateErrored, nil) {
		r.diags.Recordf(diag.KindTransport, id, "", "connection lost: %v", err)
		if e.run.cancel != nil {
			e.run.cancel()
		}
		r.publishExited(e.run)
		r.Unregister(id)
	}
}

// Get returns a tracked run by identifier.
func (r *Registry) Get(id string) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.run == nil {
		return nil, false
	}
	return e.run, true
}

// All returns the tracked runs, in no particular order.
func (r *Registry) All() []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*Run, 0, len(r.entries))
	for _, e := range r.entries {
		if e.run != nil {
			runs = append(runs, e.run)
		}
	}
	return runs
}

// RegisterOutputCallback adds a subscriber for subprocess output lines.
func (r *Registry) RegisterOutputCallback(cb OutputCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputCallbacks = append(r.outputCallbacks, cb)
}

// Dispatch spawns a subprocess for the command, registers a fresh run
// identifier, and returns it before the subprocess produces output.
// Spawn failure is not returned as an error: a single error-status
// frame is routed through the relay's normal channel so callers have
// one uniform completion signal.
func (r *Registry) Dispatch(ctx context.Context, cmd Command, sink relay.Sink) (string, error) {
	r.mu.RLock()
	server := r.server
	r.mu.RUnlock()
	if server == nil {
		return "", fmt.Errorf("registry has no relay attached")
	}
	if cmd.Path == "" {
		return "", fmt.Errorf("command path is empty")
	}

	id := uuid.New().String()

	runCtx, cancel := context.WithCancel(ctx)
	execCmd := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	execCmd.Dir = cmd.Dir
	execCmd.Env = buildEnv(cmd.Env, server.Port(), id)

	run := &Run{
		ID:        id,
		Command:   cmd.Path,
		Args:      cmd.Args,
		Cmd:       execCmd,
		StartTime: time.Now(),
		state:     StatePending,
		cancel:    cancel,
	}

	// The registered sink marks the run active on its first frame
	// before forwarding to the caller's sink.
	wrapped := relay.Sink(func(env relay.Envelope) {
		run.markActive()
		if sink != nil {
			sink(env)
		}
	})

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		cancel()
		return "", fmt.Errorf("run %s already registered", id)
	}
	r.entries[id] = &entry{sink: wrapped, run: run}
	r.mu.Unlock()

	if err := r.start(run); err != nil {
		// Uniform failure signal: one error frame through the data
		// channel, then the terminal state and unregistration.
		r.diags.Recordf(diag.KindSpawn, id, "", "spawn failed: %v", err)
		server.Inject(relay.ErrorEnvelope(id, fmt.Sprintf("failed to start %s: %v", cmd.Path, err)))
		run.finish(StateErrored, nil)
		r.publishExited(run)
		r.Unregister(id)
		cancel()
	}

	return id, nil
}

func (r *Registry) start(run *Run) error {
	stdout, err := run.Cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := run.Cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := run.Cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command %v: %w", run.Cmd.Args, err)
	}

	r.bus.Publish(events.Event{
		Type:  events.RunStarted,
		RunID: run.ID,
		Data: map[string]interface{}{
			"command": run.Command,
			"args":    run.Args,
			"pid":     run.Cmd.Process.Pid,
		},
	})

	go r.streamOutput(run.ID, stdout, false)
	go r.streamOutput(run.ID, stderr, true)

	go func() {
		err := run.Cmd.Wait()

		var code int
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}

		// Normal exit closes the run; a failure before any data
		// arrived means the execution itself broke.
		state := StateClosed
		if code != 0 && run.CurrentState() == StatePending {
			state = StateErrored
		}
		if run.finish(state, &code) {
			r.publishExited(run)
		}
		r.Unregister(run.ID)
	}()

	return nil
}

func (r *Registry) streamOutput(runID string, reader io.Reader, isError bool) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()

		r.mu.RLock()
		callbacks := r.outputCallbacks
		r.mu.RUnlock()

		for _, cb := range callbacks {
			cb(runID, line, isError)
		}
	}
}

func (r *Registry) publishExited(run *Run) {
	data := map[string]interface{}{
		"state": string(run.CurrentState()),
	}
	if run.ExitCode != nil {
		data["exitCode"] = *run.ExitCode
	}
	r.bus.Publish(events.Event{
		Type:  events.RunExited,
		RunID: run.ID,
		Data:  data,
	})
}

// Stop cancels a run's subprocess. The run transitions to Closed
// immediately; partially buffered frame data on its connection is
// discarded when the connection drops.
func (r *Registry) Stop(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok || e.run == nil {
		return fmt.Errorf("run %s not found", id)
	}
	if e.run.CurrentState().Terminal() {
		return fmt.Errorf("run %s is not running", id)
	}

	if e.run.finish(StateClosed, nil) {
		e.run.cancel()
		r.publishExited(e.run)
	}
	r.Unregister(id)
	return nil
}

// Clear stops every tracked run and empties the registry. Called on
// relay shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.run != nil && !e.run.CurrentState().Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Stop(id)
	}

	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
}

func buildEnv(overrides map[string]string, port int, runID string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("%s=%d", EnvRunPort, port),
		fmt.Sprintf("%s=%s", EnvRunUUID, runID),
	)
	return env
}
