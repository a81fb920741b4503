// Package task implements the task manager (C3): it spawns compose CLI
// subprocesses, captures their combined stdout/stderr into a bounded output
// buffer, tracks exit state, and broadcasts appended lines to subscribers.
//
// Grounded on pkg/process/manager.go (process map behind a sync.RWMutex,
// the Start/Stop/monitor shape, a goroutine awaiting cmd.Wait()) adapted
// from long-lived named services to one-shot supervised tasks, and
// pkg/exec/runner.go (capturing both streams into buffers).
package task

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/buffer"
)

// Subscriber receives every line appended to a task's output, in order.
// Implemented by the WebSocket messenger (C4).
type Subscriber interface {
	// PublishTaskLine delivers one output line for taskID.
	PublishTaskLine(taskID string, line apptypes.OutputLine)
	// PublishTaskEnded delivers the terminal notification for taskID.
	PublishTaskEnded(taskID, reason string)
}

// OutputSettings configures a task's output buffer caps.
type OutputSettings struct {
	MaxLines      int
	MaxLineLength int
}

// Details is a snapshot of a task's non-output state.
type Details struct {
	ID                     string
	Command                string
	State                  apptypes.TaskState
	Start                  time.Time
	Finish                 *time.Time
	LastExitCode           *int
	AppName                string
	OutputCollectionActive bool
}

// entry is the manager's internal bookkeeping for one task.
type entry struct {
	mu      sync.RWMutex
	details Details
	output  *buffer.Buffer
	cancel  context.CancelFunc
	done    chan struct{}
}

func (e *entry) snapshot() Details {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.details
}

// Manager supervises a set of tasks.
type Manager struct {
	log  logrus.FieldLogger
	subs Subscriber

	mu    sync.RWMutex
	tasks map[string]*entry
}

// NewManager creates a task Manager. subs may be nil in tests; production
// callers pass the WebSocket messenger.
func NewManager(log logrus.FieldLogger, subs Subscriber) *Manager {
	return &Manager{
		log:   log.WithField("component", "task-manager"),
		subs:  subs,
		tasks: make(map[string]*entry, 16),
	}
}

// Start spawns a new supervised subprocess and returns its task id
// immediately; the process runs in a background goroutine.
func (m *Manager) Start(cwd, cmdName string, args, env []string, appName string, out OutputSettings) string {
	id := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())

	ent := &entry{
		details: Details{
			ID:                     id,
			Command:                fmt.Sprintf("%s %v", cmdName, args),
			State:                  apptypes.TaskRunning,
			Start:                  time.Now(),
			AppName:                appName,
			OutputCollectionActive: true,
		},
		output: buffer.New(out.MaxLines, out.MaxLineLength),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[id] = ent
	m.mu.Unlock()

	go m.run(ctx, id, ent, cwd, cmdName, args, env)

	return id
}

func (m *Manager) run(ctx context.Context, id string, ent *entry, cwd, cmdName string, args, env []string) {
	code, err := m.execInto(ctx, id, ent, cwd, cmdName, args, env)

	ent.mu.Lock()
	now := time.Now()
	ent.details.Finish = &now
	ent.details.OutputCollectionActive = false

	var (
		reason  string
		errLine *apptypes.OutputLine
	)

	switch {
	case err != nil:
		ent.details.State = apptypes.TaskFailed
		failCode := -1
		ent.details.LastExitCode = &failCode
		reason = "failed"
		line := ent.output.Append(apptypes.StreamStderr, err.Error())
		errLine = &line
	case code != 0:
		ent.details.State = apptypes.TaskFailed
		ent.details.LastExitCode = &code
		reason = "failed"
	default:
		ent.details.State = apptypes.TaskFinished
		ent.details.LastExitCode = &code
		reason = "completed"
	}

	ent.mu.Unlock()
	close(ent.done)

	if m.subs != nil {
		if errLine != nil {
			m.subs.PublishTaskLine(id, *errLine)
		}

		m.subs.PublishTaskEnded(id, reason)
	}

	m.log.WithFields(logrus.Fields{"task": id, "reason": reason}).Info("task finished")
}

// execInto forks cmdName as a child of cwd/env and pumps its combined
// stdout/stderr into ent's existing output buffer, returning the exit code.
// A spawn or wait failure unrelated to the child's own exit status is
// reported as a non-nil error with code -1; a nonzero exit is reported as a
// normal (code, nil) result, since it is not a failure of execInto itself.
func (m *Manager) execInto(ctx context.Context, id string, ent *entry, cwd, cmdName string, args, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Dir = cwd
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(2) //nolint:mnd // stdout + stderr

	go func() {
		defer wg.Done()

		m.pump(id, ent, stdout, apptypes.StreamStdout)
	}()

	go func() {
		defer wg.Done()

		m.pump(id, ent, stderr, apptypes.StreamStderr)
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		return -1, fmt.Errorf("command wait failed: %w", err)
	}

	return 0, nil
}

func (m *Manager) pump(id string, ent *entry, r io.Reader, stream apptypes.StreamKind) {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		ent.mu.Lock()
		line := ent.output.Append(stream, scanner.Text())
		ent.mu.Unlock()

		if m.subs != nil {
			m.subs.PublishTaskLine(id, line)
		}
	}
}

// Run creates a task driven by an arbitrary function instead of a single OS
// process, used by the lifecycle FSM driver (C11): one task per FSM
// execution, whose output aggregates every compose invocation it runs via
// RunCommand plus any AddInfo progress lines, and whose terminal state
// mirrors work's returned error.
func (m *Manager) Run(appName, command string, out OutputSettings, work func(ctx context.Context, id string) error) string {
	id := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())

	ent := &entry{
		details: Details{
			ID:                     id,
			Command:                command,
			State:                  apptypes.TaskRunning,
			Start:                  time.Now(),
			AppName:                appName,
			OutputCollectionActive: true,
		},
		output: buffer.New(out.MaxLines, out.MaxLineLength),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[id] = ent
	m.mu.Unlock()

	go m.runVirtual(ctx, id, ent, work)

	return id
}

func (m *Manager) runVirtual(ctx context.Context, id string, ent *entry, work func(context.Context, string) error) {
	err := work(ctx, id)

	ent.mu.Lock()
	now := time.Now()
	ent.details.Finish = &now
	ent.details.OutputCollectionActive = false

	var (
		reason  string
		errLine apptypes.OutputLine
	)

	if err != nil {
		ent.details.State = apptypes.TaskFailed
		code := -1
		ent.details.LastExitCode = &code
		reason = "failed"
		errLine = ent.output.Append(apptypes.StreamStderr, err.Error())
	} else {
		ent.details.State = apptypes.TaskFinished
		code := 0
		ent.details.LastExitCode = &code
		reason = "completed"
	}

	ent.mu.Unlock()
	close(ent.done)

	if m.subs != nil {
		if err != nil {
			m.subs.PublishTaskLine(id, errLine)
		}

		m.subs.PublishTaskEnded(id, reason)
	}

	m.log.WithFields(logrus.Fields{"task": id, "reason": reason}).Info("task finished")
}

// RunCommand runs cmdName to completion as one step of a virtual task
// created by Run, appending its combined stdout/stderr into the same task's
// output buffer. It does not itself mark the task terminal, since it
// represents one of possibly several commands composing the virtual task's
// overall work. A spawn or wait failure returns a synthesized stderr line
// plus a non-nil error, matching Start's spawn-error behavior; a nonzero
// exit returns a normal (code, nil) result for the caller to act on.
func (m *Manager) RunCommand(ctx context.Context, id, cwd, cmdName string, args, env []string) (int, error) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return -1, fmt.Errorf("unknown task %q", id)
	}

	code, err := m.execInto(ctx, id, ent, cwd, cmdName, args, env)
	if err != nil {
		ent.mu.Lock()
		line := ent.output.Append(apptypes.StreamStderr, err.Error())
		ent.mu.Unlock()

		if m.subs != nil {
			m.subs.PublishTaskLine(id, line)
		}

		return code, err
	}

	return code, nil
}

// AddInfo appends an Info-kind progress line, used by FSM handlers.
func (m *Manager) AddInfo(id, msg string) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return
	}

	ent.mu.Lock()
	line := ent.output.Append(apptypes.StreamInfo, msg)
	ent.mu.Unlock()

	if m.subs != nil {
		m.subs.PublishTaskLine(id, line)
	}
}

// Wait blocks until task id reaches a terminal state, or ctx is cancelled.
// Lifecycle FSM handlers do not use it: they run each compose invocation
// synchronously through RunCommand inside the task created by Run.
func (m *Manager) Wait(ctx context.Context, id string) (Details, error) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return Details{}, fmt.Errorf("unknown task %q", id)
	}

	select {
	case <-ent.done:
		return ent.snapshot(), nil
	case <-ctx.Done():
		return ent.snapshot(), ctx.Err()
	}
}

// GetDetails returns a snapshot of a task's details.
func (m *Manager) GetDetails(id string) (Details, bool) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return Details{}, false
	}

	return ent.snapshot(), true
}

// GetOutput returns a snapshot of a task's buffered output.
func (m *Manager) GetOutput(id string, limit int) ([]apptypes.OutputLine, bool) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}

	ent.mu.RLock()
	defer ent.mu.RUnlock()

	return ent.output.Recent(limit), true
}

// TaskState returns a task's current state, used by the task-output stream
// service to decide when to stop tailing.
func (m *Manager) TaskState(id string) (apptypes.TaskState, bool) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return "", false
	}

	return ent.snapshot().State, true
}

// OutputFromSequence returns buffered lines from a task with Sequence >=
// from, used by the task-output stream service's tail loop.
func (m *Manager) OutputFromSequence(id string, from uint64) ([]apptypes.OutputLine, bool) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}

	ent.mu.RLock()
	defer ent.mu.RUnlock()

	return ent.output.FromSequence(from), true
}

// TotalLinesProcessed returns the task's total-ever-appended line count.
func (m *Manager) TotalLinesProcessed(id string) (uint64, bool) {
	m.mu.RLock()
	ent, ok := m.tasks[id]
	m.mu.RUnlock()

	if !ok {
		return 0, false
	}

	ent.mu.RLock()
	defer ent.mu.RUnlock()

	return ent.output.TotalLinesProcessed(), true
}

// List returns a snapshot of every known task's details.
func (m *Manager) List() []Details {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Details, 0, len(m.tasks))
	for _, ent := range m.tasks {
		out = append(out, ent.snapshot())
	}

	return out
}

// RunCleanup removes finished/failed tasks whose Finish time is older than
// ttl, aborting their worker (a no-op for already-exited processes) and
// unsubscribing any clients via the subscriber's cleanup hook.
func (m *Manager) RunCleanup(ttl time.Duration, unsubscribe func(taskID string)) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0

	for id, ent := range m.tasks {
		d := ent.snapshot()
		if d.State == apptypes.TaskRunning {
			continue
		}

		if d.Finish == nil || d.Finish.After(cutoff) {
			continue
		}

		ent.cancel()
		delete(m.tasks, id)
		removed++

		if unsubscribe != nil {
			unsubscribe(id)
		}
	}

	return removed
}
