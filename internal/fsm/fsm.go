// Package fsm implements the state-machine framework (C10): a typed driver
// over a handler registry keyed by named state. An operation is expressed as
// a set of non-terminal states, each owning exactly one handler that returns
// the next state or fails; the driver walks the chain until it reaches the
// declared terminal state or a handler returns an error.
//
// Grounded on pkg/orchestrator/orchestrator.go's Up/Down: a fixed sequence of
// phases, each checked against ctx.Err() before running, each returning an
// error that aborts the whole sequence. This package promotes that
// hand-written phase sequence into a reusable, named-state driver so each
// concrete lifecycle operation (internal/lifecycle) only needs to supply its
// handler table.
package fsm

import (
	"context"
	"fmt"

	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/task"
)

// State names one step of a machine. The zero value is never a valid state.
type State string

// Context is threaded through every handler of a run, and through any
// sub-machine a handler spawns (composition, used by Create delegating to
// Rebuild). Handlers mutate it in place to carry results forward.
type Context struct {
	AppState    apptypes.AppStatus
	AppData     *apptypes.App
	TaskDetails *task.Details
}

// Handler runs one non-terminal state's work and returns the state to
// transition to next. Returning a non-nil error fails the whole run.
type Handler func(ctx context.Context, fctx *Context) (State, error)

// maxSteps bounds a single run against a handler table that cycles back on
// itself, which would otherwise spin forever.
const maxSteps = 1000

// Machine is a named, directed sequence of states driven by their handlers.
type Machine struct {
	name     string
	start    State
	terminal State
	handlers map[State]Handler
	observer func(State)
}

// New creates a Machine that begins at start and stops once it reaches
// terminal. Use AddHandler to register each non-terminal state's work.
func New(name string, start, terminal State) *Machine {
	return &Machine{
		name:     name,
		start:    start,
		terminal: terminal,
		handlers: make(map[State]Handler),
	}
}

// AddHandler registers the handler for a non-terminal state and returns the
// machine, so registration can be chained.
func (m *Machine) AddHandler(state State, h Handler) *Machine {
	m.handlers[state] = h

	return m
}

// Name returns the machine's name, used for logging and notifications.
func (m *Machine) Name() string {
	return m.name
}

// OnTransition registers fn to be invoked with each state the machine
// successfully transitions into (including the terminal state), and returns
// the machine so it can be chained alongside AddHandler. Used to sample FSM
// progress into metrics without every handler needing to know about it.
func (m *Machine) OnTransition(fn func(State)) *Machine {
	m.observer = fn

	return m
}

// Run drives the machine from its start state to its terminal state,
// invoking one handler per non-terminal state visited. It stops and returns
// an error the moment ctx is cancelled or a handler fails; it never retries.
func (m *Machine) Run(ctx context.Context, fctx *Context) error {
	current := m.start

	for step := 0; ; step++ {
		if current == m.terminal {
			return nil
		}

		if step >= maxSteps {
			return fmt.Errorf("fsm %s: exceeded %d steps without reaching terminal state %q", m.name, maxSteps, m.terminal)
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fsm %s: cancelled at state %q: %w", m.name, current, err)
		}

		handler, ok := m.handlers[current]
		if !ok {
			return fmt.Errorf("fsm %s: no handler registered for state %q", m.name, current)
		}

		next, err := handler(ctx, fctx)
		if err != nil {
			return fmt.Errorf("fsm %s: state %q failed: %w", m.name, current, err)
		}

		current = next

		if m.observer != nil {
			m.observer(current)
		}
	}
}
