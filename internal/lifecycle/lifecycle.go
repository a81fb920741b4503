// Package lifecycle implements the concrete FSMs (C11) named in the state
// machine spec: Create, Run, Stop, Purge, Destroy, Rebuild, Adopt and
// CustomAction, built on top of the state-machine framework (internal/fsm),
// the task manager (internal/task) and the load-balancer renderer
// (internal/loadbalancer).
//
// Grounded on pkg/orchestrator/orchestrator.go's Up/Down: Up is a fixed
// phase sequence with spinners and cancellation checks between phases, each
// phase delegating to a narrower manager (builder, infrastructure, process);
// here the phase sequence is instead a fsm.Machine, and each phase's "spinner
// + log" pair becomes a task.Manager.AddInfo progress line plus a
// RunCommand invocation of the compose CLI. Down's "stop, clean up, reset
// infrastructure" sequence is the model for Purge/Destroy's Down step.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/factorialio/scotty/internal/appsettings"
	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/compose"
	"github.com/factorialio/scotty/internal/engine"
	"github.com/factorialio/scotty/internal/fsm"
	"github.com/factorialio/scotty/internal/loadbalancer"
	"github.com/factorialio/scotty/internal/task"
)

// TaskManager is the subset of internal/task.Manager that lifecycle drives
// every FSM run through: one virtual task per operation (Run), with each
// compose CLI step appended into that same task's output (RunCommand).
type TaskManager interface {
	Run(appName, command string, out task.OutputSettings, work func(ctx context.Context, id string) error) string
	RunCommand(ctx context.Context, id, cwd, cmdName string, args, env []string) (int, error)
	AddInfo(id, msg string)
}

// Registry is the subset of the app registry (C12) lifecycle needs: lookup,
// persistence of mutated App records, removal on Destroy, and a hook to
// request the one-shot rescan an FSM may trigger at its terminal state.
type Registry interface {
	Get(name string) (*apptypes.App, bool)
	Save(app *apptypes.App) error
	Remove(name string) error
	RequestRescan(name string)
}

// Engine is the subset of internal/engine.Client needed to inspect a
// project's containers after a compose mutation.
type Engine interface {
	ListProjectContainers(ctx context.Context, project string) ([]engine.ContainerSummary, error)
}

// EnvResolver resolves an app's configured environment (including any
// op://-style secrets and ${VAR} expansions) into a flat KEY=VALUE list,
// implemented by the secret resolver (C15).
type EnvResolver interface {
	Resolve(ctx context.Context, appName string, settings apptypes.AppSettings) ([]string, error)
}

// Blueprints resolves the shell command behind a named post-action for an
// app's configured blueprint. Returns ok=false when the app has no
// blueprint, or its blueprint declares no such action — both are treated as
// a no-op rather than a failure.
type Blueprints interface {
	Action(blueprintName, action string) (cmdName string, args []string, ok bool)
}

// EventKind names the notification fired at an FSM's terminal state.
type EventKind string

const (
	EventAppCreated   EventKind = "AppCreated"
	EventAppStarted   EventKind = "AppStarted"
	EventAppStopped   EventKind = "AppStopped"
	EventAppPurged    EventKind = "AppPurged"
	EventAppDestroyed EventKind = "AppDestroyed"
	EventAppRebuilt   EventKind = "AppRebuilt"
	EventAppAdopted   EventKind = "AppAdopted"
	EventActionRun    EventKind = "AppActionRun"
	EventFSMFailed    EventKind = "FSMFailed"
)

// Event is one lifecycle notification, dispatched through the notification
// fan-out (C16).
type Event struct {
	Kind      EventKind
	AppName   string
	Operation string
	Err       error
}

// Notifier receives lifecycle events. Implemented by the notification
// dispatcher (C16); nil is accepted for tests and disables notification.
type Notifier interface {
	Notify(event Event)
}

// ShellTerminator is the subset of internal/shell.Service's surface lifecycle
// drives: ending every interactive shell session attached to an app's
// containers before those containers stop existing (Stop/Purge/Destroy).
// Nil disables the call.
type ShellTerminator interface {
	TerminateApp(appName string)
}

// StreamStopper is the subset of internal/logstream.Service's surface
// lifecycle drives: cancelling every log tail attached to an app's
// containers before those containers stop existing (Stop/Purge/Destroy).
// Nil disables the call.
type StreamStopper interface {
	StopApp(appName string)
}

// FSMMetrics is the subset of internal/metrics.Metrics lifecycle reports
// into: one RecordTaskStart span per top-level operation, one
// RecordFSMTransition per state reached, and RecordFSMFailure for an
// operation that didn't reach its terminal state. Nil disables recording.
type FSMMetrics interface {
	RecordTaskStart(operation string) func(outcome string)
	RecordFSMTransition(state string)
	RecordFSMFailure(operation string)
}

// CreateRequest is the input to Create: the new app's name, the compose
// (and any supporting) files to materialize under its directory, and its
// initial settings.
type CreateRequest struct {
	Name     string
	Files    map[string][]byte
	Settings apptypes.AppSettings
}

// terminal is the state every machine in this package converges on; it
// carries no handler, matching fsm's "reaching terminal state" stop rule.
const terminal fsm.State = "Done"

// Manager drives every concrete lifecycle FSM for every app, serializing
// mutating operations per app behind a lock acquired by name.
type Manager struct {
	log logrus.FieldLogger

	appsRoot   string
	tasks      TaskManager
	registry   Registry
	engine     Engine
	env        EnvResolver
	blueprints Blueprints
	notifier   Notifier

	shellSessions ShellTerminator
	logStreams    StreamStopper
	metrics       FSMMetrics

	lbFlavor loadbalancer.Flavor
	lbGlobal loadbalancer.GlobalSettings

	out task.OutputSettings

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	AppsRoot      string
	Tasks         TaskManager
	Registry      Registry
	Engine        Engine
	Env           EnvResolver
	Blueprints    Blueprints
	Notifier      Notifier
	ShellSessions ShellTerminator
	LogStreams    StreamStopper
	Metrics       FSMMetrics
	LBFlavor      loadbalancer.Flavor
	LBGlobal      loadbalancer.GlobalSettings
	Output        task.OutputSettings
}

// NewManager builds a lifecycle Manager from cfg.
func NewManager(log logrus.FieldLogger, cfg Config) *Manager {
	return &Manager{
		log:           log.WithField("component", "lifecycle"),
		appsRoot:      cfg.AppsRoot,
		tasks:         cfg.Tasks,
		registry:      cfg.Registry,
		engine:        cfg.Engine,
		env:           cfg.Env,
		blueprints:    cfg.Blueprints,
		notifier:      cfg.Notifier,
		shellSessions: cfg.ShellSessions,
		logStreams:    cfg.LogStreams,
		metrics:       cfg.Metrics,
		lbFlavor:      cfg.LBFlavor,
		lbGlobal:      cfg.LBGlobal,
		out:           cfg.Output,
		locks:         make(map[string]*sync.Mutex),
	}
}

// lockApp acquires (creating if necessary) the per-app mutex that serializes
// mutating FSMs for one app, per spec §4.11. The returned func releases it.
func (m *Manager) lockApp(name string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()

	return mu.Unlock
}

func (m *Manager) resolveEnv(ctx context.Context, app *apptypes.App) ([]string, error) {
	var settings apptypes.AppSettings
	if app.Settings != nil {
		settings = *app.Settings
	}

	resolved, err := m.env.Resolve(ctx, app.Name, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve environment for %s: %w", app.Name, err)
	}

	return append(os.Environ(), resolved...), nil
}

// overridePath returns the compose override filename lifecycle writes
// load-balancer configuration into, alongside the app's compose file.
func overridePath(app *apptypes.App) string {
	return filepath.Join(app.RootDir, compose.OverrideFilename(filepath.Base(app.ComposePath)))
}

// runCompose invokes "docker compose <sub> <extra...>" against app's compose
// file (plus its override file, if one exists), appending output into
// taskID, and fails the caller if the subprocess exits nonzero.
func (m *Manager) runCompose(ctx context.Context, taskID string, app *apptypes.App, env []string, sub string, extra ...string) error {
	args := []string{"compose", "-f", app.ComposePath}

	if _, err := os.Stat(overridePath(app)); err == nil {
		args = append(args, "-f", overridePath(app))
	}

	args = append(args, sub)
	args = append(args, extra...)

	m.tasks.AddInfo(taskID, "docker "+strings.Join(args, " "))

	code, err := m.tasks.RunCommand(ctx, taskID, app.RootDir, "docker", args, env)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("docker %s exited with code %d", sub, code)
	}

	return nil
}

// writeLoadBalancerConfig renders and writes the compose override file for
// app's current settings, used by Create's CreateLoadBalancerConfig state
// and Run's EnsureLoadBalancerConfig state.
func (m *Manager) writeLoadBalancerConfig(ctx context.Context, app *apptypes.App) error {
	if app.Settings == nil || len(app.Settings.PublicServices) == 0 {
		return nil
	}

	env, err := m.resolveEnv(ctx, app)
	if err != nil {
		return err
	}

	resolvedEnv := make(map[string]string, len(app.Settings.Environment))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			resolvedEnv[k] = v
		}
	}

	override, err := loadbalancer.Render(m.lbFlavor, m.lbGlobal, app.Name, *app.Settings, resolvedEnv)
	if err != nil {
		return fmt.Errorf("failed to render load balancer config for %s: %w", app.Name, err)
	}

	data, err := marshalOverride(override)
	if err != nil {
		return err
	}

	if err := os.WriteFile(overridePath(app), data, 0o644); err != nil {
		return fmt.Errorf("failed to write load balancer override: %w", err)
	}

	return nil
}

// marshalOverride encodes a rendered compose override the same way the
// compose CLI expects an override file to be written: plain YAML, no
// surrounding document markers.
func marshalOverride(override loadbalancer.ComposeOverride) ([]byte, error) {
	data, err := yaml.Marshal(override)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal load balancer override: %w", err)
	}

	return data, nil
}

func (m *Manager) deriveContainerStates(summaries []engine.ContainerSummary, settings *apptypes.AppSettings) []apptypes.ContainerState {
	public := map[string]apptypes.PublicService{}

	var domain string

	if settings != nil {
		domain = settings.Domain

		for _, p := range settings.PublicServices {
			public[p.Service] = p
		}
	}

	out := make([]apptypes.ContainerState, 0, len(summaries))

	for _, s := range summaries {
		state := apptypes.ContainerState{
			ID:      s.ID,
			Service: s.Service,
			Status:  containerStatus(s.State),
		}

		if pub, ok := public[s.Service]; ok {
			state.Port = pub.Port
			state.Domains = pub.Domains

			if len(state.Domains) == 0 && domain != "" {
				state.Domains = []string{fmt.Sprintf("%s.%s", pub.Service, domain)}
			}

			state.UseTLS = m.lbFlavor == loadbalancer.Traefik && m.lbGlobal.TraefikUseTLS

			if settings != nil {
				state.BasicAuth = settings.BasicAuth
			}
		}

		out = append(out, state)
	}

	return out
}

func containerStatus(dockerState string) apptypes.ContainerStatus {
	switch strings.ToLower(dockerState) {
	case "running":
		return apptypes.ContainerRunning
	case "created":
		return apptypes.ContainerCreated
	case "restarting":
		return apptypes.ContainerRestarting
	case "exited", "dead":
		return apptypes.ContainerExited
	case "paused":
		return apptypes.ContainerPaused
	default:
		return apptypes.ContainerUnknown
	}
}

func (m *Manager) notify(event Event) {
	if m.notifier == nil {
		return
	}

	m.notifier.Notify(event)
}

// failOperation records a failure notification for an operation that did
// not reach its terminal state.
func (m *Manager) failOperation(appName, operation string, err error) {
	m.log.WithError(err).WithFields(logrus.Fields{"app": appName, "operation": operation}).Warn("lifecycle operation failed")
	m.notify(Event{Kind: EventFSMFailed, AppName: appName, Operation: operation, Err: err})

	if m.metrics != nil {
		m.metrics.RecordFSMFailure(operation)
	}
}

// recordStart starts an operation's metrics span, if metrics are wired, and
// returns a func reporting its outcome from the machine's run error.
func (m *Manager) recordStart(operation string) func(err error) {
	if m.metrics == nil {
		return func(error) {}
	}

	done := m.metrics.RecordTaskStart(operation)

	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}

		done(outcome)
	}
}

// recordTransition reports a state reached by a running machine, used as
// every buildXMachine's OnTransition observer.
func (m *Manager) recordTransition(s fsm.State) {
	if m.metrics != nil {
		m.metrics.RecordFSMTransition(string(s))
	}
}

// teardownAppSessions ends every shell session and cancels every log tail
// attached to appName's containers, used once an operation has stopped or
// removed those containers (Stop/Purge/Destroy) so no streaming worker is
// left attached to a container that no longer runs.
func (m *Manager) teardownAppSessions(appName string) {
	if m.shellSessions != nil {
		m.shellSessions.TerminateApp(appName)
	}

	if m.logStreams != nil {
		m.logStreams.StopApp(appName)
	}
}

// inspectHandler is shared by every machine that needs a live container
// snapshot mid-run (Run, Stop, Rebuild, Adopt).
func (m *Manager) inspectHandler(next fsm.State) fsm.Handler {
	return func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
		app := fctx.AppData

		summaries, err := m.engine.ListProjectContainers(ctx, app.Name)
		if err != nil {
			return "", fmt.Errorf("failed to inspect containers for %s: %w", app.Name, err)
		}

		app.Services = m.deriveContainerStates(summaries, app.Settings)

		return next, nil
	}
}

// updateAppDataHandler recomputes the app's derived status from its current
// services and override state, then persists it to the registry.
func (m *Manager) updateAppDataHandler(next fsm.State) fsm.Handler {
	return func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
		app := fctx.AppData
		app.Status = apptypes.DeriveStatus(app.Services, fctx.AppState)
		now := time.Now()
		app.LastChecked = &now

		if err := m.registry.Save(app); err != nil {
			return "", fmt.Errorf("failed to save app %s: %w", app.Name, err)
		}

		return next, nil
	}
}

// setFinishedHandler clears any Creating/Destroying override, persists the
// final derived status (unless the app has already left the registry, as
// after Destroy), requests a one-shot rescan, and fires the operation's
// terminal notification.
func (m *Manager) setFinishedHandler(taskID, operation string, kind EventKind) fsm.Handler {
	return func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
		app := fctx.AppData
		fctx.AppState = ""
		app.Status = apptypes.DeriveStatus(app.Services, "")

		if _, registered := m.registry.Get(app.Name); registered {
			if err := m.registry.Save(app); err != nil {
				return "", fmt.Errorf("failed to save app %s: %w", app.Name, err)
			}
		}

		m.registry.RequestRescan(app.Name)
		m.tasks.AddInfo(taskID, fmt.Sprintf("%s finished", operation))
		m.notify(Event{Kind: kind, AppName: app.Name, Operation: operation})

		return terminal, nil
	}
}

// runPostActionsHandler looks up and runs the named blueprint action, if
// the app has a blueprint and the blueprint declares that action; otherwise
// it is a no-op, per spec.
func (m *Manager) runPostActionsHandler(taskID, actionName string, next fsm.State) fsm.Handler {
	return func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
		app := fctx.AppData

		if app.Settings == nil || app.Settings.AppBlueprint == "" || m.blueprints == nil {
			return next, nil
		}

		cmdName, args, ok := m.blueprints.Action(app.Settings.AppBlueprint, actionName)
		if !ok {
			return next, nil
		}

		env, err := m.resolveEnv(ctx, app)
		if err != nil {
			return "", err
		}

		m.tasks.AddInfo(taskID, fmt.Sprintf("running action %s", actionName))

		code, err := m.tasks.RunCommand(ctx, taskID, app.RootDir, cmdName, args, env)
		if err != nil {
			return "", err
		}

		if code != 0 {
			return "", fmt.Errorf("action %s exited with code %d", actionName, code)
		}

		return next, nil
	}
}
