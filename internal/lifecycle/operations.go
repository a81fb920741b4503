package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/factorialio/scotty/internal/appsettings"
	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/fsm"
)

// State names used across the machines below. Several operations reuse the
// same name (Inspect, UpdateAppData, SetFinished) for states that do
// conceptually the same work; each machine owns its own handler table so
// this is never ambiguous.
const (
	stateCreateDirectory          fsm.State = "CreateDirectory"
	stateSaveSettings             fsm.State = "SaveSettings"
	stateSaveFiles                fsm.State = "SaveFiles"
	stateCreateLoadBalancerConfig fsm.State = "CreateLoadBalancerConfig"
	stateRunRebuild               fsm.State = "RunRebuild"
	stateRunPostActions           fsm.State = "RunPostActions"
	stateUpdateAppData            fsm.State = "UpdateAppData"
	stateSetFinished              fsm.State = "SetFinished"

	stateEnsureLoadBalancerConfig fsm.State = "EnsureLoadBalancerConfig"
	stateStart                    fsm.State = "Start"
	stateInspect                  fsm.State = "Inspect"

	stateStop fsm.State = "Stop"
	stateDown fsm.State = "Down"

	stateRemoveDirectory    fsm.State = "RemoveDirectory"
	stateRemoveFromRegistry fsm.State = "RemoveFromRegistry"

	statePull  fsm.State = "Pull"
	stateBuild fsm.State = "Build"

	stateDeriveSettings fsm.State = "DeriveSettings"

	stateRunAction fsm.State = "RunAction"
)

// saveSettingsHandler writes app.Settings as the app's .scotty.yml, used by
// both Create and Adopt.
func (m *Manager) saveSettingsHandler(next fsm.State) fsm.Handler {
	return func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
		app := fctx.AppData
		if app.Settings == nil {
			return "", fmt.Errorf("no settings to save for %s", app.Name)
		}

		if err := appsettings.Save(app.RootDir, *app.Settings); err != nil {
			return "", fmt.Errorf("failed to write settings for %s: %w", app.Name, err)
		}

		return next, nil
	}
}

// Create materializes a new app's directory and files, brings it up via the
// Rebuild machine, and runs its PostCreate action. Returns the id of the
// virtual task driving the whole operation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if _, exists := m.registry.Get(req.Name); exists {
		return "", fmt.Errorf("app %q already exists", req.Name)
	}

	app := &apptypes.App{
		Name:        req.Name,
		RootDir:     filepath.Join(m.appsRoot, req.Name),
		ComposePath: filepath.Join(m.appsRoot, req.Name, composeFileNameFor(req.Files)),
		Status:      apptypes.StatusCreating,
		Settings:    &req.Settings,
	}

	taskID := m.tasks.Run(app.Name, "lifecycle:create", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(app.Name)
		defer unlock()

		done := m.recordStart("Create")
		fctx := &fsm.Context{AppState: apptypes.StatusCreating, AppData: app}

		machine := m.buildCreateMachine(taskID, req.Files)
		err := machine.Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(app.Name, "Create", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildCreateMachine(taskID string, files map[string][]byte) *fsm.Machine {
	return fsm.New("Create", stateCreateDirectory, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateCreateDirectory, func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
			if err := os.MkdirAll(fctx.AppData.RootDir, 0o755); err != nil {
				return "", fmt.Errorf("failed to create app directory: %w", err)
			}

			return stateSaveSettings, nil
		}).
		AddHandler(stateSaveSettings, m.saveSettingsHandler(stateSaveFiles)).
		AddHandler(stateSaveFiles, func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
			for name, content := range files {
				path := filepath.Join(fctx.AppData.RootDir, name)
				if err := os.WriteFile(path, content, 0o644); err != nil {
					return "", fmt.Errorf("failed to write %s: %w", name, err)
				}
			}

			return stateCreateLoadBalancerConfig, nil
		}).
		AddHandler(stateCreateLoadBalancerConfig, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			if err := m.writeLoadBalancerConfig(ctx, fctx.AppData); err != nil {
				return "", err
			}

			return stateRunRebuild, nil
		}).
		AddHandler(stateRunRebuild, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			if err := m.buildRebuildMachine(taskID).Run(ctx, fctx); err != nil {
				return "", err
			}

			return stateRunPostActions, nil
		}).
		AddHandler(stateRunPostActions, m.runPostActionsHandler(taskID, "PostCreate", stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Create", EventAppCreated))
}

// Run starts an existing app's containers.
func (m *Manager) Run(ctx context.Context, name string) (string, error) {
	app, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("app %q not found", name)
	}

	taskID := m.tasks.Run(name, "lifecycle:run", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("Run")
		fctx := &fsm.Context{AppData: app}

		err := m.buildRunMachine(taskID).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "Run", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildRunMachine(taskID string) *fsm.Machine {
	return fsm.New("Run", stateEnsureLoadBalancerConfig, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateEnsureLoadBalancerConfig, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			if err := m.writeLoadBalancerConfig(ctx, fctx.AppData); err != nil {
				return "", err
			}

			return stateStart, nil
		}).
		AddHandler(stateStart, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			app := fctx.AppData

			env, err := m.resolveEnv(ctx, app)
			if err != nil {
				return "", err
			}

			if err := m.runCompose(ctx, taskID, app, env, "up", "-d"); err != nil {
				return "", err
			}

			return stateInspect, nil
		}).
		AddHandler(stateInspect, m.inspectHandler(stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Run", EventAppStarted))
}

// Stop stops an app's containers without removing them.
func (m *Manager) Stop(ctx context.Context, name string) (string, error) {
	app, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("app %q not found", name)
	}

	taskID := m.tasks.Run(name, "lifecycle:stop", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("Stop")
		fctx := &fsm.Context{AppData: app}

		err := m.buildStopMachine(taskID).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "Stop", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildStopMachine(taskID string) *fsm.Machine {
	return fsm.New("Stop", stateStop, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateStop, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			app := fctx.AppData

			env, err := m.resolveEnv(ctx, app)
			if err != nil {
				return "", err
			}

			if err := m.runCompose(ctx, taskID, app, env, "stop"); err != nil {
				return "", err
			}

			m.teardownAppSessions(app.Name)

			return stateInspect, nil
		}).
		AddHandler(stateInspect, m.inspectHandler(stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Stop", EventAppStopped))
}

// Purge tears down an app's containers and volumes, keeping its directory
// and registry entry. Down passes the volumes-removal flag here for the
// same reason Destroy's Down step does below.
func (m *Manager) Purge(ctx context.Context, name string) (string, error) {
	app, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("app %q not found", name)
	}

	taskID := m.tasks.Run(name, "lifecycle:purge", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("Purge")
		fctx := &fsm.Context{AppData: app}

		err := m.buildPurgeMachine(taskID).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "Purge", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildPurgeMachine(taskID string) *fsm.Machine {
	return fsm.New("Purge", stateDown, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateDown, m.downHandler(taskID, stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Purge", EventAppPurged))
}

// Destroy tears down an app's containers and volumes, then removes its
// directory and registry entry entirely.
func (m *Manager) Destroy(ctx context.Context, name string) (string, error) {
	app, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("app %q not found", name)
	}

	taskID := m.tasks.Run(name, "lifecycle:destroy", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("Destroy")
		fctx := &fsm.Context{AppState: apptypes.StatusDestroying, AppData: app}

		err := m.buildDestroyMachine(taskID).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "Destroy", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildDestroyMachine(taskID string) *fsm.Machine {
	return fsm.New("Destroy", stateDown, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateDown, m.downHandler(taskID, stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateRemoveDirectory)).
		AddHandler(stateRemoveDirectory, func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
			if err := os.RemoveAll(fctx.AppData.RootDir); err != nil {
				return "", fmt.Errorf("failed to remove directory for %s: %w", fctx.AppData.Name, err)
			}

			return stateRemoveFromRegistry, nil
		}).
		AddHandler(stateRemoveFromRegistry, func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
			if err := m.registry.Remove(fctx.AppData.Name); err != nil {
				return "", fmt.Errorf("failed to remove %s from registry: %w", fctx.AppData.Name, err)
			}

			return stateSetFinished, nil
		}).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Destroy", EventAppDestroyed))
}

// downHandler runs "docker compose down -v", shared by Purge and Destroy.
// Both name it "Down" in the operation's state chain; neither spec text nor
// the teacher's own equivalent (orchestrator.Down, which always tears down
// infrastructure including volumes) distinguishes a lighter variant, so both
// pass the volumes flag.
func (m *Manager) downHandler(taskID string, next fsm.State) fsm.Handler {
	return func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
		app := fctx.AppData

		env, err := m.resolveEnv(ctx, app)
		if err != nil {
			return "", err
		}

		if err := m.runCompose(ctx, taskID, app, env, "down", "-v"); err != nil {
			return "", err
		}

		m.teardownAppSessions(app.Name)

		return next, nil
	}
}

// Rebuild pulls fresh images, rebuilds and restarts an app, and runs its
// PostRebuild action. Create delegates its own build-and-run step to this
// same machine via composition.
func (m *Manager) Rebuild(ctx context.Context, name string) (string, error) {
	app, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("app %q not found", name)
	}

	taskID := m.tasks.Run(name, "lifecycle:rebuild", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("Rebuild")
		fctx := &fsm.Context{AppData: app}

		err := m.buildRebuildMachine(taskID).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "Rebuild", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildRebuildMachine(taskID string) *fsm.Machine {
	return fsm.New("Rebuild", statePull, terminal).
		OnTransition(m.recordTransition).
		AddHandler(statePull, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			app := fctx.AppData

			env, err := m.resolveEnv(ctx, app)
			if err != nil {
				return "", err
			}

			// A pull failure (image not found, registry unreachable) is
			// logged but not fatal: compose build below may still succeed
			// off cached layers or a local Dockerfile.
			if err := m.runCompose(ctx, taskID, app, env, "pull"); err != nil {
				m.tasks.AddInfo(taskID, "pull failed, continuing: "+err.Error())
			}

			return stateBuild, nil
		}).
		AddHandler(stateBuild, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			app := fctx.AppData

			env, err := m.resolveEnv(ctx, app)
			if err != nil {
				return "", err
			}

			if err := m.runCompose(ctx, taskID, app, env, "build"); err != nil {
				return "", err
			}

			return stateStart, nil
		}).
		AddHandler(stateStart, func(ctx context.Context, fctx *fsm.Context) (fsm.State, error) {
			app := fctx.AppData

			env, err := m.resolveEnv(ctx, app)
			if err != nil {
				return "", err
			}

			if err := m.runCompose(ctx, taskID, app, env, "up", "-d", "--force-recreate"); err != nil {
				return "", err
			}

			return stateRunPostActions, nil
		}).
		AddHandler(stateRunPostActions, m.runPostActionsHandler(taskID, "PostRebuild", stateInspect)).
		AddHandler(stateInspect, m.inspectHandler(stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Rebuild", EventAppRebuilt))
}

// Adopt inspects a directory that already has running compose containers
// outside scotty's knowledge and derives minimal settings for it.
func (m *Manager) Adopt(ctx context.Context, name, composePath string) (string, error) {
	if _, exists := m.registry.Get(name); exists {
		return "", fmt.Errorf("app %q already managed", name)
	}

	app := &apptypes.App{
		Name:        name,
		RootDir:     filepath.Dir(composePath),
		ComposePath: composePath,
	}

	taskID := m.tasks.Run(name, "lifecycle:adopt", m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("Adopt")
		fctx := &fsm.Context{AppData: app}

		err := m.buildAdoptMachine(taskID).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "Adopt", err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildAdoptMachine(taskID string) *fsm.Machine {
	return fsm.New("Adopt", stateInspect, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateInspect, m.inspectHandler(stateDeriveSettings)).
		AddHandler(stateDeriveSettings, func(_ context.Context, fctx *fsm.Context) (fsm.State, error) {
			settings := apptypes.DefaultAppSettings()
			fctx.AppData.Settings = &settings

			return stateSaveSettings, nil
		}).
		AddHandler(stateSaveSettings, m.saveSettingsHandler(stateUpdateAppData)).
		AddHandler(stateUpdateAppData, m.updateAppDataHandler(stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "Adopt", EventAppAdopted))
}

// CustomAction runs a single named blueprint action against a running app
// without otherwise changing its lifecycle state.
func (m *Manager) CustomAction(ctx context.Context, name, action string) (string, error) {
	app, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("app %q not found", name)
	}

	taskID := m.tasks.Run(name, "lifecycle:action:"+action, m.out, func(ctx context.Context, taskID string) error {
		unlock := m.lockApp(name)
		defer unlock()

		done := m.recordStart("CustomAction:" + action)
		fctx := &fsm.Context{AppData: app}

		err := m.buildCustomActionMachine(taskID, action).Run(ctx, fctx)
		done(err)

		if err != nil {
			m.failOperation(name, "CustomAction:"+action, err)
			return err
		}

		return nil
	})

	return taskID, nil
}

func (m *Manager) buildCustomActionMachine(taskID, action string) *fsm.Machine {
	return fsm.New("CustomAction:"+action, stateRunAction, terminal).
		OnTransition(m.recordTransition).
		AddHandler(stateRunAction, m.runPostActionsHandler(taskID, action, stateSetFinished)).
		AddHandler(stateSetFinished, m.setFinishedHandler(taskID, "CustomAction:"+action, EventActionRun))
}

// composeFileNameFor picks the compose filename out of a Create request's
// file set, preferring compose.yml and falling back through the recognized
// names, matching internal/compose's own detection priority.
func composeFileNameFor(files map[string][]byte) string {
	for _, candidate := range []string{"compose.yml", "compose.yaml", "docker-compose.yml", "docker-compose.yaml"} {
		if _, ok := files[candidate]; ok {
			return candidate
		}
	}

	return "compose.yml"
}
