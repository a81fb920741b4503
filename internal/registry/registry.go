// Package registry implements the app registry (C12): a periodic directory
// walk of the apps root that discovers compose projects, loads their
// persisted settings, cross-references live container state from the
// engine, and keeps each app's derived status and authorization scopes
// current.
//
// Grounded on pkg/discovery/discovery.go's repo-discovery loop: a fixed set
// of expected entries, each independently validated and logged, generalized
// here from a small fixed map of named repositories to an open-ended walk of
// whatever directories exist under the apps root.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/appsettings"
	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/compose"
	"github.com/factorialio/scotty/internal/engine"
)

// Engine is the subset of internal/engine.Client the registry needs to
// cross-reference live container state against a discovered app.
type Engine interface {
	ListProjectContainers(ctx context.Context, project string) ([]engine.ContainerSummary, error)
}

// ScopeSync is the subset of internal/authz.Engine the registry keeps in
// sync: every discovered app's configured scopes are mirrored into the
// authorization engine's app-scopes table after each scan.
type ScopeSync interface {
	SetAppScopes(app string, scopes []string) error
}

// Registry holds the in-memory view of every known app, refreshed by Scan
// and by targeted single-app rescans.
type Registry struct {
	log    logrus.FieldLogger
	root   string
	engine Engine
	scopes ScopeSync

	mu   sync.RWMutex
	apps map[string]*apptypes.App
}

// New creates a Registry rooted at appsRoot. Scan must be called at least
// once (and then periodically, by the scheduler) before Get reflects
// anything on disk.
func New(log logrus.FieldLogger, appsRoot string, eng Engine, scopes ScopeSync) *Registry {
	return &Registry{
		log:    log.WithField("component", "registry"),
		root:   appsRoot,
		engine: eng,
		scopes: scopes,
		apps:   make(map[string]*apptypes.App),
	}
}

// Get returns the cached app record for name, if known.
func (r *Registry) Get(name string) (*apptypes.App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[name]

	return app, ok
}

// List returns every known app, sorted by name.
func (r *Registry) List() []*apptypes.App {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*apptypes.App, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Save updates the cached record for app, used by lifecycle FSMs that
// mutate an app's status or services mid-run. It does not touch disk; the
// persisted settings file is written directly by lifecycle.
func (r *Registry) Save(app *apptypes.App) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.apps[app.Name] = app

	return nil
}

// Remove drops name from the cache, used by Destroy once its directory has
// been removed from disk.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.apps, name)

	return nil
}

// RequestRescan asynchronously re-syncs a single app's container state and
// scopes against the apps root, without waiting for the scheduler's next
// periodic Scan. Errors are logged, not returned, since no caller is
// waiting on the result.
func (r *Registry) RequestRescan(name string) {
	go func() {
		if err := r.syncOne(context.Background(), name); err != nil {
			r.log.WithError(err).WithField("app", name).Warn("rescan failed")
		}
	}()
}

// Scan walks the apps root, discovering every directory that contains a
// recognized compose file, loading its settings, and refreshing its
// container state and authorization scopes. Directories no longer present
// are dropped from the cache.
func (r *Registry) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read apps root %s: %w", r.root, err)
	}

	seen := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()

		composePath, err := compose.Detect(filepath.Join(r.root, name))
		if err != nil {
			r.log.WithError(err).WithField("app", name).Warn("failed to detect compose file")

			continue
		}

		if composePath == "" {
			continue
		}

		seen[name] = struct{}{}

		if err := r.syncOne(ctx, name); err != nil {
			r.log.WithError(err).WithField("app", name).Warn("failed to sync app")
		}
	}

	r.mu.Lock()
	for name := range r.apps {
		if _, ok := seen[name]; !ok {
			delete(r.apps, name)
		}
	}
	r.mu.Unlock()

	return nil
}

// syncOne loads name's settings and container state and refreshes its
// cache entry, creating one if this is the first time name is seen.
func (r *Registry) syncOne(ctx context.Context, name string) error {
	dir := filepath.Join(r.root, name)

	composePath, err := compose.Detect(dir)
	if err != nil {
		return fmt.Errorf("failed to detect compose file for %s: %w", name, err)
	}

	if composePath == "" {
		return fmt.Errorf("no recognized compose file for %s", name)
	}

	settings, err := appsettings.Load(dir)
	if err != nil {
		return fmt.Errorf("failed to load settings for %s: %w", name, err)
	}

	summaries, err := r.engine.ListProjectContainers(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to list containers for %s: %w", name, err)
	}

	services := deriveContainerStates(summaries, settings)

	r.mu.Lock()
	app, existed := r.apps[name]
	if !existed {
		app = &apptypes.App{Name: name}
		r.apps[name] = app
	}

	app.RootDir = dir
	app.ComposePath = composePath
	app.Settings = settings
	app.Services = services

	override := app.Status
	if override != apptypes.StatusCreating && override != apptypes.StatusDestroying {
		override = ""
	}

	newStatus := apptypes.DeriveStatus(services, override)

	switch {
	case newStatus == apptypes.StatusRunning && app.Status != apptypes.StatusRunning:
		now := time.Now()
		app.RunningSince = &now
	case newStatus != apptypes.StatusRunning:
		app.RunningSince = nil
	}

	app.Status = newStatus
	r.mu.Unlock()

	if r.scopes != nil && settings != nil {
		scopeList := settings.Scopes
		if len(scopeList) == 0 {
			scopeList = []string{"default"}
		}

		if err := r.scopes.SetAppScopes(name, scopeList); err != nil {
			return fmt.Errorf("failed to sync scopes for %s: %w", name, err)
		}
	}

	return nil
}

// deriveContainerStates converts engine container summaries into the
// registry's view of per-service state, cross-referenced against the app's
// configured public services for domain/port metadata. This mirrors
// internal/lifecycle's own deriveContainerStates; both packages need the
// conversion and neither may import the other (lifecycle defines the
// Registry interface registry satisfies), so the narrow piece of logic is
// duplicated rather than introducing a third shared package for a few lines.
func deriveContainerStates(summaries []engine.ContainerSummary, settings *apptypes.AppSettings) []apptypes.ContainerState {
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

			if settings != nil {
				state.BasicAuth = settings.BasicAuth
			}
		}

		out = append(out, state)
	}

	return out
}

func containerStatus(dockerState string) apptypes.ContainerStatus {
	switch dockerState {
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
