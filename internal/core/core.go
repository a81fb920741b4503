// Package core assembles the root application container named in spec §9
// ("Global state"): one struct holding the engine client, app registry,
// lifecycle manager, task manager, messenger, the three streaming services,
// the authorization and rate-limit policy enforcers, and the notification
// dispatcher, plus the operations surface of spec §6 built on top of them.
// Every component receives its dependencies by constructor argument; there
// is no package-level singleton anywhere in this module.
//
// Grounded on cmd/xcli/main.go's composition root (every subsystem
// constructed once and threaded explicitly into the next) and
// pkg/cc/api.go's apiHandler (one struct holding every collaborator an
// operation-shaped method needs, methods grouped by concern across several
// files in the same package).
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/authz"
	"github.com/factorialio/scotty/internal/engine"
	"github.com/factorialio/scotty/internal/lifecycle"
	"github.com/factorialio/scotty/internal/loadbalancer"
	"github.com/factorialio/scotty/internal/logstream"
	"github.com/factorialio/scotty/internal/metrics"
	"github.com/factorialio/scotty/internal/notify"
	"github.com/factorialio/scotty/internal/ratelimit"
	"github.com/factorialio/scotty/internal/registry"
	"github.com/factorialio/scotty/internal/scheduler"
	"github.com/factorialio/scotty/internal/secret"
	"github.com/factorialio/scotty/internal/shell"
	"github.com/factorialio/scotty/internal/task"
	"github.com/factorialio/scotty/internal/taskstream"
	"github.com/factorialio/scotty/internal/wsmsg"
)

// OIDCValidator validates a bearer token against the configured OIDC
// issuer, returning the claims the issuer attests to. Only consulted in
// AuthOAuth mode; nil in Development and Bearer modes.
type OIDCValidator interface {
	ValidateToken(ctx context.Context, token string) (claims map[string]string, err error)
}

// AuthMode selects how a new WebSocket connection authenticates, per
// spec §6.
type AuthMode string

const (
	AuthDevelopment AuthMode = "development"
	AuthBearer      AuthMode = "bearer"
	AuthOAuth       AuthMode = "oauth"
)

// Config bundles every construction-time setting the root container needs.
// Collaborators the spec treats as external (vault clients, notification
// transports, the OIDC validator behind AuthOAuth) are constructed by the
// caller (cmd/scottyd) and passed in already built.
type Config struct {
	AppsRoot               string
	AuthMode               AuthMode
	BaseURL                string
	AuthzPolicyPath        string
	BlueprintsPath         string
	LegacyToken            string
	LBFlavor               loadbalancer.Flavor
	LBGlobal               loadbalancer.GlobalSettings
	TaskOutput             task.OutputSettings
	ShellTTL               time.Duration
	MaxShellSessions       int
	MaxShellSessionsPerApp int
	VaultClients           map[string]secret.VaultClient
	NotifyReceivers        map[string]notify.Receiver
	RateLimit              ratelimit.Config
	Scheduler              scheduler.Config
	MetricsEnabled         bool
	OIDCValidator          OIDCValidator

	// ConfiguredRegistries lists the image-pull registry names operators
	// have configured credentials for; an AppSettings.Registry naming
	// anything else fails Create validation rule (c).
	ConfiguredRegistries []string
}

// Container is the root object wiring every subsystem together.
type Container struct {
	log logrus.FieldLogger
	cfg Config

	Engine    *engine.Client
	Authz     *authz.Engine
	Registry  *registry.Registry
	Secrets   *secret.Resolver
	Blueprint *Blueprints
	Notify    *notify.Dispatcher
	Tasks     *task.Manager
	Hub       *wsmsg.Hub
	Lifecycle *lifecycle.Manager
	LogStream *logstream.Service
	Shell     *shell.Service
	TaskOut   *taskstream.Service
	RateLimit *ratelimit.Limiter
	Metrics   *metrics.Metrics
	Sessions  *SessionStore
	Scheduler *scheduler.Scheduler

	registries map[string]struct{}

	clientIDsMu sync.Mutex
	clientIDs   map[*wsmsg.Client]string

	connMu     sync.Mutex
	shellOwned map[*wsmsg.Client]map[string]struct{}
	logOwned   map[*wsmsg.Client]map[string]struct{}
	taskOwned  map[*wsmsg.Client]map[string]struct{}
}

// clientSessionID returns the stable identifier this container uses to key
// per-connection shell/task-output subscriptions, assigning one on first
// use and reusing it for the lifetime of the connection.
func (c *Container) clientSessionID(client *wsmsg.Client) string {
	c.clientIDsMu.Lock()
	defer c.clientIDsMu.Unlock()

	if id, ok := c.clientIDs[client]; ok {
		return id
	}

	id := uuid.NewString()
	c.clientIDs[client] = id

	return id
}

// New assembles every subsystem in dependency order and wires the
// WebSocket hub's inbound handler back to the container.
func New(log logrus.FieldLogger, cfg Config, eng *engine.Client) (*Container, error) {
	authzEngine, err := authz.Load(log, cfg.AuthzPolicyPath, cfg.LegacyToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization policy: %w", err)
	}

	blueprints, err := LoadBlueprints(log, cfg.BlueprintsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load blueprints: %w", err)
	}

	registries := make(map[string]struct{}, len(cfg.ConfiguredRegistries))
	for _, r := range cfg.ConfiguredRegistries {
		registries[r] = struct{}{}
	}

	c := &Container{
		log:        log.WithField("component", "core"),
		cfg:        cfg,
		Engine:     eng,
		Authz:      authzEngine,
		Blueprint:  blueprints,
		Sessions:   NewSessionStore(),
		registries: registries,
		clientIDs:  make(map[*wsmsg.Client]string),
		shellOwned: make(map[*wsmsg.Client]map[string]struct{}),
		logOwned:   make(map[*wsmsg.Client]map[string]struct{}),
		taskOwned:  make(map[*wsmsg.Client]map[string]struct{}),
	}

	c.Registry = registry.New(log, cfg.AppsRoot, eng, authzEngine)
	c.Secrets = secret.NewResolver(log, cfg.VaultClients)
	c.Hub = wsmsg.NewHub(log)
	c.Tasks = task.NewManager(log, c.Hub)
	c.Notify = notify.NewDispatcher(log, cfg.NotifyReceivers, appNotifySubscriptions{registry: c.Registry})

	c.LogStream = logstream.NewService(log, eng)
	c.Shell = shell.NewService(log, eng, cfg.ShellTTL, cfg.MaxShellSessions, cfg.MaxShellSessionsPerApp)
	c.TaskOut = taskstream.NewService(log, c.Tasks)
	c.RateLimit = ratelimit.New(cfg.RateLimit)

	var registerer prometheus.Registerer
	if cfg.MetricsEnabled {
		registerer = prometheus.DefaultRegisterer
	}

	c.Metrics = metrics.New(registerer)

	c.Lifecycle = lifecycle.NewManager(log, lifecycle.Config{
		AppsRoot:      cfg.AppsRoot,
		Tasks:         c.Tasks,
		Registry:      c.Registry,
		Engine:        eng,
		Env:           c.Secrets,
		Blueprints:    c.Blueprint,
		Notifier:      c.Notify,
		ShellSessions: c.Shell,
		LogStreams:    c.LogStream,
		Metrics:       c.Metrics,
		LBFlavor:      cfg.LBFlavor,
		LBGlobal:      cfg.LBGlobal,
		Output:        cfg.TaskOutput,
	})

	c.Scheduler = scheduler.New(log, cfg.Scheduler, c.Registry, c.Lifecycle, c.Tasks, c.unsubscribeTask)
	c.Scheduler.SetMetrics(c.Metrics)
	c.Scheduler.SetRateLimiter(c.RateLimit)

	c.Hub.SetMetrics(c.Metrics)
	c.Hub.SetHandler(c)

	return c, nil
}

// Run starts the scheduler's periodic loops and blocks until ctx is
// cancelled, matching lifecycle's own Run-blocks-until-cancelled shape.
func (c *Container) Run(ctx context.Context) error {
	return c.Scheduler.Run(ctx)
}

// unsubscribeTask drops every client's subscription to a cleaned-up task's
// output stream, passed to the scheduler as TaskCleaner's unsubscribe hook.
func (c *Container) unsubscribeTask(taskID string) {
	c.Hub.PublishTaskEnded(taskID, "task_cleanup")
}

// appNotifySubscriptions implements notify.Subscriptions over the registry:
// an app's configured settings.Notify list names the receivers its events
// fan out to, in addition to the dispatcher's always-present log receiver.
type appNotifySubscriptions struct {
	registry *registry.Registry
}

func (a appNotifySubscriptions) For(appName string) []string {
	app, ok := a.registry.Get(appName)
	if !ok || app.Settings == nil {
		return nil
	}

	return app.Settings.Notify
}

// appScopes returns an app's configured scopes, defaulting to ["default"]
// for an app with no settings yet (mirrors apptypes.DefaultAppSettings).
func appScopes(app *apptypes.App) []string {
	if app.Settings == nil || len(app.Settings.Scopes) == 0 {
		return []string{"default"}
	}

	return app.Settings.Scopes
}
