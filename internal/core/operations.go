package core

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/factorialio/scotty/internal/apierrors"
	"github.com/factorialio/scotty/internal/appsettings"
	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/authz"
	"github.com/factorialio/scotty/internal/compose"
	"github.com/factorialio/scotty/internal/lifecycle"
	"github.com/factorialio/scotty/internal/task"
)

// CurrentUser is the authenticated caller every operation below checks
// permissions against, resolved upstream by bearer lookup or OIDC claims.
type CurrentUser struct {
	ID string
}

// CustomDomain binds an extra domain to one of a Create request's public
// services, per spec §6.
type CustomDomain struct {
	Domain  string
	Service string
}

// FileUpload is one file submitted with a Create request, content
// transported as base64 over the wire per spec §6.
type FileUpload struct {
	Name          string
	ContentBase64 string
}

// CreateAppRequest is the Create operation's request body, per spec §6.
type CreateAppRequest struct {
	AppName       string
	CustomDomains []CustomDomain
	Settings      apptypes.AppSettings
	Files         []FileUpload
}

// RunningAppContext is returned by Create and every app-lifecycle operation:
// the task id driving the background FSM plus the app's current data.
type RunningAppContext struct {
	Task    string
	AppData *apptypes.App
}

func (c *Container) requireAppPermission(user CurrentUser, app *apptypes.App, action authz.Permission) error {
	if !c.Authz.CheckPermission(user.ID, appScopes(app), action) {
		return apierrors.Forbiddenf("user %q lacks %s on app %q", user.ID, action, app.Name)
	}

	return nil
}

func (c *Container) lookupApp(name string) (*apptypes.App, error) {
	app, ok := c.Registry.Get(name)
	if !ok {
		return nil, apierrors.NotFoundf("app %q not found", name)
	}

	return app, nil
}

// requireMutable rejects operations against an Unsupported app (spec §7)
// and against an app whose own Create/Destroy FSM is already in flight.
func requireMutable(app *apptypes.App) error {
	if app.Status == apptypes.StatusUnsupported {
		return apierrors.New(apierrors.OperationNotSupportedLegacy, fmt.Sprintf("app %q is unsupported", app.Name))
	}

	if app.Status == apptypes.StatusCreating || app.Status == apptypes.StatusDestroying {
		return apierrors.Conflictf("app %q has an operation already in progress", app.Name)
	}

	return nil
}

// ListApps returns every app user holds View on, per spec §6.
func (c *Container) ListApps(user CurrentUser) ([]*apptypes.App, error) {
	all := c.Registry.List()
	visible := make([]*apptypes.App, 0, len(all))

	for _, app := range all {
		if c.Authz.CheckPermission(user.ID, appScopes(app), authz.View) {
			visible = append(visible, app)
		}
	}

	return visible, nil
}

// Info returns one app, after a View check.
func (c *Container) Info(user CurrentUser, appID string) (*apptypes.App, error) {
	app, err := c.lookupApp(appID)
	if err != nil {
		return nil, err
	}

	if err := c.requireAppPermission(user, app, authz.View); err != nil {
		return nil, err
	}

	return app, nil
}

func (c *Container) runLifecycleOp(
	user CurrentUser, appID string, action authz.Permission,
	op func(ctx context.Context, name string) (string, error),
) (RunningAppContext, error) {
	app, err := c.lookupApp(appID)
	if err != nil {
		return RunningAppContext{}, err
	}

	if err := c.requireAppPermission(user, app, action); err != nil {
		return RunningAppContext{}, err
	}

	if err := requireMutable(app); err != nil {
		return RunningAppContext{}, err
	}

	taskID, err := op(context.Background(), appID)
	if err != nil {
		return RunningAppContext{}, apierrors.Wrap(apierrors.Internal, "failed to start operation", err)
	}

	return RunningAppContext{Task: taskID, AppData: app}, nil
}

// Run starts appID's containers, after a Manage check.
func (c *Container) Run(user CurrentUser, appID string) (RunningAppContext, error) {
	return c.runLifecycleOp(user, appID, authz.Manage, c.Lifecycle.Run)
}

// Stop stops appID's containers, after a Manage check.
func (c *Container) Stop(user CurrentUser, appID string) (RunningAppContext, error) {
	return c.runLifecycleOp(user, appID, authz.Manage, c.Lifecycle.Stop)
}

// Purge brings appID down and removes its containers/volumes, after a
// Manage check.
func (c *Container) Purge(user CurrentUser, appID string) (RunningAppContext, error) {
	return c.runLifecycleOp(user, appID, authz.Manage, c.Lifecycle.Purge)
}

// Rebuild rebuilds appID's images and restarts it, after a Manage check.
func (c *Container) Rebuild(user CurrentUser, appID string) (RunningAppContext, error) {
	return c.runLifecycleOp(user, appID, authz.Manage, c.Lifecycle.Rebuild)
}

// Destroy removes appID entirely (directory, registry entry), after a
// Destroy check.
func (c *Container) Destroy(user CurrentUser, appID string) (RunningAppContext, error) {
	return c.runLifecycleOp(user, appID, authz.Destroy, c.Lifecycle.Destroy)
}

// Adopt brings an unmanaged compose project under control, after a Create
// check (adoption introduces a new managed app the same way Create does).
func (c *Container) Adopt(user CurrentUser, appID, composePath string) (RunningAppContext, error) {
	if !c.Authz.CheckPermission(user.ID, []string{"default"}, authz.Create) {
		return RunningAppContext{}, apierrors.Forbiddenf("user %q lacks Create", user.ID)
	}

	taskID, err := c.Lifecycle.Adopt(context.Background(), appID, composePath)
	if err != nil {
		return RunningAppContext{}, apierrors.Wrap(apierrors.Internal, "failed to start adopt", err)
	}

	app, _ := c.Registry.Get(appID)

	return RunningAppContext{Task: taskID, AppData: app}, nil
}

func requestScopes(settings apptypes.AppSettings) []string {
	if len(settings.Scopes) == 0 {
		return []string{"default"}
	}

	return settings.Scopes
}

// Create validates and materializes a new app, per spec §6's four rules.
func (c *Container) Create(user CurrentUser, req CreateAppRequest) (RunningAppContext, error) {
	if !c.Authz.CheckPermission(user.ID, requestScopes(req.Settings), authz.Create) {
		return RunningAppContext{}, apierrors.Forbiddenf("user %q lacks Create", user.ID)
	}

	files := make(map[string][]byte, len(req.Files))
	names := make([]string, 0, len(req.Files))

	for _, f := range req.Files {
		content, err := base64.StdEncoding.DecodeString(f.ContentBase64)
		if err != nil {
			return RunningAppContext{}, apierrors.Validationf("file %q is not valid base64: %v", f.Name, err)
		}

		files[f.Name] = content
		names = append(names, f.Name)
	}

	composeName, ok := compose.FindComposeFile(names)
	if !ok {
		return RunningAppContext{}, apierrors.Validationf(
			"files must include a compose file named one of: %v", compose.RecognizedNames())
	}

	services, err := compose.ParseServiceNames(files[composeName])
	if err != nil {
		return RunningAppContext{}, apierrors.Validationf("failed to parse compose file: %v", err)
	}

	publicServiceNames := make([]string, 0, len(req.Settings.PublicServices))
	for _, ps := range req.Settings.PublicServices {
		publicServiceNames = append(publicServiceNames, ps.Service)
	}

	if err := compose.ValidatePublicServices(services, publicServiceNames); err != nil {
		return RunningAppContext{}, apierrors.Validationf("%v", err)
	}

	if req.Settings.Registry != "" {
		if _, ok := c.registries[req.Settings.Registry]; !ok {
			return RunningAppContext{}, apierrors.Validationf("registry %q is not configured", req.Settings.Registry)
		}
	}

	if req.Settings.AppBlueprint != "" {
		required, ok := c.Blueprint.RequiredServices(req.Settings.AppBlueprint)
		if !ok {
			return RunningAppContext{}, apierrors.Validationf("app_blueprint %q is not configured", req.Settings.AppBlueprint)
		}

		for _, svc := range required {
			if !services.HasService(svc) {
				return RunningAppContext{}, apierrors.Validationf(
					"app_blueprint %q requires service %q, not present in compose file", req.Settings.AppBlueprint, svc)
			}
		}
	}

	settings, err := appsettings.Merge(apptypes.DefaultAppSettings(), req.Settings)
	if err != nil {
		return RunningAppContext{}, apierrors.Wrap(apierrors.Internal, "failed to merge settings", err)
	}

	if err := applyCustomDomains(&settings, req.CustomDomains); err != nil {
		return RunningAppContext{}, err
	}

	taskID, err := c.Lifecycle.Create(context.Background(), lifecycle.CreateRequest{
		Name:     req.AppName,
		Files:    files,
		Settings: settings,
	})
	if err != nil {
		return RunningAppContext{}, apierrors.Wrap(apierrors.Conflict, "failed to start create", err)
	}

	app, _ := c.Registry.Get(req.AppName)

	return RunningAppContext{Task: taskID, AppData: app}, nil
}

// applyCustomDomains appends each custom domain to the matching public
// service's Domains list, per spec §6's create-request shape.
func applyCustomDomains(settings *apptypes.AppSettings, domains []CustomDomain) error {
	for _, d := range domains {
		found := false

		for i := range settings.PublicServices {
			if settings.PublicServices[i].Service == d.Service {
				settings.PublicServices[i].Domains = append(settings.PublicServices[i].Domains, d.Domain)
				found = true

				break
			}
		}

		if !found {
			return apierrors.Validationf("custom_domains references unknown service %q", d.Service)
		}
	}

	return nil
}

// TaskDetail returns one task's details, after a View check against its
// owning app.
func (c *Container) TaskDetail(user CurrentUser, taskID string) (task.Details, error) {
	details, ok := c.Tasks.GetDetails(taskID)
	if !ok {
		return task.Details{}, apierrors.NotFoundf("task %q not found", taskID)
	}

	if app, ok := c.Registry.Get(details.AppName); ok {
		if err := c.requireAppPermission(user, app, authz.View); err != nil {
			return task.Details{}, err
		}
	}

	return details, nil
}

// TaskList returns every task user holds View on (by owning app), per
// spec §6.
func (c *Container) TaskList(user CurrentUser) ([]task.Details, error) {
	all := c.Tasks.List()
	visible := make([]task.Details, 0, len(all))

	for _, d := range all {
		app, ok := c.Registry.Get(d.AppName)
		if !ok || c.Authz.CheckPermission(user.ID, appScopes(app), authz.View) {
			visible = append(visible, d)
		}
	}

	return visible, nil
}

// AddNotification appends name to appID's notify list and persists it,
// after a Manage check.
func (c *Container) AddNotification(user CurrentUser, appID, name string) error {
	return c.mutateNotify(user, appID, func(settings *apptypes.AppSettings) {
		for _, n := range settings.Notify {
			if n == name {
				return
			}
		}

		settings.Notify = append(settings.Notify, name)
	})
}

// RemoveNotification drops name from appID's notify list and persists it,
// after a Manage check.
func (c *Container) RemoveNotification(user CurrentUser, appID, name string) error {
	return c.mutateNotify(user, appID, func(settings *apptypes.AppSettings) {
		filtered := settings.Notify[:0:0]

		for _, n := range settings.Notify {
			if n != name {
				filtered = append(filtered, n)
			}
		}

		settings.Notify = filtered
	})
}

func (c *Container) mutateNotify(user CurrentUser, appID string, mutate func(*apptypes.AppSettings)) error {
	app, err := c.lookupApp(appID)
	if err != nil {
		return err
	}

	if err := c.requireAppPermission(user, app, authz.Manage); err != nil {
		return err
	}

	if app.Settings == nil {
		defaults := apptypes.DefaultAppSettings()
		app.Settings = &defaults
	}

	mutate(app.Settings)

	if err := appsettings.Save(app.RootDir, *app.Settings); err != nil {
		return apierrors.Wrap(apierrors.Internal, "failed to save settings", err)
	}

	if err := c.Registry.Save(app); err != nil {
		return apierrors.Wrap(apierrors.Internal, "failed to persist app", err)
	}

	return nil
}
