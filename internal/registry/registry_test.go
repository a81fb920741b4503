package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/appsettings"
	"github.com/factorialio/scotty/internal/apptypes"
	"github.com/factorialio/scotty/internal/engine"
)

type fakeEngine struct {
	mu        sync.Mutex
	summaries map[string][]engine.ContainerSummary
}

func (f *fakeEngine) ListProjectContainers(_ context.Context, project string) ([]engine.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.summaries[project], nil
}

type fakeScopes struct {
	mu     sync.Mutex
	scopes map[string][]string
}

func newFakeScopes() *fakeScopes {
	return &fakeScopes{scopes: map[string][]string{}}
}

func (f *fakeScopes) SetAppScopes(app string, scopes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scopes[app] = scopes

	return nil
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

func writeApp(t *testing.T, root, name, composeFile, settingsYAML string) {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, composeFile), []byte("services:\n  web:\n    image: nginx\n"), 0o644))

	if settingsYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, appsettings.FileName), []byte(settingsYAML), 0o644))
	}
}

func TestRegistry_ScanDiscoversApps(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeApp(t, root, "app-a", "compose.yml", "")
	writeApp(t, root, "app-b", "docker-compose.yml", "")

	eng := &fakeEngine{summaries: map[string][]engine.ContainerSummary{
		"app-a": {{ID: "c1", Service: "web", State: "running"}},
	}}
	scopes := newFakeScopes()

	r := New(testLogger(), root, eng, scopes)
	require.NoError(t, r.Scan(context.Background()))

	appA, ok := r.Get("app-a")
	require.True(t, ok)
	assert.Equal(t, apptypes.StatusRunning, appA.Status)
	assert.Equal(t, filepath.Join(root, "app-a", "compose.yml"), appA.ComposePath)

	appB, ok := r.Get("app-b")
	require.True(t, ok)
	assert.Equal(t, apptypes.StatusStopped, appB.Status)

	assert.Equal(t, []string{"default"}, scopes.scopes["app-a"])
}

func TestRegistry_ScanIgnoresDirectoriesWithoutComposeFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-an-app"), 0o755))

	r := New(testLogger(), root, &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}, newFakeScopes())
	require.NoError(t, r.Scan(context.Background()))

	_, ok := r.Get("not-an-app")
	assert.False(t, ok)
}

func TestRegistry_ScanDropsRemovedDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeApp(t, root, "app-a", "compose.yml", "")

	eng := &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}
	r := New(testLogger(), root, eng, newFakeScopes())
	require.NoError(t, r.Scan(context.Background()))

	_, ok := r.Get("app-a")
	require.True(t, ok)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "app-a")))
	require.NoError(t, r.Scan(context.Background()))

	_, ok = r.Get("app-a")
	assert.False(t, ok)
}

func TestRegistry_ScanPreservesCreatingOverride(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeApp(t, root, "app-a", "compose.yml", "")

	eng := &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}
	r := New(testLogger(), root, eng, newFakeScopes())

	r.mu.Lock()
	r.apps["app-a"] = &apptypes.App{Name: "app-a", Status: apptypes.StatusCreating}
	r.mu.Unlock()

	require.NoError(t, r.Scan(context.Background()))

	app, ok := r.Get("app-a")
	require.True(t, ok)
	assert.Equal(t, apptypes.StatusCreating, app.Status)
}

func TestRegistry_RequestRescanUpdatesSingleApp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeApp(t, root, "app-a", "compose.yml", "")

	eng := &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}
	r := New(testLogger(), root, eng, newFakeScopes())
	require.NoError(t, r.Scan(context.Background()))

	eng.mu.Lock()
	eng.summaries["app-a"] = []engine.ContainerSummary{{ID: "c1", Service: "web", State: "running"}}
	eng.mu.Unlock()

	r.RequestRescan("app-a")

	require.Eventually(t, func() bool {
		app, ok := r.Get("app-a")
		return ok && app.Status == apptypes.StatusRunning
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_SaveAndRemove(t *testing.T) {
	t.Parallel()

	r := New(testLogger(), t.TempDir(), &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}, newFakeScopes())

	app := &apptypes.App{Name: "app-a"}
	require.NoError(t, r.Save(app))

	_, ok := r.Get("app-a")
	require.True(t, ok)

	require.NoError(t, r.Remove("app-a"))

	_, ok = r.Get("app-a")
	assert.False(t, ok)
}

func TestRegistry_ScanStampsAndClearsRunningSince(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeApp(t, root, "app-a", "compose.yml", "")

	eng := &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}
	r := New(testLogger(), root, eng, newFakeScopes())
	require.NoError(t, r.Scan(context.Background()))

	app, ok := r.Get("app-a")
	require.True(t, ok)
	assert.Nil(t, app.RunningSince, "stopped app should not have a RunningSince")

	eng.mu.Lock()
	eng.summaries["app-a"] = []engine.ContainerSummary{{ID: "c1", Service: "web", State: "running"}}
	eng.mu.Unlock()
	require.NoError(t, r.Scan(context.Background()))

	app, ok = r.Get("app-a")
	require.True(t, ok)
	require.NotNil(t, app.RunningSince, "running app should have RunningSince stamped")

	eng.mu.Lock()
	eng.summaries["app-a"] = nil
	eng.mu.Unlock()
	require.NoError(t, r.Scan(context.Background()))

	app, ok = r.Get("app-a")
	require.True(t, ok)
	assert.Nil(t, app.RunningSince, "RunningSince should clear once the app stops")
}

func TestRegistry_LoadSettingsParsesYAML(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeApp(t, root, "app-a", "compose.yml", "domain: example.com\nscopes:\n  - team-a\n")

	r := New(testLogger(), root, &fakeEngine{summaries: map[string][]engine.ContainerSummary{}}, newFakeScopes())
	require.NoError(t, r.Scan(context.Background()))

	app, ok := r.Get("app-a")
	require.True(t, ok)
	require.NotNil(t, app.Settings)
	assert.Equal(t, "example.com", app.Settings.Domain)
	assert.Equal(t, []string{"team-a"}, app.Settings.Scopes)
}
