package appsettings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	settings, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, settings.DisallowRobots)
	assert.Equal(t, []string{"default"}, settings.Scopes)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	settings := apptypes.AppSettings{
		Domain:         "myapp.example.com",
		DisallowRobots: true,
		Environment:    map[string]string{"FOO": "bar"},
		Scopes:         []string{"team-a"},
	}

	require.NoError(t, Save(dir, settings))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, settings.Domain, loaded.Domain)
	assert.Equal(t, settings.Environment, loaded.Environment)
	assert.Equal(t, settings.Scopes, loaded.Scopes)
}

func TestSave_DoesNotMaskOnDiskCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	settings := apptypes.AppSettings{Environment: map[string]string{"DB_PASSWORD": "hunter2"}}

	require.NoError(t, Save(dir, settings))

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hunter2")
}

func TestWithDefaults_FillsZeroValueFields(t *testing.T) {
	t.Parallel()

	partial := apptypes.AppSettings{Domain: "custom.example.com"}

	merged, err := WithDefaults(partial)
	require.NoError(t, err)

	assert.Equal(t, "custom.example.com", merged.Domain)
	assert.True(t, merged.DisallowRobots)
	assert.Equal(t, []string{"default"}, merged.Scopes)
}

func TestRenderDomain_DerivesFromNameAndSuffix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "myapp.apps.example.com", RenderDomain("myapp", "apps.example.com", apptypes.AppSettings{}))
}

func TestRenderDomain_ExplicitDomainWins(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{Domain: "custom.example.com"}
	assert.Equal(t, "custom.example.com", RenderDomain("myapp", "apps.example.com", settings))
}

func TestMask_RedactsSensitiveKeysOnly(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{Environment: map[string]string{
		"DB_PASSWORD":  "hunter2",
		"API_TOKEN":    "abc123",
		"PUBLIC_VALUE": "not-secret",
	}}

	masked := Mask(settings)

	assert.Equal(t, maskedPlaceholder, masked.Environment["DB_PASSWORD"])
	assert.Equal(t, maskedPlaceholder, masked.Environment["API_TOKEN"])
	assert.Equal(t, "not-secret", masked.Environment["PUBLIC_VALUE"])

	// Original is untouched.
	assert.Equal(t, "hunter2", settings.Environment["DB_PASSWORD"])
}

func TestMask_EmptyEnvironmentIsNoOp(t *testing.T) {
	t.Parallel()

	settings := apptypes.AppSettings{Domain: "myapp.example.com"}
	masked := Mask(settings)

	assert.Equal(t, settings, masked)
}
