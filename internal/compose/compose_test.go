package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_PrefersComposeYML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, name := range []string{"docker-compose.yaml", "docker-compose.yml", "compose.yaml", "compose.yml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("services: {}\n"), 0o644))
	}

	path, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "compose.yml"), path)
}

func TestDetect_NoFile(t *testing.T) {
	t.Parallel()

	path, err := Detect(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestOverrideFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"compose.yml", "compose.override.yml"},
		{"docker-compose.yaml", "docker-compose.override.yaml"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, OverrideFilename(tt.in))
	}
}

func TestValidatePublicServices(t *testing.T) {
	t.Parallel()

	svcs, err := ParseServiceNames([]byte("services:\n  web:\n    image: nginx\n  db:\n    image: postgres\n"))
	require.NoError(t, err)

	assert.NoError(t, ValidatePublicServices(svcs, []string{"web"}))
	assert.ErrorIs(t, ValidatePublicServices(svcs, []string{"missing"}), ErrUnknownService)
}

func TestFindComposeFile_Priority(t *testing.T) {
	t.Parallel()

	name, ok := FindComposeFile([]string{"README.md", "docker-compose.yml", "compose.yaml"})
	require.True(t, ok)
	assert.Equal(t, "compose.yaml", name)
}
