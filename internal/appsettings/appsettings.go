// Package appsettings implements AppSettings persistence, merging, domain
// rendering and egress masking (spec §3's AppSettings fields), shared by
// every component that reads or writes an app's .scotty.yml.
//
// Grounded on pkg/configgen/generator.go's layered-config shape: load a
// base document, deep-merge overrides onto it with dario.cat/mergo, then
// marshal the final result — generalized here from a single generated YAML
// document to the per-app settings file read/written by
// internal/lifecycle and internal/registry.
package appsettings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/factorialio/scotty/internal/apptypes"
)

// FileName is the settings file persisted in every app's root directory.
const FileName = ".scotty.yml"

// maskedPlaceholder replaces a sensitive environment value on egress; the
// on-disk copy is never masked (spec §7 scenario: "the on-disk copy is not
// masked; on-wire representations are").
const maskedPlaceholder = "********"

// sensitiveKeyFragments are case-insensitive substrings that mark an
// environment variable's value as sensitive for masking purposes.
var sensitiveKeyFragments = []string{
	"SECRET", "PASSWORD", "PASSWD", "TOKEN", "KEY", "CREDENTIAL", "PRIVATE", "AUTH",
}

// Load reads and parses dir's settings file. A missing file is not an
// error: it returns apptypes.DefaultAppSettings(), matching the behavior
// an app may legitimately have no settings yet (mid-Create) or one placed
// manually under the apps root.
func Load(dir string) (*apptypes.AppSettings, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			defaults := apptypes.DefaultAppSettings()

			return &defaults, nil
		}

		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	var settings apptypes.AppSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}

	return &settings, nil
}

// Save marshals settings unmasked and writes it to dir's settings file.
func Save(dir string, settings apptypes.AppSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", FileName, err)
	}

	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}

	return nil
}

// Merge deep-merges overrides onto a copy of base, with overrides winning
// on any field it sets. Used when a Create/Adopt request supplies partial
// settings that must be completed from apptypes.DefaultAppSettings().
func Merge(base, overrides apptypes.AppSettings) (apptypes.AppSettings, error) {
	merged := base

	if err := mergo.Merge(&merged, overrides, mergo.WithOverride); err != nil {
		return apptypes.AppSettings{}, fmt.Errorf("failed to merge app settings: %w", err)
	}

	return merged, nil
}

// WithDefaults merges settings onto apptypes.DefaultAppSettings(), filling
// any field settings leaves at its zero value.
func WithDefaults(settings apptypes.AppSettings) (apptypes.AppSettings, error) {
	return Merge(apptypes.DefaultAppSettings(), settings)
}

// RenderDomain renders an app's domain as "<name>.<suffix>", spec §3's
// "domain (rendered at merge time from <name>.<suffix>)". If settings
// already has an explicit Domain, it is returned unchanged: an operator
// override always wins over the derived default.
func RenderDomain(appName, suffix string, settings apptypes.AppSettings) string {
	if settings.Domain != "" {
		return settings.Domain
	}

	if suffix == "" {
		return appName
	}

	return appName + "." + suffix
}

// Mask returns a copy of settings with every sensitive-looking environment
// value replaced by a placeholder, for on-wire (API/WebSocket) egress. The
// persisted file on disk is always the unmasked original; only this
// egress copy is redacted.
func Mask(settings apptypes.AppSettings) apptypes.AppSettings {
	masked := settings

	if len(settings.Environment) == 0 {
		return masked
	}

	env := make(map[string]string, len(settings.Environment))

	for key, value := range settings.Environment {
		if isSensitiveKey(key) {
			env[key] = maskedPlaceholder
		} else {
			env[key] = value
		}
	}

	masked.Environment = env

	return masked
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)

	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(upper, fragment) {
			return true
		}
	}

	return false
}
