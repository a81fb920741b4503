package compose

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// rawComposeFile mirrors just enough of a compose document's shape to
// extract the declared service names; scotty never needs the rest of the
// schema since the engine's own compose CLI is what actually builds/runs it.
type rawComposeFile struct {
	Services map[string]yaml.Node `yaml:"services"`
}

// ParseServiceNames extracts the set of declared service names from raw
// compose YAML content.
func ParseServiceNames(content []byte) (ParsedServices, error) {
	var raw rawComposeFile
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return ParsedServices{}, fmt.Errorf("failed to parse compose file: %w", err)
	}

	services := make(map[string]struct{}, len(raw.Services))
	for name := range raw.Services {
		services[name] = struct{}{}
	}

	return ParsedServices{Services: services}, nil
}

// FindComposeFile scans a set of submitted filenames for a recognized
// compose filename, honoring the same detection priority as Detect.
func FindComposeFile(filenames []string) (string, bool) {
	present := make(map[string]struct{}, len(filenames))
	for _, f := range filenames {
		present[f] = struct{}{}
	}

	for _, name := range candidateNames {
		if _, ok := present[name]; ok {
			return name, true
		}
	}

	return "", false
}
