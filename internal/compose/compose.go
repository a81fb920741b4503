// Package compose implements compose-file detection, override-filename
// derivation, and service-list validation (C14).
//
// Grounded on pkg/compose/compose.go's NewRunner, which resolves a single
// docker-compose.yml path; generalized here to the full priority list named
// in spec §4.10 and the filename-derivation rule of §6.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// candidateNames is the detection priority order, highest first, per
// spec §4.10 / Testable Property 10: compose.yml beats every sibling.
var candidateNames = []string{
	"compose.yml",
	"compose.yaml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// RecognizedNames returns the recognized compose filenames in detection
// priority order, used by the create-request validator (§6).
func RecognizedNames() []string {
	out := make([]string, len(candidateNames))
	copy(out, candidateNames)

	return out
}

// IsRecognizedName reports whether name is a recognized compose filename.
func IsRecognizedName(name string) bool {
	for _, c := range candidateNames {
		if c == name {
			return true
		}
	}

	return false
}

// Detect returns the highest-priority compose file present in dir, or ""
// if none exists.
func Detect(dir string) (string, error) {
	for _, name := range candidateNames {
		path := filepath.Join(dir, name)

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			return path, nil
		}
	}

	return "", nil
}

// OverrideFilename derives the override companion filename for a compose
// file per §6: "<stem>.override.<ext>".
func OverrideFilename(composePath string) string {
	base := filepath.Base(composePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	return stem + ".override" + ext
}

// ParsedServices is the minimal shape scotty needs out of a compose
// document: the set of declared service names. The full compose schema is
// an external concern (the engine's compose CLI parses it); scotty only
// needs to validate that requested services exist.
type ParsedServices struct {
	Services map[string]struct{}
}

// HasService reports whether name is declared in the compose file.
func (p ParsedServices) HasService(name string) bool {
	_, ok := p.Services[name]

	return ok
}

// ValidatePublicServices checks that every requested public service name
// exists in the compose file's service list, per spec §3's invariant and
// §6's create-request validation rule (a).
func ValidatePublicServices(services ParsedServices, publicServiceNames []string) error {
	var missing []string

	for _, name := range publicServiceNames {
		if !services.HasService(name) {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: services not declared in compose file: %s", ErrUnknownService, strings.Join(missing, ", "))
	}

	return nil
}
