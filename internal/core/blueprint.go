package core

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// BlueprintAction is one named shell command a blueprint exposes, run by
// lifecycle's RunPostActions handler (PostCreate, PostRebuild, or any
// operator-defined custom action name).
type BlueprintAction struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Blueprint names the compose services an app built from it must declare,
// plus the named actions available against it.
type Blueprint struct {
	RequiredServices []string                   `yaml:"required_services"`
	Actions          map[string]BlueprintAction `yaml:"actions"`
}

// blueprintDocument is the on-disk shape: blueprint name -> definition.
type blueprintDocument map[string]Blueprint

// Blueprints implements internal/lifecycle's Blueprints interface: it looks
// up the shell command behind a named action for a named blueprint. It also
// answers the app-blueprint validation rule used by Create (§6 rule d).
type Blueprints struct {
	log logrus.FieldLogger
	doc blueprintDocument
}

// LoadBlueprints reads a blueprint document from path. A missing file
// yields an empty registry rather than an error, matching appsettings.Load's
// missing-file-is-not-an-error convention — blueprints are optional.
func LoadBlueprints(log logrus.FieldLogger, path string) (*Blueprints, error) {
	b := &Blueprints{log: log.WithField("component", "blueprints"), doc: blueprintDocument{}}

	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}

		return nil, fmt.Errorf("failed to read blueprints file %s: %w", path, err)
	}

	var doc blueprintDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse blueprints file %s: %w", path, err)
	}

	if doc == nil {
		doc = blueprintDocument{}
	}

	b.doc = doc

	return b, nil
}

// Action implements lifecycle.Blueprints.
func (b *Blueprints) Action(blueprintName, action string) (string, []string, bool) {
	bp, ok := b.doc[blueprintName]
	if !ok {
		return "", nil, false
	}

	a, ok := bp.Actions[action]
	if !ok {
		return "", nil, false
	}

	return a.Command, a.Args, true
}

// RequiredServices returns the compose services blueprintName requires, or
// (nil, false) if no such blueprint is configured.
func (b *Blueprints) RequiredServices(blueprintName string) ([]string, bool) {
	bp, ok := b.doc[blueprintName]
	if !ok {
		return nil, false
	}

	return bp.RequiredServices, true
}
