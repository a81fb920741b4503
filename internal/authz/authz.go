// Package authz implements the authorization engine (C8): a scope/role/
// permission model with wildcard scopes, email-domain patterns, and bearer
// token subjects, layered under a policy enforcer with precedence rules.
//
// Grounded on pkg/config/config.go's YAML load/save round-trip shape
// (Load reads-or-defaults, Save marshals and writes with directory
// creation), generalized here from a single nested config document to a
// mutable policy document that re-synchronizes a derived lookup index after
// every write. Precedence resolution and the constant-time bearer lookup
// are grounded on original_source/scotty/src/services/authorization.rs and
// original_source/scotty/src/api/bearer_auth_tests.rs.
package authz

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Permission is one concrete authorization action.
type Permission string

const (
	View       Permission = "View"
	Manage     Permission = "Manage"
	Shell      Permission = "Shell"
	Logs       Permission = "Logs"
	Create     Permission = "Create"
	Destroy    Permission = "Destroy"
	AdminRead  Permission = "AdminRead"
	AdminWrite Permission = "AdminWrite"
)

// Wildcard stands for "every concrete permission" in a role, and "every
// existing scope at check time" in an assignment's scope list.
const Wildcard = "*"

// AllPermissions lists every concrete permission the wildcard expands to.
var AllPermissions = []Permission{View, Manage, Shell, Logs, Create, Destroy, AdminRead, AdminWrite}

// Role maps a name to the list of permissions it grants; Permissions may
// contain the literal "*" in place of an enumerated list.
type Role struct {
	Permissions []string `yaml:"permissions"`
}

// Assignment binds a user pattern to a role within a set of scopes.
type Assignment struct {
	UserPattern string   `yaml:"user_pattern"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes"`
}

// document is the on-disk policy shape.
type document struct {
	Scopes       []string            `yaml:"scopes"`
	Roles        map[string]Role     `yaml:"roles"`
	Assignments  []Assignment        `yaml:"assignments"`
	AppScopes    map[string][]string `yaml:"app_scopes"`
	BearerTokens map[string]string   `yaml:"bearer_tokens,omitempty"`
}

// Engine is the authorization policy enforcer. It holds the mutable policy
// document plus a derived index of (subject, scope, action) triples rebuilt
// after every mutation.
type Engine struct {
	log      logrus.FieldLogger
	path     string
	fallback bool

	mu  sync.RWMutex
	doc document

	// triples[subject][scope][action] records a granted permission.
	triples map[string]map[string]map[Permission]struct{}
	// globalTriples[subject][action] records AdminRead/AdminWrite grants
	// checked independent of scope.
	globalTriples map[string]map[Permission]struct{}
	// patterns is the lower-cased set of every assignment's UserPattern,
	// used to decide whether an exact or domain match exists at all.
	patterns map[string]struct{}
}

// Load reads the policy document at path. If the file is absent or fails to
// parse, the engine falls back to an in-memory default policy per spec: a
// "default" scope, an "admin" role with "*", a "user" role with
// {View, Manage, Logs}, no app scope assignments, and — when legacyToken is
// non-empty — an admin assignment for identifier:<legacyToken>. Mutations
// made while in fallback mode are not persisted.
func Load(log logrus.FieldLogger, path string, legacyToken string) (*Engine, error) {
	e := &Engine{
		log:  log.WithField("component", "authz"),
		path: path,
	}

	if path == "" {
		e.loadFallback(legacyToken)

		return e, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.WithError(err).Warn("failed to read authorization policy, using fallback")
		}

		e.loadFallback(legacyToken)

		return e, nil
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		e.log.WithError(err).Warn("failed to parse authorization policy, using fallback")
		e.loadFallback(legacyToken)

		return e, nil
	}

	e.doc = normalizeDocument(doc)
	e.sync()

	return e, nil
}

func (e *Engine) loadFallback(legacyToken string) {
	e.fallback = true
	e.doc = document{
		Scopes: []string{"default"},
		Roles: map[string]Role{
			"admin": {Permissions: []string{Wildcard}},
			"user":  {Permissions: []string{string(View), string(Manage), string(Logs)}},
		},
		AppScopes:    map[string][]string{},
		BearerTokens: map[string]string{},
	}

	if legacyToken != "" {
		e.doc.BearerTokens[legacyToken] = legacyToken
		e.doc.Assignments = append(e.doc.Assignments, Assignment{
			UserPattern: "identifier:" + legacyToken,
			Role:        "admin",
			Scopes:      []string{"default"},
		})
	}

	e.sync()
}

func normalizeDocument(doc document) document {
	if doc.Roles == nil {
		doc.Roles = map[string]Role{}
	}

	if doc.AppScopes == nil {
		doc.AppScopes = map[string][]string{}
	}

	if doc.BearerTokens == nil {
		doc.BearerTokens = map[string]string{}
	}

	return doc
}

// Fallback reports whether the engine is running the in-memory default
// policy rather than one loaded from disk.
func (e *Engine) Fallback() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.fallback
}

// save persists the current document to disk, a no-op in fallback mode.
// Caller must hold e.mu for writing.
func (e *Engine) save() error {
	if e.fallback || e.path == "" {
		return nil
	}

	data, err := yaml.Marshal(e.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization policy: %w", err)
	}

	if dir := filepath.Dir(e.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create authorization policy directory: %w", err)
		}
	}

	if err := os.WriteFile(e.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write authorization policy: %w", err)
	}

	return nil
}

// sync rebuilds the derived triple index and pattern set from the current
// document. Caller must hold e.mu.
func (e *Engine) sync() {
	e.triples = make(map[string]map[string]map[Permission]struct{})
	e.globalTriples = make(map[string]map[Permission]struct{})
	e.patterns = make(map[string]struct{}, len(e.doc.Assignments))

	for _, a := range e.doc.Assignments {
		e.patterns[strings.ToLower(a.UserPattern)] = struct{}{}

		role, ok := e.doc.Roles[a.Role]
		if !ok {
			continue
		}

		actions := expandPermissions(role.Permissions)
		scopes := a.Scopes

		if containsStr(scopes, Wildcard) {
			scopes = e.doc.Scopes
		}

		subject := strings.ToLower(a.UserPattern)

		for _, scope := range scopes {
			e.grant(subject, scope, actions)
		}
	}
}

func (e *Engine) grant(subject, scope string, actions []Permission) {
	scopeMap, ok := e.triples[subject]
	if !ok {
		scopeMap = make(map[string]map[Permission]struct{})
		e.triples[subject] = scopeMap
	}

	permSet, ok := scopeMap[scope]
	if !ok {
		permSet = make(map[Permission]struct{})
		scopeMap[scope] = permSet
	}

	for _, action := range actions {
		permSet[action] = struct{}{}

		if action == AdminRead || action == AdminWrite {
			g, ok := e.globalTriples[subject]
			if !ok {
				g = make(map[Permission]struct{})
				e.globalTriples[subject] = g
			}

			g[action] = struct{}{}
		}
	}
}

func expandPermissions(perms []string) []Permission {
	for _, p := range perms {
		if p == Wildcard {
			return AllPermissions
		}
	}

	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, Permission(p))
	}

	return out
}

func containsStr(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}

	return false
}

// sortedStrings returns a sorted copy, used by listers for stable output.
func sortedStrings(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
