package authz

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// emailDomain returns the lower-cased domain portion of an email address,
// or "", false if user does not look like an email.
func emailDomain(user string) (string, bool) {
	idx := strings.LastIndex(user, "@")
	if idx < 0 || idx == len(user)-1 {
		return "", false
	}

	return strings.ToLower(user[idx+1:]), true
}

// resolveSubjects applies the precedence rules to a single identity string
// (an email address, or an "identifier:<name>" bearer subject), returning
// the set of assignment subjects whose grants apply. Exact match suppresses
// the domain match; the wildcard subject is always additive.
func (e *Engine) resolveSubjects(user string) []string {
	lower := strings.ToLower(user)

	subjects := make([]string, 0, 2)

	if _, ok := e.patterns[lower]; ok {
		subjects = append(subjects, lower)
	} else if domain, ok := emailDomain(user); ok {
		pattern := "@" + domain
		if _, ok := e.patterns[pattern]; ok {
			subjects = append(subjects, pattern)
		}
	}

	subjects = append(subjects, Wildcard)

	return subjects
}

// CheckPermission reports whether user may perform action against app,
// whose current scopes are appScopes. An appScopes value of "*" (as opposed
// to a member of the slice) is not special-cased here — callers pass the
// app's actual scope list, which contains "*" only if an operator
// deliberately set it, in which case the app is treated as a member of
// every scope.
func (e *Engine) CheckPermission(user string, appScopes []string, action Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	subjects := e.resolveSubjects(user)
	wildcardApp := containsStr(appScopes, Wildcard)

	for _, subject := range subjects {
		scopeMap := e.triples[subject]

		if wildcardApp {
			for _, permSet := range scopeMap {
				if _, ok := permSet[action]; ok {
					return true
				}
			}

			continue
		}

		for _, scope := range appScopes {
			if _, ok := scopeMap[scope][action]; ok {
				return true
			}
		}
	}

	return false
}

// CheckGlobalPermission reports whether user holds action (AdminRead or
// AdminWrite) in any assigned role, regardless of scope.
func (e *Engine) CheckGlobalPermission(user string, action Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, subject := range e.resolveSubjects(user) {
		if _, ok := e.globalTriples[subject][action]; ok {
			return true
		}
	}

	return false
}

// UserScopes returns the sorted set of scopes user holds any permission in,
// across every subject the precedence rules resolve for them.
func (e *Engine) UserScopes(user string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})

	for _, subject := range e.resolveSubjects(user) {
		for scope := range e.triples[subject] {
			seen[scope] = struct{}{}
		}
	}

	return sortedStrings(seen)
}

// LookupBearerIdentifier reverse-looks-up a presented bearer token across
// every configured identifier->token mapping in constant time: every entry
// is compared regardless of whether an earlier one already matched, so the
// lookup's duration does not depend on which entry (if any) matches.
func (e *Engine) LookupBearerIdentifier(token string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tokenBytes := []byte(token)

	var (
		found      int
		identifier string
	)

	for id, stored := range e.doc.BearerTokens {
		if subtle.ConstantTimeCompare([]byte(stored), tokenBytes) == 1 {
			found = 1
			identifier = id
		}
	}

	if found == 0 {
		return "", false
	}

	return identifier, true
}

// AuthenticateBearer resolves a presented bearer token to its assignment
// subject. Tokens whose identifier has no assignment are rejected, per
// spec.
func (e *Engine) AuthenticateBearer(token string) (string, bool) {
	identifier, ok := e.LookupBearerIdentifier(token)
	if !ok {
		return "", false
	}

	subject := "identifier:" + identifier

	e.mu.RLock()
	_, assigned := e.patterns[strings.ToLower(subject)]
	e.mu.RUnlock()

	if !assigned {
		return "", false
	}

	return subject, true
}

func validateUserPattern(pattern string) error {
	if !strings.HasPrefix(pattern, "@") {
		return nil
	}

	rest := pattern[1:]
	if !strings.Contains(rest, ".") || strings.Contains(rest, "@") {
		return fmt.Errorf("invalid domain pattern %q: must start with @, contain a '.', and no further '@'", pattern)
	}

	return nil
}

// CreateScope adds a new scope name if it doesn't already exist.
func (e *Engine) CreateScope(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if containsStr(e.doc.Scopes, name) {
		return fmt.Errorf("scope %q already exists", name)
	}

	e.doc.Scopes = append(e.doc.Scopes, name)
	e.sync()

	return e.save()
}

// CreateRole adds a new role with the given permission names ("*" allowed).
func (e *Engine) CreateRole(name string, permissions []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.doc.Roles[name]; exists {
		return fmt.Errorf("role %q already exists", name)
	}

	e.doc.Roles[name] = Role{Permissions: permissions}
	e.sync()

	return e.save()
}

// AssignUserRole binds userPattern to role within scopes, replacing any
// prior assignment for the same (userPattern, role) pair.
func (e *Engine) AssignUserRole(userPattern, role string, scopes []string) error {
	if err := validateUserPattern(userPattern); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.doc.Roles[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	filtered := e.doc.Assignments[:0:0]
	for _, a := range e.doc.Assignments {
		if strings.EqualFold(a.UserPattern, userPattern) && a.Role == role {
			continue
		}

		filtered = append(filtered, a)
	}

	e.doc.Assignments = append(filtered, Assignment{UserPattern: userPattern, Role: role, Scopes: scopes})
	e.sync()

	return e.save()
}

// SetAppScopes sets the scopes an app belongs to.
func (e *Engine) SetAppScopes(app string, scopes []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.doc.AppScopes[app] = scopes

	return e.save()
}

// AppScopes returns the scopes currently assigned to app.
func (e *Engine) AppScopes(app string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.doc.AppScopes[app]
}

// ListScopes returns every known scope name.
func (e *Engine) ListScopes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, len(e.doc.Scopes))
	copy(out, e.doc.Scopes)

	return out
}

// ListRoles returns every known role name and its permissions.
func (e *Engine) ListRoles() map[string]Role {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]Role, len(e.doc.Roles))
	for name, role := range e.doc.Roles {
		out[name] = role
	}

	return out
}

// ListAssignments returns a copy of every assignment.
func (e *Engine) ListAssignments() []Assignment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Assignment, len(e.doc.Assignments))
	copy(out, e.doc.Assignments)

	return out
}
