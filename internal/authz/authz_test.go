package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)

	return l
}

func scenarioCDocument() document {
	return document{
		Scopes: []string{"default", "admin-scope", "dev-scope"},
		Roles: map[string]Role{
			"admin":     {Permissions: []string{Wildcard}},
			"developer": {Permissions: []string{string(View), string(Manage)}},
			"viewer":    {Permissions: []string{string(View)}},
		},
		Assignments: []Assignment{
			{UserPattern: "stephan@factorial.io", Role: "admin", Scopes: []string{"admin-scope"}},
			{UserPattern: "@factorial.io", Role: "developer", Scopes: []string{"dev-scope"}},
			{UserPattern: "*", Role: "viewer", Scopes: []string{"default"}},
		},
		AppScopes:    map[string][]string{},
		BearerTokens: map[string]string{},
	}
}

func newEngineFromDoc(t *testing.T, doc document) *Engine {
	t.Helper()

	e := &Engine{log: testLogger(), doc: doc}
	e.sync()

	return e
}

func TestUserScopes_PrecedenceScenarioC(t *testing.T) {
	t.Parallel()

	e := newEngineFromDoc(t, scenarioCDocument())

	assert.ElementsMatch(t, []string{"admin-scope", "default"}, e.UserScopes("stephan@factorial.io"))
	assert.ElementsMatch(t, []string{"dev-scope", "default"}, e.UserScopes("other@factorial.io"))
	assert.ElementsMatch(t, []string{"default"}, e.UserScopes("x@other.com"))
}

func TestCheckPermission_ScopeIntersection(t *testing.T) {
	t.Parallel()

	e := newEngineFromDoc(t, scenarioCDocument())

	assert.True(t, e.CheckPermission("stephan@factorial.io", []string{"admin-scope"}, Destroy))
	assert.False(t, e.CheckPermission("other@factorial.io", []string{"admin-scope"}, View))
	assert.True(t, e.CheckPermission("other@factorial.io", []string{"dev-scope"}, Manage))
	assert.True(t, e.CheckPermission("x@other.com", []string{"default"}, View))
	assert.False(t, e.CheckPermission("x@other.com", []string{"default"}, Manage))
}

func TestCheckGlobalPermission(t *testing.T) {
	t.Parallel()

	e := newEngineFromDoc(t, scenarioCDocument())

	assert.True(t, e.CheckGlobalPermission("stephan@factorial.io", AdminRead))
	assert.False(t, e.CheckGlobalPermission("other@factorial.io", AdminRead))
}

func TestWildcardScopeAssignment_GrantsEveryExistingScope(t *testing.T) {
	t.Parallel()

	doc := document{
		Scopes: []string{"default", "team-a", "team-b"},
		Roles: map[string]Role{
			"auditor": {Permissions: []string{string(View)}},
		},
		Assignments: []Assignment{
			{UserPattern: "auditor@factorial.io", Role: "auditor", Scopes: []string{Wildcard}},
		},
		AppScopes:    map[string][]string{},
		BearerTokens: map[string]string{},
	}

	e := newEngineFromDoc(t, doc)

	assert.True(t, e.CheckPermission("auditor@factorial.io", []string{"team-a"}, View))
	assert.True(t, e.CheckPermission("auditor@factorial.io", []string{"team-b"}, View))
	assert.False(t, e.CheckPermission("auditor@factorial.io", []string{"team-a"}, Manage))
}

func TestBearerToken_RoundTripAndRejection(t *testing.T) {
	t.Parallel()

	doc := document{
		Scopes: []string{"default"},
		Roles: map[string]Role{
			"admin": {Permissions: []string{Wildcard}},
		},
		Assignments: []Assignment{
			{UserPattern: "identifier:ci-bot", Role: "admin", Scopes: []string{"default"}},
		},
		AppScopes: map[string][]string{},
		BearerTokens: map[string]string{
			"ci-bot": "s3cret-token",
		},
	}

	e := newEngineFromDoc(t, doc)

	subject, ok := e.AuthenticateBearer("s3cret-token")
	require.True(t, ok)
	assert.Equal(t, "identifier:ci-bot", subject)
	assert.True(t, e.CheckPermission(subject, []string{"default"}, AdminWrite))

	_, ok = e.AuthenticateBearer("wrong-token")
	assert.False(t, ok)
}

func TestBearerToken_UnassignedIdentifierRejected(t *testing.T) {
	t.Parallel()

	doc := document{
		Scopes:      []string{"default"},
		Roles:       map[string]Role{},
		Assignments: nil,
		AppScopes:   map[string][]string{},
		BearerTokens: map[string]string{
			"orphan": "orphan-token",
		},
	}

	e := newEngineFromDoc(t, doc)

	_, ok := e.AuthenticateBearer("orphan-token")
	assert.False(t, ok)
}

func TestDomainPatternValidation(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateUserPattern("@factorial.io"))
	assert.Error(t, validateUserPattern("@nodots"))
	assert.Error(t, validateUserPattern("@two@dots.io"))
	assert.NoError(t, validateUserPattern("plain@user.example"))
}

func TestLoad_FallbackWhenFileMissing(t *testing.T) {
	t.Parallel()

	e, err := Load(testLogger(), filepath.Join(t.TempDir(), "missing.yml"), "legacy-token-123")
	require.NoError(t, err)
	assert.True(t, e.Fallback())

	subject, ok := e.AuthenticateBearer("legacy-token-123")
	require.True(t, ok)
	assert.True(t, e.CheckGlobalPermission(subject, AdminWrite))
}

func TestLoad_FallbackDoesNotPersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "authz.yml")

	e, err := Load(testLogger(), path, "")
	require.NoError(t, err)
	require.True(t, e.Fallback())

	require.NoError(t, e.CreateScope("team-a"))

	// Fallback mode never persists; the file should still not exist.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAssignUserRole_ReplacesExistingAssignment(t *testing.T) {
	t.Parallel()

	e := newEngineFromDoc(t, document{
		Scopes: []string{"default"},
		Roles: map[string]Role{
			"viewer": {Permissions: []string{string(View)}},
		},
		AppScopes:    map[string][]string{},
		BearerTokens: map[string]string{},
	})

	require.NoError(t, e.AssignUserRole("alice@factorial.io", "viewer", []string{"default"}))
	require.NoError(t, e.AssignUserRole("alice@factorial.io", "viewer", []string{"team-a"}))

	assignments := e.ListAssignments()
	require.Len(t, assignments, 1)
	assert.Equal(t, []string{"team-a"}, assignments[0].Scopes)
}
