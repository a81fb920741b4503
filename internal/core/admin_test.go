package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apierrors"
	"github.com/factorialio/scotty/internal/authz"
)

var nonAdminUser = CurrentUser{ID: "nobody@example.com"}

func TestCreateScopeRequiresAdmin(t *testing.T) {
	c := newAuthzContainer(t)

	err := c.CreateScope(nonAdminUser, "staging")
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.Forbidden, apiErr.Kind)
}

func TestCreateScopeAsAdmin(t *testing.T) {
	c := newAuthzContainer(t)

	require.NoError(t, c.CreateScope(adminUser, "staging"))

	scopes, err := c.ListScopes(adminUser)
	require.NoError(t, err)
	assert.Contains(t, scopes, "staging")
}

func TestCreateAssignmentAsAdmin(t *testing.T) {
	c := newAuthzContainer(t)

	require.NoError(t, c.CreateAssignment(adminUser, "new-user@example.com", "user", []string{"default"}))

	allowed, err := c.TestPermission(adminUser, "new-user@example.com", []string{"default"}, authz.View)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = c.TestPermission(adminUser, "new-user@example.com", []string{"default"}, authz.Destroy)
	require.NoError(t, err)
	assert.False(t, allowed, "the built-in user role does not grant Destroy")
}

func TestGetUserPermissionsRequiresAdmin(t *testing.T) {
	c := newAuthzContainer(t)

	_, err := c.GetUserPermissions(nonAdminUser, "someone@example.com")
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.Forbidden, apiErr.Kind)
}
