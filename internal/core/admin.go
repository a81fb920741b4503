package core

import (
	"github.com/factorialio/scotty/internal/apierrors"
	"github.com/factorialio/scotty/internal/authz"
)

func (c *Container) requireAdmin(user CurrentUser, action authz.Permission) error {
	if !c.Authz.CheckGlobalPermission(user.ID, action) {
		return apierrors.Forbiddenf("user %q lacks %s", user.ID, action)
	}

	return nil
}

// ListScopes returns every configured scope, after an AdminRead check.
func (c *Container) ListScopes(user CurrentUser) ([]string, error) {
	if err := c.requireAdmin(user, authz.AdminRead); err != nil {
		return nil, err
	}

	return c.Authz.ListScopes(), nil
}

// CreateScope adds a new scope, after an AdminWrite check.
func (c *Container) CreateScope(user CurrentUser, name string) error {
	if err := c.requireAdmin(user, authz.AdminWrite); err != nil {
		return err
	}

	if err := c.Authz.CreateScope(name); err != nil {
		return apierrors.Conflictf("%v", err)
	}

	return nil
}

// ListRoles returns every configured role, after an AdminRead check.
func (c *Container) ListRoles(user CurrentUser) (map[string]authz.Role, error) {
	if err := c.requireAdmin(user, authz.AdminRead); err != nil {
		return nil, err
	}

	return c.Authz.ListRoles(), nil
}

// CreateRole adds a new role, after an AdminWrite check.
func (c *Container) CreateRole(user CurrentUser, name string, permissions []string) error {
	if err := c.requireAdmin(user, authz.AdminWrite); err != nil {
		return err
	}

	if err := c.Authz.CreateRole(name, permissions); err != nil {
		return apierrors.Conflictf("%v", err)
	}

	return nil
}

// ListAssignments returns every user->role->scopes assignment, after an
// AdminRead check.
func (c *Container) ListAssignments(user CurrentUser) ([]authz.Assignment, error) {
	if err := c.requireAdmin(user, authz.AdminRead); err != nil {
		return nil, err
	}

	return c.Authz.ListAssignments(), nil
}

// CreateAssignment binds userPattern to role within scopes, after an
// AdminWrite check.
func (c *Container) CreateAssignment(user CurrentUser, userPattern, role string, scopes []string) error {
	if err := c.requireAdmin(user, authz.AdminWrite); err != nil {
		return err
	}

	if err := c.Authz.AssignUserRole(userPattern, role, scopes); err != nil {
		return apierrors.Validationf("%v", err)
	}

	return nil
}

// TestPermission reports whether targetUser may perform action against an
// app in appScopes, after an AdminRead check on the caller.
func (c *Container) TestPermission(user CurrentUser, targetUser string, scopes []string, action authz.Permission) (bool, error) {
	if err := c.requireAdmin(user, authz.AdminRead); err != nil {
		return false, err
	}

	return c.Authz.CheckPermission(targetUser, scopes, action), nil
}

// GetUserPermissions returns targetUser's resolved scopes, after an
// AdminRead check on the caller.
func (c *Container) GetUserPermissions(user CurrentUser, targetUser string) ([]string, error) {
	if err := c.requireAdmin(user, authz.AdminRead); err != nil {
		return nil, err
	}

	return c.Authz.UserScopes(targetUser), nil
}
