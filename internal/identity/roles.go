package identity

import (
	"fmt"
	"strings"

	"wealthportal.io/internal/hierarchy"
)

// GroupRole maps one identity-provider group to a portal role.
type GroupRole struct {
	Group string         `mapstructure:"group"`
	Role  hierarchy.Role `mapstructure:"role"`
}

// RoleMapping is an ordered group table. Group names match case-insensitively.
type RoleMapping []GroupRole

// DefaultGroupRoles is the mapping used when configuration provides none.
func DefaultGroupRoles() RoleMapping {
	return RoleMapping{
		{Group: "portal-super-admins", Role: hierarchy.RoleSuperAdmin},
		{Group: "portal-directors", Role: hierarchy.RoleDirector},
		{Group: "portal-zonal-heads", Role: hierarchy.RoleZonalHead},
		{Group: "portal-branch-managers", Role: hierarchy.RoleBranchManager},
		{Group: "portal-relationship-managers", Role: hierarchy.RoleRM},
		{Group: "portal-clients", Role: hierarchy.RoleClient},
	}
}

// NewRoleMapping validates entries and returns them as a mapping.
func NewRoleMapping(entries []GroupRole) (RoleMapping, error) {
	out := make(RoleMapping, 0, len(entries))
	for i, e := range entries {
		group := strings.TrimSpace(e.Group)
		if group == "" {
			return nil, fmt.Errorf("group role %d: group is required", i)
		}
		role, err := hierarchy.ParseRole(string(e.Role))
		if err != nil {
			return nil, fmt.Errorf("group role %d (%s): %w", i, group, err)
		}
		out = append(out, GroupRole{Group: group, Role: role})
	}
	return out, nil
}

// Lookup returns the role mapped to group.
func (m RoleMapping) Lookup(group string) (hierarchy.Role, bool) {
	for _, e := range m {
		if strings.EqualFold(e.Group, group) {
			return e.Role, true
		}
	}
	return "", false
}

// DeriveRole picks the role for a login: the first of the user's groups
// (in the order the provider sent them) found in the mapping, then a valid
// role attribute, then rm for internal staff and client for everyone else.
func DeriveRole(m RoleMapping, c VerifiedClaims, hint UserType) hierarchy.Role {
	for _, g := range c.Groups {
		if role, ok := m.Lookup(strings.TrimSpace(g)); ok {
			return role
		}
	}
	if c.RoleAttribute != "" {
		if role, err := hierarchy.ParseRole(c.RoleAttribute); err == nil {
			return role
		}
	}
	if hint == UserTypeInternal {
		return hierarchy.RoleRM
	}
	return hierarchy.RoleClient
}
