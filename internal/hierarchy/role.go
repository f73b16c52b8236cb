package hierarchy

import (
	"fmt"
	"strings"
)

// Role is a position in the organizational hierarchy.
type Role string

const (
	RoleSuperAdmin    Role = "super_admin"
	RoleDirector      Role = "director"
	RoleZonalHead     Role = "zonal_head"
	RoleBranchManager Role = "branch_manager"
	RoleRM            Role = "rm"
	RoleClient        Role = "client"
)

// roleOrder lists roles from most to least senior. Index is the rank.
var roleOrder = []Role{
	RoleSuperAdmin,
	RoleDirector,
	RoleZonalHead,
	RoleBranchManager,
	RoleRM,
	RoleClient,
}

var roleRanks = func() map[Role]int {
	m := make(map[Role]int, len(roleOrder))
	for i, r := range roleOrder {
		m[r] = i
	}
	return m
}()

// unrankedRank sorts unknown roles after every known one.
const unrankedRank = 1 << 10

// Roles returns the known roles in seniority order.
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// ParseRole matches s against the closed role enumeration, ignoring case and
// surrounding whitespace.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRanks[r]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
	return r, nil
}

// Valid reports whether r is part of the enumeration.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the seniority rank; lower is more senior.
func (r Role) Rank() int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return unrankedRank
}

// Outranks reports whether r is strictly more senior than other.
func (r Role) Outranks(other Role) bool {
	return r.Valid() && r.Rank() < other.Rank()
}

// IsTop reports whether r is the unrestricted top-of-hierarchy role.
func (r Role) IsTop() bool { return r == RoleSuperAdmin }

// IsPrivileged reports whether r is a staff role that must not be silently
// demoted by an identity sync.
func (r Role) IsPrivileged() bool { return r.Valid() && r != RoleClient }

func (r Role) String() string { return string(r) }
