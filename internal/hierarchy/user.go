package hierarchy

import (
	"sort"
	"strings"
	"time"
)

// Status controls whether a user may authenticate.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParseStatus accepts "active"/"inactive" in any case; empty means active.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	default:
		return "", invalid("unsupported status " + s)
	}
}

// User is a node of the organizational tree.
type User struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_id,omitempty"`
	LoginKey       string     `json:"login_key"`
	Email          string     `json:"email,omitempty"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone,omitempty"`
	Role           Role       `json:"role"`
	Status         Status     `json:"status"`
	ParentID       string     `json:"parent_id,omitempty"`
	HierarchyPath  string     `json:"hierarchy_path"`
	HierarchyLevel int        `json:"hierarchy_level"`
	BranchID       string     `json:"branch_id,omitempty"`
	ZoneID         string     `json:"zone_id,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsRoot reports whether the user has no parent.
func (u User) IsRoot() bool { return u.ParentID == "" }

// Active reports whether the user may authenticate.
func (u User) Active() bool { return u.Status == StatusActive }

// CreateInput describes a user created administratively or by first login.
type CreateInput struct {
	ExternalID string `validate:"omitempty,max=255"`
	LoginKey   string `validate:"required,max=128"`
	Email      string `validate:"omitempty,email,max=320"`
	Name       string `validate:"max=255"`
	Phone      string `validate:"omitempty,max=32"`
	Role       Role   `validate:"required"`
	Status     Status
	ParentID   string
	BranchID   string `validate:"omitempty,max=64"`
	ZoneID     string `validate:"omitempty,max=64"`
}

// Patch is a field-level update. Nil fields are left untouched; an empty
// ParentID moves the user to the root.
type Patch struct {
	Email    *string `validate:"omitempty,email,max=320"`
	Name     *string `validate:"omitempty,max=255"`
	Phone    *string `validate:"omitempty,max=32"`
	Role     *Role
	Status   *Status
	ParentID *string
	BranchID *string `validate:"omitempty,max=64"`
	ZoneID   *string `validate:"omitempty,max=64"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Email == nil && p.Name == nil && p.Phone == nil && p.Role == nil &&
		p.Status == nil && p.ParentID == nil && p.BranchID == nil && p.ZoneID == nil
}

// Filters restrict user listings; zero values match everything.
type Filters struct {
	Role     Role
	Status   Status
	BranchID string
	ZoneID   string
}

// Match reports whether u satisfies every set filter.
func (f Filters) Match(u User) bool {
	if f.Role != "" && u.Role != f.Role {
		return false
	}
	if f.Status != "" && u.Status != f.Status {
		return false
	}
	if f.BranchID != "" && u.BranchID != f.BranchID {
		return false
	}
	if f.ZoneID != "" && u.ZoneID != f.ZoneID {
		return false
	}
	return true
}

// Query is a filtered listing, optionally scoped to a subtree (inclusive).
type Query struct {
	Filters
	WithinPath string
	Limit      int
}

// RoleCount is one row of a per-role descendant breakdown.
type RoleCount struct {
	Role  Role `json:"role"`
	Count int  `json:"count"`
}

// SortByRank orders users by role seniority, then name.
func SortByRank(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		if ri, rj := users[i].Role.Rank(), users[j].Role.Rank(); ri != rj {
			return ri < rj
		}
		return lessByName(users[i], users[j])
	})
}

// SortByLevel orders users by depth, then name.
func SortByLevel(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].HierarchyLevel != users[j].HierarchyLevel {
			return users[i].HierarchyLevel < users[j].HierarchyLevel
		}
		return lessByName(users[i], users[j])
	})
}

func lessByName(a, b User) bool {
	an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
	if an != bn {
		return an < bn
	}
	return strings.ToLower(a.LoginKey) < strings.ToLower(b.LoginKey)
}
