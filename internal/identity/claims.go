// Package identity reconciles identity-provider assertions with portal users.
package identity

import (
	"strings"

	"wealthportal.io/internal/hierarchy"
)

// UserType is the caller's guess at which population a login belongs to.
type UserType string

const (
	UserTypeInternal UserType = "internal"
	UserTypeExternal UserType = "external"
)

// ParseUserType maps anything other than "internal" to external.
func ParseUserType(s string) UserType {
	if strings.EqualFold(strings.TrimSpace(s), string(UserTypeInternal)) {
		return UserTypeInternal
	}
	return UserTypeExternal
}

// VerifiedClaims is an identity assertion whose signature and expiry have
// already been checked by the token verifier. Raw tokens never get here.
type VerifiedClaims struct {
	Subject       string
	LoginName     string
	Email         string
	Name          string
	Phone         string
	Groups        []string
	RoleAttribute string
}

func (c VerifiedClaims) normalized() VerifiedClaims {
	c.Subject = strings.TrimSpace(c.Subject)
	c.LoginName = strings.TrimSpace(c.LoginName)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.RoleAttribute = strings.TrimSpace(c.RoleAttribute)
	groups := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	c.Groups = groups
	return c
}

func (c VerifiedClaims) validate() error {
	var reasons []string
	if c.Subject == "" {
		reasons = append(reasons, "subject is required")
	}
	if c.LoginName == "" {
		reasons = append(reasons, "login name is required")
	}
	if len(reasons) > 0 {
		return &hierarchy.ValidationError{Reasons: reasons}
	}
	return nil
}
