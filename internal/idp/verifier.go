// Package idp verifies bearer tokens issued by the external identity provider
// and turns them into identity assertions.
package idp

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wealthportal.io/internal/identity"
)

// ErrInvalidToken indicates the token failed signature or claim validation.
var ErrInvalidToken = errors.New("invalid token")

// ClaimNames maps assertion fields to token claim names.
type ClaimNames struct {
	LoginName string
	Email     string
	Name      string
	Phone     string
	Groups    string
	Role      string
	UserType  string
}

// DefaultClaimNames follows common OIDC naming.
func DefaultClaimNames() ClaimNames {
	return ClaimNames{
		LoginName: "preferred_username",
		Email:     "email",
		Name:      "name",
		Phone:     "phone_number",
		Groups:    "groups",
		Role:      "portal_role",
		UserType:  "user_type",
	}
}

// Options configures a Verifier.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	Claims   ClaimNames
	// StaffEmailDomains classify logins without a user type claim as
	// internal when the email belongs to one of them.
	StaffEmailDomains []string
	Now               func() time.Time
}

// Verifier checks signature, issuer, audience and expiry.
type Verifier struct {
	opts   Options
	method jwt.SigningMethod
	key    any
}

// NewHS256 builds a verifier for shared-secret tokens.
func NewHS256(secret []byte, opts Options) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hs256 secret is required")
	}
	return newVerifier(jwt.SigningMethodHS256, secret, opts)
}

// NewRS256 builds a verifier for tokens signed with the provider's RSA key.
func NewRS256(key *rsa.PublicKey, opts Options) (*Verifier, error) {
	if key == nil {
		return nil, errors.New("rs256 public key is required")
	}
	return newVerifier(jwt.SigningMethodRS256, key, opts)
}

// LoadRS256PublicKey reads a PEM encoded RSA public key.
func LoadRS256PublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

func newVerifier(method jwt.SigningMethod, key any, opts Options) (*Verifier, error) {
	if strings.TrimSpace(opts.Issuer) == "" {
		return nil, errors.New("issuer is required")
	}
	defaults := DefaultClaimNames()
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&opts.Claims.LoginName, defaults.LoginName)
	fill(&opts.Claims.Email, defaults.Email)
	fill(&opts.Claims.Name, defaults.Name)
	fill(&opts.Claims.Phone, defaults.Phone)
	fill(&opts.Claims.Groups, defaults.Groups)
	fill(&opts.Claims.Role, defaults.Role)
	fill(&opts.Claims.UserType, defaults.UserType)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	domains := make([]string, 0, len(opts.StaffEmailDomains))
	for _, d := range opts.StaffEmailDomains {
		if d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@")); d != "" {
			domains = append(domains, d)
		}
	}
	opts.StaffEmailDomains = domains
	return &Verifier{opts: opts, method: method, key: key}, nil
}

// Verify validates token and extracts the identity assertion together with
// the user type hint.
func (v *Verifier) Verify(_ context.Context, token string) (identity.VerifiedClaims, identity.UserType, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity.VerifiedClaims{}, "", ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.opts.Leeway),
		jwt.WithTimeFunc(v.opts.Now),
	}
	if v.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.opts.Audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return identity.VerifiedClaims{}, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return identity.VerifiedClaims{}, "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}

	names := v.opts.Claims
	vc := identity.VerifiedClaims{
		Subject:       sub,
		LoginName:     stringClaim(claims, names.LoginName),
		Email:         stringClaim(claims, names.Email),
		Name:          stringClaim(claims, names.Name),
		Phone:         stringClaim(claims, names.Phone),
		Groups:        listClaim(claims, names.Groups),
		RoleAttribute: stringClaim(claims, names.Role),
	}
	return vc, v.userType(claims, vc.Email), nil
}

func (v *Verifier) userType(claims jwt.MapClaims, email string) identity.UserType {
	if raw := stringClaim(claims, v.opts.Claims.UserType); raw != "" {
		return identity.ParseUserType(raw)
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return identity.UserTypeExternal
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range v.opts.StaffEmailDomains {
		if domain == d {
			return identity.UserTypeInternal
		}
	}
	return identity.UserTypeExternal
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

// listClaim accepts a JSON array or a comma/space separated string.
func listClaim(claims jwt.MapClaims, name string) []string {
	switch raw := claims[name].(type) {
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	default:
		return nil
	}
}
