package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// TokenVerifier checks a bearer token against the identity provider.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (identity.VerifiedClaims, identity.UserType, error)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, u hierarchy.User) context.Context {
	return context.WithValue(ctx, principalKey{}, u)
}

// PrincipalFromContext returns the authenticated portal user.
func PrincipalFromContext(ctx context.Context) (hierarchy.User, bool) {
	u, ok := ctx.Value(principalKey{}).(hierarchy.User)
	return u, ok
}

// authenticate resolves the bearer token to a portal user. Known subjects
// are looked up without writes; an unknown subject is reconciled as a first
// login. Any failure rejects the request.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, hint, ok := a.verifyRequest(w, r)
		if !ok {
			return
		}
		user, err := a.users.FindByExternalID(r.Context(), claims.Subject)
		switch {
		case err == nil:
			if !user.Active() {
				writeError(w, r, http.StatusForbidden, "account is inactive")
				return
			}
		case errors.Is(err, hierarchy.ErrNotFound):
			user, err = a.identity.Reconcile(r.Context(), claims, hint)
			if err != nil {
				a.writeAuthError(w, r, err)
				return
			}
		default:
			a.writeAuthError(w, r, err)
			return
		}

		ctx := withPrincipal(r.Context(), user)
		ctx = audit.WithActor(ctx, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) verifyRequest(w http.ResponseWriter, r *http.Request) (identity.VerifiedClaims, identity.UserType, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="portal"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return identity.VerifiedClaims{}, "", false
	}
	claims, hint, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		a.log.Debug("token rejected", zap.Error(err))
		w.Header().Set("WWW-Authenticate", `Bearer realm="portal", error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return identity.VerifiedClaims{}, "", false
	}
	return claims, hint, true
}

// writeAuthError maps reconciliation failures during authentication. Missing
// claims are an authentication problem, not a caller input error.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, hierarchy.ErrAccountInactive):
		writeError(w, r, http.StatusForbidden, "account is inactive")
	case errors.Is(err, hierarchy.ErrConflict):
		writeError(w, r, http.StatusForbidden, "account is linked to a different identity")
	case errors.Is(err, hierarchy.ErrValidation):
		w.Header().Set("WWW-Authenticate", `Bearer realm="portal", error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "token lacks required identity claims")
	default:
		a.writeServiceError(w, r, err)
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
