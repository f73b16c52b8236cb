package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/obs"
	"wealthportal.io/internal/validate"
)

// Reconciliation outcomes, used as metric labels.
const (
	OutcomeCreated = "created"
	OutcomeLinked  = "linked"
	OutcomeMatched = "matched"
	OutcomeFailed  = "failed"
)

// Engine binds verified identities to portal users on every login.
type Engine struct {
	users   *hierarchy.Service
	mapping RoleMapping
	audit   *audit.Recorder
	metrics *obs.Metrics
	log     *zap.Logger
}

// Option configures Engine.
type Option func(*Engine)

// WithRoleMapping replaces the default group table.
func WithRoleMapping(m RoleMapping) Option {
	return func(e *Engine) {
		if m != nil {
			e.mapping = m
		}
	}
}

func WithAudit(r *audit.Recorder) Option { return func(e *Engine) { e.audit = r } }

func WithMetrics(m *obs.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine builds an Engine writing through users.
func NewEngine(users *hierarchy.Service, opts ...Option) *Engine {
	e := &Engine{users: users, mapping: DefaultGroupRoles(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mapping returns the group table in effect.
func (e *Engine) Mapping() RoleMapping { return e.mapping }

// Reconcile returns the current user for a verified login, creating or
// linking it as needed. Any error means the login must be refused.
func (e *Engine) Reconcile(ctx context.Context, claims VerifiedClaims, hint UserType) (hierarchy.User, error) {
	u, outcome, err := e.reconcile(ctx, claims.normalized(), hint)
	if err != nil {
		e.metrics.Reconciled(OutcomeFailed)
		e.log.Warn("identity reconciliation failed",
			zap.String("subject", claims.Subject),
			zap.String("login_name", claims.LoginName),
			zap.Error(err),
		)
		return hierarchy.User{}, err
	}
	e.metrics.Reconciled(outcome)
	return u, nil
}

func (e *Engine) reconcile(ctx context.Context, c VerifiedClaims, hint UserType) (hierarchy.User, string, error) {
	if err := c.validate(); err != nil {
		return hierarchy.User{}, "", err
	}
	derived := DeriveRole(e.mapping, c, hint)

	u, found, err := e.resolve(ctx, c)
	if err != nil {
		return hierarchy.User{}, "", err
	}
	if !found {
		created, err := e.users.Create(ctx, e.dropInvalidProfile(hierarchy.CreateInput{
			ExternalID: c.Subject,
			LoginKey:   c.LoginName,
			Email:      c.Email,
			Name:       c.Name,
			Phone:      c.Phone,
			Role:       derived,
		}))
		switch {
		case err == nil:
			created, err = e.users.RecordLogin(ctx, created.ID, c.Subject)
			if err != nil {
				return hierarchy.User{}, "", err
			}
			e.log.Info("user provisioned from identity provider",
				zap.String("user_id", created.ID),
				zap.String("role", string(created.Role)),
			)
			return created, OutcomeCreated, nil
		case errors.Is(err, hierarchy.ErrConflict):
			// A concurrent first login won the insert; continue with its row.
			u, found, err = e.resolve(ctx, c)
			if err != nil {
				return hierarchy.User{}, "", err
			}
			if !found {
				return hierarchy.User{}, "", fmt.Errorf("%w: login %s collides with an existing account", hierarchy.ErrConflict, c.LoginName)
			}
		default:
			return hierarchy.User{}, "", err
		}
	}

	if !u.Active() {
		return hierarchy.User{}, "", fmt.Errorf("%w: %s", hierarchy.ErrAccountInactive, u.LoginKey)
	}
	if u.ExternalID != "" && u.ExternalID != c.Subject {
		return hierarchy.User{}, "", fmt.Errorf("%w: account %s is linked to a different identity", hierarchy.ErrConflict, u.LoginKey)
	}

	outcome := OutcomeMatched
	linking := u.ExternalID == ""
	u, err = e.users.RecordLogin(ctx, u.ID, c.Subject)
	if err != nil {
		return hierarchy.User{}, "", err
	}
	if linking {
		outcome = OutcomeLinked
		e.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionIdentityLink,
			ResourceID: u.ID,
			Detail:     map[string]any{"subject": c.Subject, "login_name": c.LoginName},
		})
	}

	u, err = e.syncRole(ctx, u, derived, c)
	if err != nil {
		return hierarchy.User{}, "", err
	}
	return u, outcome, nil
}

// profileFields are the CreateInput fields a login can do without.
var profileFields = []string{"Email", "Name", "Phone"}

// dropInvalidProfile clears profile claims that would fail user validation,
// so an odd email or phone from the identity provider does not block login.
func (e *Engine) dropInvalidProfile(in hierarchy.CreateInput) hierarchy.CreateInput {
	for _, field := range profileFields {
		reasons := validate.Partial(in, field)
		if len(reasons) == 0 {
			continue
		}
		e.log.Warn("ignoring invalid profile claim",
			zap.String("login_name", in.LoginKey),
			zap.String("field", field),
			zap.Strings("reasons", reasons),
		)
		switch field {
		case "Email":
			in.Email = ""
		case "Name":
			in.Name = ""
		case "Phone":
			in.Phone = ""
		}
	}
	return in
}

// resolve looks the user up by subject, then login name, then email.
func (e *Engine) resolve(ctx context.Context, c VerifiedClaims) (hierarchy.User, bool, error) {
	lookups := []func() (hierarchy.User, error){
		func() (hierarchy.User, error) { return e.users.FindByExternalID(ctx, c.Subject) },
		func() (hierarchy.User, error) { return e.users.FindByLoginKey(ctx, c.LoginName) },
	}
	if c.Email != "" {
		lookups = append(lookups, func() (hierarchy.User, error) { return e.users.FindByEmail(ctx, c.Email) })
	}
	for _, find := range lookups {
		u, err := find()
		if err == nil {
			return u, true, nil
		}
		if !errors.Is(err, hierarchy.ErrNotFound) {
			return hierarchy.User{}, false, err
		}
	}
	return hierarchy.User{}, false, nil
}

// syncRole applies the derived role, except that a privileged account is
// never demoted to client by a login.
func (e *Engine) syncRole(ctx context.Context, u hierarchy.User, derived hierarchy.Role, c VerifiedClaims) (hierarchy.User, error) {
	if derived == u.Role {
		return u, nil
	}
	if u.Role.IsPrivileged() && derived == hierarchy.RoleClient {
		e.log.Warn("role downgrade skipped",
			zap.String("user_id", u.ID),
			zap.String("stored_role", string(u.Role)),
			zap.String("derived_role", string(derived)),
			zap.Strings("groups", c.Groups),
		)
		e.metrics.DowngradeSkipped()
		e.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionRoleDowngradeSkipped,
			ResourceID: u.ID,
			Detail: map[string]any{
				"stored_role":  u.Role,
				"derived_role": derived,
				"groups":       c.Groups,
			},
		})
		return u, nil
	}

	updated, err := e.users.Update(ctx, u.ID, hierarchy.Patch{Role: &derived})
	if errors.Is(err, hierarchy.ErrValidation) {
		e.log.Warn("role sync rejected by hierarchy",
			zap.String("user_id", u.ID),
			zap.String("stored_role", string(u.Role)),
			zap.String("derived_role", string(derived)),
			zap.Strings("reasons", hierarchy.Reasons(err)),
		)
		e.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionRoleSyncRejected,
			ResourceID: u.ID,
			Detail: map[string]any{
				"stored_role":  u.Role,
				"derived_role": derived,
				"reasons":      hierarchy.Reasons(err),
			},
		})
		return u, nil
	}
	if err != nil {
		return hierarchy.User{}, err
	}
	return updated, nil
}
