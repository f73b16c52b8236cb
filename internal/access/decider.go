// Package access answers "may this user see that user" from the hierarchy.
package access

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/obs"
)

// MaxResults caps FindAccessibleUsers. It is a guard, not pagination.
const MaxResults = 500

// Decider evaluates hierarchy-scoped visibility. It only reads.
type Decider struct {
	users   hierarchy.Reader
	metrics *obs.Metrics
	log     *zap.Logger
}

// Option configures Decider.
type Option func(*Decider)

func WithMetrics(m *obs.Metrics) Option { return func(d *Decider) { d.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(d *Decider) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDecider builds a Decider over users.
func NewDecider(users hierarchy.Reader, opts ...Option) *Decider {
	d := &Decider{users: users, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CanAccess reports whether accessorID may act on targetID: self, the top
// role, or a target inside the accessor's subtree. Unknown users are denied.
// Store failures are returned so callers can fail closed.
func (d *Decider) CanAccess(ctx context.Context, accessorID, targetID string) (bool, error) {
	allowed, err := d.decide(ctx, accessorID, targetID)
	if err != nil {
		d.log.Warn("access decision failed",
			zap.String("accessor_id", accessorID),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
		return false, err
	}
	d.metrics.AccessDecision(allowed)
	return allowed, nil
}

func (d *Decider) decide(ctx context.Context, accessorID, targetID string) (bool, error) {
	if accessorID == "" || targetID == "" {
		return false, nil
	}
	if accessorID == targetID {
		return true, nil
	}
	accessor, err := d.users.Get(ctx, accessorID)
	if errors.Is(err, hierarchy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if accessor.Role.IsTop() {
		return true, nil
	}
	target, err := d.users.Get(ctx, targetID)
	if errors.Is(err, hierarchy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hierarchy.IsWithin(target.HierarchyPath, accessor.HierarchyPath), nil
}

// FindAccessibleUsers lists the users accessorID may see, filtered
// conjunctively and ordered by role rank then name, capped at MaxResults.
// An unknown accessor sees nothing.
func (d *Decider) FindAccessibleUsers(ctx context.Context, accessorID string, f hierarchy.Filters) ([]hierarchy.User, error) {
	accessor, err := d.users.Get(ctx, accessorID)
	if errors.Is(err, hierarchy.ErrNotFound) {
		return []hierarchy.User{}, nil
	}
	if err != nil {
		return nil, err
	}

	q := hierarchy.Query{Filters: f, Limit: MaxResults}
	if !accessor.Role.IsTop() {
		q.WithinPath = accessor.HierarchyPath
	}
	users, err := d.users.List(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]hierarchy.User, 0, len(users))
	for _, u := range users {
		if q.WithinPath != "" && !hierarchy.IsWithin(u.HierarchyPath, q.WithinPath) {
			continue
		}
		if !f.Match(u) {
			continue
		}
		out = append(out, u)
	}
	hierarchy.SortByRank(out)
	if len(out) > MaxResults {
		out = out[:MaxResults]
	}
	return out, nil
}
