package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/ids"
	"wealthportal.io/internal/obs"
	"wealthportal.io/internal/validate"
)

// MaxDepth bounds upward walks. Acyclicity is enforced when parents are
// assigned, not by storage, so walks must terminate on corrupted data too.
const MaxDepth = 64

// Service maintains the user tree and its path invariants on top of a Store.
type Service struct {
	store   Store
	audit   *audit.Recorder
	metrics *obs.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Option configures Service.
type Option func(*Service)

func WithAudit(r *audit.Recorder) Option { return func(s *Service) { s.audit = r } }

func WithMetrics(m *obs.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() Store { return s.store }

func (s *Service) Get(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, invalid("user id is required")
	}
	return s.store.Get(ctx, id)
}

// FindByLoginKey matches the login key case-insensitively.
func (s *Service) FindByLoginKey(ctx context.Context, key string) (User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return User{}, ErrNotFound
	}
	return s.store.FindByLoginKey(ctx, key)
}

func (s *Service) FindByExternalID(ctx context.Context, externalID string) (User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return User{}, ErrNotFound
	}
	return s.store.FindByExternalID(ctx, externalID)
}

func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return User{}, ErrNotFound
	}
	return s.store.FindByEmail(ctx, email)
}

// FindDescendants returns direct reports ordered by role rank then name, or
// the whole subtree below id ordered by level then name.
func (s *Service) FindDescendants(ctx context.Context, id string, direct bool) ([]User, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if direct {
		children, err := s.store.ListChildren(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		SortByRank(children)
		return children, nil
	}
	subtree, err := s.store.ListSubtree(ctx, node.HierarchyPath)
	if err != nil {
		return nil, err
	}
	out := subtree[:0]
	for _, u := range subtree {
		if u.ID != node.ID && IsDescendantOf(u.HierarchyPath, node.HierarchyPath) {
			out = append(out, u)
		}
	}
	SortByLevel(out)
	return out, nil
}

// CountDescendantsByRole counts the whole subtree below id per role, in
// seniority order. Roles with no descendants are omitted.
func (s *Service) CountDescendantsByRole(ctx context.Context, id string) ([]RoleCount, error) {
	descendants, err := s.FindDescendants(ctx, id, false)
	if err != nil {
		return nil, err
	}
	counts := make(map[Role]int)
	for _, u := range descendants {
		counts[u.Role]++
	}
	out := make([]RoleCount, 0, len(counts))
	for _, r := range Roles() {
		if n := counts[r]; n > 0 {
			out = append(out, RoleCount{Role: r, Count: n})
		}
	}
	return out, nil
}

// FindAncestors returns the chain from the immediate parent up to the root.
func (s *Service) FindAncestors(ctx context.Context, id string) ([]User, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.walkAncestors(ctx, s.store, node)
}

func (s *Service) walkAncestors(ctx context.Context, r Reader, node User) ([]User, error) {
	var chain []User
	seen := map[string]struct{}{node.ID: {}}
	cur := node
	for cur.ParentID != "" {
		if len(chain) >= MaxDepth {
			s.log.Warn("ancestor walk hit depth guard", zap.String("user_id", node.ID), zap.Int("max_depth", MaxDepth))
			break
		}
		if _, loop := seen[cur.ParentID]; loop {
			s.log.Error("hierarchy cycle detected", zap.String("user_id", node.ID), zap.String("at", cur.ParentID))
			break
		}
		parent, err := r.Get(ctx, cur.ParentID)
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("orphaned parent reference", zap.String("user_id", cur.ID), zap.String("parent_id", cur.ParentID))
			break
		}
		if err != nil {
			return nil, err
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// AssignParent moves id under newParentID ("" moves it to the root) and
// rebases its entire subtree in the same transaction.
func (s *Service) AssignParent(ctx context.Context, id, newParentID string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, invalid("user id is required")
	}
	var (
		before, after User
		rebased       int64
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		before = node
		p, err := s.place(ctx, tx, node, newParentID)
		if err != nil {
			return err
		}
		after, rebased, err = s.applyPlacement(ctx, tx, node, p)
		return err
	})
	if err != nil {
		return User{}, err
	}
	if before.HierarchyPath != after.HierarchyPath || before.ParentID != after.ParentID {
		s.recordMove(ctx, before, after, rebased)
	}
	return after, nil
}

// RemoveParent moves id to the root of the tree.
func (s *Service) RemoveParent(ctx context.Context, id string) (User, error) {
	return s.AssignParent(ctx, id, "")
}

// RepairPath recomputes the path of id from its current parent and rebases
// its descendants, fixing rows left stale by out-of-band edits.
func (s *Service) RepairPath(ctx context.Context, id string) (User, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	return s.AssignParent(ctx, id, node.ParentID)
}

// Create inserts a new user. Without a parent the user becomes a root.
func (s *Service) Create(ctx context.Context, in CreateInput) (User, error) {
	in = normalizeCreate(in)
	reasons := validate.Struct(in)
	if in.Role != "" && !in.Role.Valid() {
		reasons = append(reasons, fmt.Sprintf("Role %q is not a known role", in.Role))
	}
	status, err := ParseStatus(string(in.Status))
	if err != nil {
		reasons = append(reasons, Reasons(err)...)
	}
	if len(reasons) > 0 {
		return User{}, invalid(reasons...)
	}

	var created User
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		u := User{
			ID:         ids.New(),
			ExternalID: in.ExternalID,
			LoginKey:   in.LoginKey,
			Email:      in.Email,
			Name:       in.Name,
			Phone:      in.Phone,
			Role:       in.Role,
			Status:     status,
			BranchID:   in.BranchID,
			ZoneID:     in.ZoneID,
		}
		p, err := s.place(ctx, tx, u, in.ParentID)
		if err != nil {
			return err
		}
		u.ParentID, u.HierarchyPath, u.HierarchyLevel = p.parentID, p.path, p.level
		created, err = tx.Insert(ctx, u)
		return err
	})
	if err != nil {
		return User{}, err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionUserCreate,
		ResourceID: created.ID,
		Detail: map[string]any{
			"login_key": created.LoginKey,
			"role":      created.Role,
			"parent_id": created.ParentID,
		},
	})
	return created, nil
}

// Update applies a field-level patch. Role and parent changes are validated
// against the tree exactly as AssignParent does.
func (s *Service) Update(ctx context.Context, id string, p Patch) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, invalid("user id is required")
	}
	p = normalizePatch(p)
	if reasons := validate.Struct(p); len(reasons) > 0 {
		return User{}, invalid(reasons...)
	}
	if p.Role != nil && !p.Role.Valid() {
		return User{}, invalid(fmt.Sprintf("Role %q is not a known role", *p.Role))
	}
	if p.Status != nil {
		st, err := ParseStatus(string(*p.Status))
		if err != nil {
			return User{}, err
		}
		p.Status = &st
	}

	var (
		before, after User
		rebased       int64
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		before = node
		applyFields(&node, p)

		parentID := node.ParentID
		if p.ParentID != nil {
			parentID = *p.ParentID
		}
		var reasons []string
		if node.Role != before.Role {
			children, err := tx.ListChildren(ctx, node.ID)
			if err != nil {
				return err
			}
			for _, c := range children {
				if !node.Role.Outranks(c.Role) {
					reasons = append(reasons, fmt.Sprintf("role %s must outrank direct report %s (%s)", node.Role, c.LoginKey, c.Role))
				}
			}
		}
		if node.Role != before.Role || parentID != before.ParentID {
			pl, err := s.place(ctx, tx, node, parentID)
			if err != nil {
				if rs := Reasons(err); rs != nil {
					return invalid(append(reasons, rs...)...)
				}
				return err
			}
			if len(reasons) > 0 {
				return invalid(reasons...)
			}
			after, rebased, err = s.applyPlacement(ctx, tx, node, pl)
			return err
		}
		after, err = tx.Save(ctx, node)
		return err
	})
	if err != nil {
		return User{}, err
	}

	if changed := changedFields(before, after); len(changed) > 0 {
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionUserUpdate,
			ResourceID: after.ID,
			Detail:     map[string]any{"fields": changed},
		})
	}
	if before.Role != after.Role {
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionRoleChange,
			ResourceID: after.ID,
			Detail:     map[string]any{"from": before.Role, "to": after.Role},
		})
	}
	if before.HierarchyPath != after.HierarchyPath || before.ParentID != after.ParentID {
		s.recordMove(ctx, before, after, rebased)
	}
	return after, nil
}

// Deactivate soft-deletes a user; the node stays in the tree.
func (s *Service) Deactivate(ctx context.Context, id string) (User, error) {
	inactive := StatusInactive
	return s.Update(ctx, id, Patch{Status: &inactive})
}

// Delete physically removes a leaf user. Users with direct reports must be
// emptied first so no subtree is orphaned.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid("user id is required")
	}
	var removed User
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		children, err := tx.ListChildren(ctx, node.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return invalid(fmt.Sprintf("user has %d direct reports; reassign them before deleting", len(children)))
		}
		removed = node
		return tx.Delete(ctx, node.ID)
	})
	if err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionUserDelete,
		ResourceID: removed.ID,
		Detail: map[string]any{
			"login_key": removed.LoginKey,
			"role":      removed.Role,
			"path":      removed.HierarchyPath,
		},
	})
	return nil
}

// RecordLogin stamps the login time and links externalID if the row has none.
// It is a single-row write that never touches hierarchy columns.
func (s *Service) RecordLogin(ctx context.Context, id, externalID string) (User, error) {
	return s.store.MarkLogin(ctx, id, strings.TrimSpace(externalID), s.now().UTC())
}

type placement struct {
	parentID string
	path     string
	level    int
}

// place validates putting node under parentID and computes its path/level.
func (s *Service) place(ctx context.Context, tx Tx, node User, parentID string) (placement, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return placement{path: ChildPath("", node.ID)}, nil
	}
	if parentID == node.ID {
		return placement{}, invalid("a user cannot be its own parent")
	}
	parent, err := tx.Get(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return placement{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
	}
	if err != nil {
		return placement{}, err
	}

	var reasons []string
	if !parent.Role.Outranks(node.Role) {
		reasons = append(reasons, fmt.Sprintf("parent role %s must outrank %s", parent.Role, node.Role))
	}
	if node.HierarchyPath != "" {
		cyclic := IsWithin(parent.HierarchyPath, node.HierarchyPath)
		if !cyclic {
			chain, err := s.walkAncestors(ctx, tx, parent)
			if err != nil {
				return placement{}, err
			}
			for _, a := range chain {
				if a.ID == node.ID {
					cyclic = true
					break
				}
			}
		}
		if cyclic {
			reasons = append(reasons, "assignment would create a cycle: the new parent is a descendant of the user")
		}
	}
	if len(reasons) > 0 {
		return placement{}, invalid(reasons...)
	}
	return placement{
		parentID: parent.ID,
		path:     ChildPath(parent.HierarchyPath, node.ID),
		level:    parent.HierarchyLevel + 1,
	}, nil
}

func (s *Service) applyPlacement(ctx context.Context, tx Tx, node User, p placement) (User, int64, error) {
	oldPath, oldLevel := node.HierarchyPath, node.HierarchyLevel
	node.ParentID, node.HierarchyPath, node.HierarchyLevel = p.parentID, p.path, p.level
	saved, err := tx.Save(ctx, node)
	if err != nil {
		return User{}, 0, err
	}
	if oldPath == p.path && oldLevel == p.level {
		return saved, 0, nil
	}
	n, err := tx.RebaseSubtree(ctx, oldPath, p.path, p.level-oldLevel)
	if err != nil {
		return User{}, 0, err
	}
	return saved, n, nil
}

func (s *Service) recordMove(ctx context.Context, before, after User, rebased int64) {
	s.metrics.Reparented(rebased)
	s.log.Info("hierarchy reassigned",
		zap.String("user_id", after.ID),
		zap.String("from_parent", before.ParentID),
		zap.String("to_parent", after.ParentID),
		zap.Int64("descendants_rebased", rebased),
	)
	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionAssignParent,
		ResourceID: after.ID,
		Detail: map[string]any{
			"previous_parent_id":  before.ParentID,
			"parent_id":           after.ParentID,
			"old_path":            before.HierarchyPath,
			"new_path":            after.HierarchyPath,
			"descendants_rebased": rebased,
		},
	})
}

func normalizeCreate(in CreateInput) CreateInput {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.LoginKey = strings.TrimSpace(in.LoginKey)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Role = Role(strings.ToLower(strings.TrimSpace(string(in.Role))))
	in.ParentID = strings.TrimSpace(in.ParentID)
	in.BranchID = strings.TrimSpace(in.BranchID)
	in.ZoneID = strings.TrimSpace(in.ZoneID)
	return in
}

func normalizePatch(p Patch) Patch {
	trim := func(v *string, lower bool) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		if lower {
			t = strings.ToLower(t)
		}
		return &t
	}
	p.Email = trim(p.Email, true)
	p.Name = trim(p.Name, false)
	p.Phone = trim(p.Phone, false)
	p.ParentID = trim(p.ParentID, false)
	p.BranchID = trim(p.BranchID, false)
	p.ZoneID = trim(p.ZoneID, false)
	if p.Role != nil {
		r := Role(strings.ToLower(strings.TrimSpace(string(*p.Role))))
		p.Role = &r
	}
	return p
}

func applyFields(u *User, p Patch) {
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.Status != nil {
		u.Status = *p.Status
	}
	if p.BranchID != nil {
		u.BranchID = *p.BranchID
	}
	if p.ZoneID != nil {
		u.ZoneID = *p.ZoneID
	}
}

func changedFields(before, after User) []string {
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("email", before.Email != after.Email)
	check("name", before.Name != after.Name)
	check("phone", before.Phone != after.Phone)
	check("role", before.Role != after.Role)
	check("status", before.Status != after.Status)
	check("parent_id", before.ParentID != after.ParentID)
	check("branch_id", before.BranchID != after.BranchID)
	check("zone_id", before.ZoneID != after.ZoneID)
	return out
}
