// Package bulk imports administrative user lists into the hierarchy.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/obs"
	"wealthportal.io/internal/validate"
)

// Record is one row of an import. Blank optional fields leave an existing
// user's value untouched.
type Record struct {
	LoginKey       string `json:"login_key" validate:"required,max=128"`
	Email          string `json:"email,omitempty" validate:"omitempty,email,max=320"`
	Name           string `json:"name,omitempty" validate:"max=255"`
	Phone          string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Role           string `json:"role" validate:"required"`
	Status         string `json:"status,omitempty"`
	ParentLoginKey string `json:"parent_login_key,omitempty"`
	BranchID       string `json:"branch_id,omitempty" validate:"omitempty,max=64"`
	ZoneID         string `json:"zone_id,omitempty" validate:"omitempty,max=64"`
}

// Failure describes one rejected record.
type Failure struct {
	Index  int    `json:"index"`
	Record Record `json:"record"`
	Error  string `json:"error"`
	Err    error  `json:"-"`
}

// Report summarises an import.
type Report struct {
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Errors       []Failure `json:"errors"`
}

// Reconciler upserts records one at a time; a bad record never aborts the batch.
type Reconciler struct {
	users   *hierarchy.Service
	audit   *audit.Recorder
	metrics *obs.Metrics
	log     *zap.Logger
}

// Option configures Reconciler.
type Option func(*Reconciler)

func WithAudit(r *audit.Recorder) Option { return func(b *Reconciler) { b.audit = r } }

func WithMetrics(m *obs.Metrics) Option { return func(b *Reconciler) { b.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(b *Reconciler) {
		if l != nil {
			b.log = l
		}
	}
}

// NewReconciler builds a Reconciler writing through users.
func NewReconciler(users *hierarchy.Service, opts ...Option) *Reconciler {
	r := &Reconciler{users: users, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Import upserts records keyed by login key. Records without a parent login
// key are placed under defaultParentID ("" leaves new users at the root).
// An unknown defaultParentID fails the call before any record is touched;
// cancellation stops the batch and returns the partial report.
func (r *Reconciler) Import(ctx context.Context, records []Record, defaultParentID string) (Report, error) {
	defaultParentID = strings.TrimSpace(defaultParentID)
	if defaultParentID != "" {
		if _, err := r.users.Get(ctx, defaultParentID); err != nil {
			if errors.Is(err, hierarchy.ErrNotFound) {
				return Report{}, fmt.Errorf("%w: default parent %s", hierarchy.ErrNotFound, defaultParentID)
			}
			return Report{}, err
		}
	}

	report := Report{Errors: []Failure{}}
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		created, err := r.importOne(ctx, rec, defaultParentID, seen)
		r.metrics.BulkRecord(err == nil)
		if err != nil {
			report.FailedCount++
			report.Errors = append(report.Errors, Failure{Index: i, Record: rec, Error: err.Error(), Err: err})
			r.log.Debug("bulk record rejected", zap.Int("index", i), zap.String("login_key", rec.LoginKey), zap.Error(err))
			continue
		}
		seen[strings.ToLower(strings.TrimSpace(rec.LoginKey))] = i
		report.SuccessCount++
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}

	r.log.Info("bulk import finished",
		zap.Int("records", len(records)),
		zap.Int("succeeded", report.SuccessCount),
		zap.Int("failed", report.FailedCount),
	)
	r.audit.Record(ctx, audit.Entry{
		Action:       audit.ActionBulkImport,
		ResourceType: "bulk_import",
		ResourceID:   defaultParentID,
		Detail: map[string]any{
			"records":           len(records),
			"success_count":     report.SuccessCount,
			"failed_count":      report.FailedCount,
			"created":           report.Created,
			"updated":           report.Updated,
			"default_parent_id": defaultParentID,
		},
	})
	return report, nil
}

func (r *Reconciler) importOne(ctx context.Context, rec Record, defaultParentID string, seen map[string]int) (bool, error) {
	rec.LoginKey = strings.TrimSpace(rec.LoginKey)
	if reasons := validate.Struct(rec); len(reasons) > 0 {
		return false, &hierarchy.ValidationError{Reasons: reasons}
	}
	role, err := hierarchy.ParseRole(rec.Role)
	if err != nil {
		return false, err
	}
	if prev, dup := seen[strings.ToLower(rec.LoginKey)]; dup {
		return false, fmt.Errorf("%w: login key %q already imported by record %d", hierarchy.ErrConflict, rec.LoginKey, prev)
	}

	parentID := defaultParentID
	if key := strings.TrimSpace(rec.ParentLoginKey); key != "" {
		parent, err := r.users.FindByLoginKey(ctx, key)
		if errors.Is(err, hierarchy.ErrNotFound) {
			return false, fmt.Errorf("%w: parent %q", hierarchy.ErrNotFound, key)
		}
		if err != nil {
			return false, err
		}
		parentID = parent.ID
	}

	existing, err := r.users.FindByLoginKey(ctx, rec.LoginKey)
	if errors.Is(err, hierarchy.ErrNotFound) {
		_, err = r.users.Create(ctx, hierarchy.CreateInput{
			LoginKey: rec.LoginKey,
			Email:    rec.Email,
			Name:     rec.Name,
			Phone:    rec.Phone,
			Role:     role,
			Status:   hierarchy.Status(rec.Status),
			ParentID: parentID,
			BranchID: rec.BranchID,
			ZoneID:   rec.ZoneID,
		})
		return err == nil, err
	}
	if err != nil {
		return false, err
	}

	patch := hierarchy.Patch{Role: &role}
	setIf := func(dst **string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = &v
		}
	}
	setIf(&patch.Email, rec.Email)
	setIf(&patch.Name, rec.Name)
	setIf(&patch.Phone, rec.Phone)
	setIf(&patch.BranchID, rec.BranchID)
	setIf(&patch.ZoneID, rec.ZoneID)
	if s := strings.TrimSpace(rec.Status); s != "" {
		status := hierarchy.Status(s)
		patch.Status = &status
	}
	if parentID != "" && parentID != existing.ParentID {
		patch.ParentID = &parentID
	}
	_, err = r.users.Update(ctx, existing.ID, patch)
	return false, err
}
