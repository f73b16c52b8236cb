package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wealthportal.io/internal/ids"
)

// Actions recorded for hierarchy-affecting changes.
const (
	ActionUserCreate           = "user.create"
	ActionUserUpdate           = "user.update"
	ActionUserDelete           = "user.delete"
	ActionRoleChange           = "user.role_change"
	ActionAssignParent         = "hierarchy.assign_parent"
	ActionIdentityLink         = "identity.link"
	ActionRoleDowngradeSkipped = "identity.role_downgrade_skipped"
	ActionRoleSyncRejected     = "identity.role_sync_rejected"
	ActionBulkImport           = "bulk.import"
)

// ResourceUser is the resource type of user-scoped entries.
const ResourceUser = "user"

// Entry is an immutable record of a hierarchy-affecting action. An empty
// ActorID means the action was system-initiated.
type Entry struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	ActorID      string         `json:"actor_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Detail       map[string]any `json:"detail,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// Sink appends entries somewhere durable or observable.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

// Recorder fans entries out to its sinks. Sink failures are logged and
// swallowed; they never affect the mutation being audited.
type Recorder struct {
	sinks []Sink
	log   *zap.Logger
	now   func() time.Time
}

// NewRecorder builds a Recorder over sinks. A nil logger disables failure logging.
func NewRecorder(log *zap.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sinks: sinks, log: log, now: time.Now}
}

// Record appends entry to every sink. Safe on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ActorID == "" {
		entry.ActorID = ActorFromContext(ctx)
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if entry.ResourceType == "" {
		entry.ResourceType = ResourceUser
	}
	for _, sink := range r.sinks {
		e := entry
		if err := sink.Append(ctx, &e); err != nil {
			r.log.Warn("audit append failed",
				zap.String("action", entry.Action),
				zap.String("resource_id", entry.ResourceID),
				zap.Error(err),
			)
		}
	}
}

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithActor records which user is performing the action.
func WithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the acting user id, or "" for system actions.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// Buffer is an in-memory sink, used by the memory store profile and tests.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

func (b *Buffer) Append(_ context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, *entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// ByAction returns the appended entries with the given action.
func (b *Buffer) ByAction(action string) []Entry {
	var out []Entry
	for _, e := range b.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Lister reads back the trail of one resource, newest first.
type Lister interface {
	List(ctx context.Context, resourceID string, limit int) ([]Entry, error)
}

// List implements Lister.
func (b *Buffer) List(_ context.Context, resourceID string, limit int) ([]Entry, error) {
	all := b.Entries()
	out := make([]Entry, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ResourceID != resourceID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
