package hierarchy

import (
	"context"
	"time"
)

// Reader is the read side of the user tree.
type Reader interface {
	Get(ctx context.Context, id string) (User, error)
	FindByLoginKey(ctx context.Context, loginKey string) (User, error)
	FindByExternalID(ctx context.Context, externalID string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	// ListSubtree returns the strict descendants of the node at path.
	ListSubtree(ctx context.Context, path string) ([]User, error)
	ListChildren(ctx context.Context, parentID string) ([]User, error)
	// List returns users matching q ordered by role rank then name.
	List(ctx context.Context, q Query) ([]User, error)
}

// Writer mutates single user rows.
type Writer interface {
	Insert(ctx context.Context, u User) (User, error)
	// Save persists administrative and hierarchy fields of u. It never
	// touches external_id or last_login_at.
	Save(ctx context.Context, u User) (User, error)
	Delete(ctx context.Context, id string) error
	// MarkLogin records a login and links externalID when the row has none.
	MarkLogin(ctx context.Context, id, externalID string, at time.Time) (User, error)
}

// Tx is the view of the store inside an atomic hierarchy mutation.
type Tx interface {
	Reader
	Writer
	// RebaseSubtree rewrites every strict descendant of oldPath to sit under
	// newPath and shifts its level by levelDelta. Returns the rows touched.
	RebaseSubtree(ctx context.Context, oldPath, newPath string, levelDelta int) (int64, error)
}

// Store persists the user tree. Atomic serializes hierarchy mutations so that
// concurrent reassignments never interleave and readers never see a partial
// cascade.
type Store interface {
	Reader
	Writer
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
