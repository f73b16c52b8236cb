package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"wealthportal.io/internal/hierarchy"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrAdminShutdown       = "57P01"
	pgErrCannotConnectNow    = "57P03"

	// hierarchyLockKey identifies the advisory lock serializing tree mutations.
	hierarchyLockKey int64 = 0x7770_6869_6572 // "wphier"
)

// PoolOptions tunes the database/sql pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolOptions are sized for a single API replica.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: 15 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres hierarchy store.
type Store struct {
	*users
	db *sql.DB
}

var _ hierarchy.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string, pool PoolOptions) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{users: &users{q: db}, db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx))
}

// Atomic runs fn in a transaction holding the hierarchy advisory lock, so
// concurrent reassignments are applied one after another and readers only
// ever see committed cascades.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx hierarchy.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, hierarchyLockKey); err != nil {
		return mapErr(err)
	}
	if err := fn(ctx, &users{q: tx, lock: true}); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr translates driver errors into the hierarchy error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", hierarchy.ErrConflict, uniqueMessage(pgErr))
		case pgErr.Code == pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", hierarchy.ErrConflict, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == pgErrAdminShutdown,
			pgErr.Code == pgErrCannotConnectNow:
			return fmt.Errorf("%w: %w", hierarchy.ErrStoreUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	switch {
	case errors.As(err, &connErr),
		pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %w", hierarchy.ErrStoreUnavailable, err)
	}
	return err
}

func uniqueMessage(pgErr *pgconn.PgError) string {
	switch pgErr.ConstraintName {
	case "users_login_key_lower_idx":
		return "login key is taken"
	case "users_external_id_idx":
		return "external id is linked to another user"
	case "users_email_lower_idx":
		return "email is taken"
	case "users_pkey":
		return "user already exists"
	}
	return pgErr.Message
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// escapeLike quotes LIKE metacharacters so a path is matched literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func subtreePattern(path string) string {
	return escapeLike(strings.TrimRight(path, hierarchy.PathDelimiter)) + hierarchy.PathDelimiter + "%"
}
