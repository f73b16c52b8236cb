// Package migrate applies the portal's schema and seed SQL. The files ship
// embedded in the binary (see Migrations and Seeds); any fs.FS with the same
// naming works, which is how cmd/migrate accepts an override directory.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// migrateLockKey keeps two migrate runs (e.g. rolling pods) from
	// applying the same file twice.
	migrateLockKey int64 = 0x7770_6d69_6772 // "wpmigr"
)

var (
	// ErrNothingToRollBack is returned by Down on an empty history.
	ErrNothingToRollBack = errors.New("migrate: no migrations applied")

	// ErrMissingDown means the latest applied migration has no .down.sql pair.
	ErrMissingDown = errors.New("migrate: missing down migration")
)

// conn is the part of *sql.DB and *sql.Conn the manager needs.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Manager tracks applied schema files in bookkeeping tables. Each file runs
// in its own transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithSeeds sets the seed file system. Without it Seed is a no-op.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) { m.seeds = seeds }
}

// NewManager constructs a Manager over migrations (files named
// NNNN_name.up.sql / NNNN_name.down.sql at the root of the FS).
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in file name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(c conn) error {
		return m.applyAll(ctx, c, m.migrations, ".up.sql", m.migrationsTable)
	})
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(c conn) error {
		history, err := m.history(ctx, c, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return ErrNothingToRollBack
		}
		last := history[len(history)-1]
		down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.migrations, down); err != nil {
			return fmt.Errorf("%w for %s", ErrMissingDown, last)
		}
		forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
		err = m.runFile(ctx, c, m.migrations, down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, forget, last)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: roll back %s: %w", last, err)
		}
		return nil
	})
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) error {
	if m.seeds == nil {
		return nil
	}
	return m.locked(ctx, func(c conn) error {
		return m.applyAll(ctx, c, m.seeds, ".sql", m.seedsTable)
	})
}

// Status returns applied migrations in the order they ran.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx, m.db); err != nil {
		return nil, err
	}
	return m.history(ctx, m.db, m.migrationsTable)
}

// Pending returns migrations not yet applied.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx, m.db); err != nil {
		return nil, err
	}
	return m.pending(ctx, m.db, m.migrations, ".up.sql", m.migrationsTable)
}

// locked runs fn on a single connection holding the migrate advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(conn) error) error {
	c, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, `select pg_advisory_lock($1)`, migrateLockKey); err != nil {
		return fmt.Errorf("migrate: acquire lock: %w", err)
	}
	defer func() {
		// Use a fresh context so a cancelled run still releases the lock.
		_, _ = c.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, migrateLockKey)
	}()

	if err := m.ensureTables(ctx, c); err != nil {
		return err
	}
	return fn(c)
}

func (m *Manager) applyAll(ctx context.Context, c conn, fsys fs.FS, suffix, table string) error {
	todo, err := m.pending(ctx, c, fsys, suffix, table)
	if err != nil {
		return err
	}
	record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
	for _, name := range todo {
		err := m.runFile(ctx, c, fsys, name, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, record, name, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) pending(ctx context.Context, c conn, fsys fs.FS, suffix, table string) ([]string, error) {
	applied, err := m.history(ctx, c, table)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range files {
		if !done[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *Manager) ensureTables(ctx context.Context, c conn) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := c.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: ensure %s: %w", table, err)
		}
	}
	return nil
}

// runFile executes one SQL file and its bookkeeping step atomically.
func (m *Manager) runFile(ctx context.Context, c conn, fsys fs.FS, name string, bookkeep func(*sql.Tx) error) error {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := bookkeep(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, c conn, table string) ([]string, error) {
	rows, err := c.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, p)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return path.Base(files[i]) < path.Base(files[j])
	})
	return files, nil
}

// splitStatements splits a SQL file on semicolons outside single-quoted
// strings and "--" comments. Blank statements are dropped.
func splitStatements(sql string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(sql)
	for i, r := range runes {
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
		case !inString && r == ';':
			current.WriteRune(r)
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
