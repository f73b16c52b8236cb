package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"wealthportal.io/internal/hierarchy"
)

const userColumns = `id, coalesce(external_id, ''), login_key, coalesce(email, ''), name,
	coalesce(phone, ''), role, status, coalesce(parent_id, ''), hierarchy_path, hierarchy_level,
	coalesce(branch_id, ''), coalesce(zone_id, ''), last_login_at, created_at, updated_at`

// rankOrder sorts rows by role seniority, unknown roles last.
var rankOrder = func() string {
	var b strings.Builder
	b.WriteString("case role")
	for _, r := range hierarchy.Roles() {
		fmt.Fprintf(&b, " when '%s' then %d", r, r.Rank())
	}
	b.WriteString(" else 1024 end")
	return b.String()
}()

// users implements hierarchy.Tx over a connection or a transaction. With
// lock set, point reads take row locks.
type users struct {
	q    querier
	lock bool
}

var _ hierarchy.Tx = (*users)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (hierarchy.User, error) {
	var (
		u         hierarchy.User
		role      string
		status    string
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.ExternalID, &u.LoginKey, &u.Email, &u.Name,
		&u.Phone, &role, &status, &u.ParentID, &u.HierarchyPath, &u.HierarchyLevel,
		&u.BranchID, &u.ZoneID, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return hierarchy.User{}, err
	}
	u.Role = hierarchy.Role(role)
	u.Status = hierarchy.Status(status)
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *users) one(ctx context.Context, where string, args ...any) (hierarchy.User, error) {
	query := `select ` + userColumns + ` from users where ` + where
	if s.lock {
		query += ` for update`
	}
	u, err := scanUser(s.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return hierarchy.User{}, mapErr(err)
	}
	return u, nil
}

func (s *users) many(ctx context.Context, query string, args ...any) ([]hierarchy.User, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []hierarchy.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *users) Get(ctx context.Context, id string) (hierarchy.User, error) {
	u, err := s.one(ctx, `id = $1`, id)
	if err != nil {
		return hierarchy.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

func (s *users) FindByLoginKey(ctx context.Context, loginKey string) (hierarchy.User, error) {
	return s.one(ctx, `lower(login_key) = lower($1)`, loginKey)
}

func (s *users) FindByExternalID(ctx context.Context, externalID string) (hierarchy.User, error) {
	return s.one(ctx, `external_id = $1`, externalID)
}

func (s *users) FindByEmail(ctx context.Context, email string) (hierarchy.User, error) {
	return s.one(ctx, `lower(email) = lower($1)`, email)
}

func (s *users) ListSubtree(ctx context.Context, path string) ([]hierarchy.User, error) {
	if strings.Trim(path, hierarchy.PathDelimiter) == "" {
		return nil, nil
	}
	return s.many(ctx, `
		select `+userColumns+`
		from users
		where hierarchy_path like $1 escape '\'
		order by hierarchy_level, lower(name), lower(login_key)
	`, subtreePattern(path))
}

func (s *users) ListChildren(ctx context.Context, parentID string) ([]hierarchy.User, error) {
	return s.many(ctx, `
		select `+userColumns+`
		from users
		where parent_id = $1
		order by `+rankOrder+`, lower(name), lower(login_key)
	`, parentID)
}

func (s *users) List(ctx context.Context, q hierarchy.Query) ([]hierarchy.User, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.WithinPath != "" {
		self := arg(strings.TrimRight(q.WithinPath, hierarchy.PathDelimiter))
		below := arg(subtreePattern(q.WithinPath))
		where = append(where, fmt.Sprintf(`(hierarchy_path = %s or hierarchy_path like %s escape '\')`, self, below))
	}
	if q.Role != "" {
		where = append(where, "role = "+arg(string(q.Role)))
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if q.BranchID != "" {
		where = append(where, "branch_id = "+arg(q.BranchID))
	}
	if q.ZoneID != "" {
		where = append(where, "zone_id = "+arg(q.ZoneID))
	}

	query := `select ` + userColumns + ` from users`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by ` + rankOrder + `, lower(name), lower(login_key)`
	if q.Limit > 0 {
		query += ` limit ` + arg(q.Limit)
	}
	return s.many(ctx, query, args...)
}

func (s *users) Insert(ctx context.Context, u hierarchy.User) (hierarchy.User, error) {
	row := s.q.QueryRowContext(ctx, `
		insert into users (id, external_id, login_key, email, name, phone, role, status,
			parent_id, hierarchy_path, hierarchy_level, branch_id, zone_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning `+userColumns,
		u.ID, nullIfEmpty(u.ExternalID), u.LoginKey, nullIfEmpty(u.Email), u.Name, nullIfEmpty(u.Phone),
		string(u.Role), string(u.Status), nullIfEmpty(u.ParentID), u.HierarchyPath, u.HierarchyLevel,
		nullIfEmpty(u.BranchID), nullIfEmpty(u.ZoneID))
	created, err := scanUser(row)
	if err != nil {
		return hierarchy.User{}, mapErr(err)
	}
	return created, nil
}

func (s *users) Save(ctx context.Context, u hierarchy.User) (hierarchy.User, error) {
	row := s.q.QueryRowContext(ctx, `
		update users set
			email = $2, name = $3, phone = $4, role = $5, status = $6,
			parent_id = $7, hierarchy_path = $8, hierarchy_level = $9,
			branch_id = $10, zone_id = $11, updated_at = now()
		where id = $1
		returning `+userColumns,
		u.ID, nullIfEmpty(u.Email), u.Name, nullIfEmpty(u.Phone), string(u.Role), string(u.Status),
		nullIfEmpty(u.ParentID), u.HierarchyPath, u.HierarchyLevel,
		nullIfEmpty(u.BranchID), nullIfEmpty(u.ZoneID))
	saved, err := scanUser(row)
	if err != nil {
		return hierarchy.User{}, fmt.Errorf("user %s: %w", u.ID, mapErr(err))
	}
	return saved, nil
}

func (s *users) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, hierarchy.ErrNotFound)
	}
	return nil
}

func (s *users) MarkLogin(ctx context.Context, id, externalID string, at time.Time) (hierarchy.User, error) {
	row := s.q.QueryRowContext(ctx, `
		update users set
			external_id = coalesce(external_id, $2),
			last_login_at = $3
		where id = $1
		returning `+userColumns,
		id, nullIfEmpty(externalID), at.UTC())
	u, err := scanUser(row)
	if err != nil {
		return hierarchy.User{}, fmt.Errorf("user %s: %w", id, mapErr(err))
	}
	return u, nil
}

func (s *users) RebaseSubtree(ctx context.Context, oldPath, newPath string, levelDelta int) (int64, error) {
	oldPath = strings.TrimRight(oldPath, hierarchy.PathDelimiter)
	if oldPath == "" {
		return 0, nil
	}
	res, err := s.q.ExecContext(ctx, `
		update users set
			hierarchy_path = $2::text || substr(hierarchy_path, length($1::text) + 1),
			hierarchy_level = hierarchy_level + $3::int,
			updated_at = now()
		where hierarchy_path like $4 escape '\'
	`, oldPath, strings.TrimRight(newPath, hierarchy.PathDelimiter), levelDelta, subtreePattern(oldPath))
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}
