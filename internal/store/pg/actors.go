package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"ecofleet.org/internal/auth"
)

// Actors persists actors, their district grants and permission overrides,
// and the tenant custom permission table.
type Actors struct {
	db *sql.DB
}

const actorColumns = `id, handle, password_hash, role, company_id, active, created_at, updated_at`

func scanActor(row rowScanner) (*auth.Actor, error) {
	var (
		a       auth.Actor
		role    string
		company sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Handle, &a.PasswordHash, &role, &company, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = auth.Role(role)
	a.CompanyID = int64Ptr(company)
	return &a, nil
}

func (s *Actors) CreateActor(ctx context.Context, a *auth.Actor) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into actors (id, handle, password_hash, role, company_id, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Handle, a.PasswordHash, string(a.Role), nullInt(a.CompanyID), a.Active, a.CreatedAt, a.UpdatedAt); err != nil {
		return translate(err, auth.ErrConflict, auth.ErrNotFound, "actor "+a.Handle)
	}
	if err := writeDistricts(ctx, tx, a.ID, a.DistrictAccess); err != nil {
		return err
	}
	if err := writeOverrides(ctx, tx, a.ID, a.Overrides); err != nil {
		return err
	}
	return tx.Commit()
}

func writeDistricts(ctx context.Context, tx *sql.Tx, actorID string, districts []int64) error {
	for _, d := range districts {
		if _, err := tx.ExecContext(ctx, `
			insert into actor_districts (actor_id, district_id) values ($1, $2)
			on conflict do nothing
		`, actorID, d); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrNotFound, fmt.Sprintf("district %d", d))
		}
	}
	return nil
}

func writeOverrides(ctx context.Context, tx *sql.Tx, actorID string, overrides auth.PermissionSet) error {
	keys := make([]string, 0, len(overrides))
	for p := range overrides {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			insert into actor_permission_overrides (actor_id, permission, granted) values ($1, $2, $3)
		`, actorID, k, overrides[auth.Permission(k)]); err != nil {
			return err
		}
	}
	return nil
}

// hydrate loads the district grants and overrides of a.
func (s *Actors) hydrate(ctx context.Context, a *auth.Actor) error {
	rows, err := s.db.QueryContext(ctx, `select district_id from actor_districts where actor_id = $1 order by district_id`, a.ID)
	if err != nil {
		return err
	}
	a.DistrictAccess = nil
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return err
		}
		a.DistrictAccess = append(a.DistrictAccess, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `select permission, granted from actor_permission_overrides where actor_id = $1`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	a.Overrides = nil
	for rows.Next() {
		var (
			key     string
			granted bool
		)
		if err := rows.Scan(&key, &granted); err != nil {
			return err
		}
		if a.Overrides == nil {
			a.Overrides = auth.PermissionSet{}
		}
		a.Overrides[auth.Permission(key)] = granted
	}
	return rows.Err()
}

func (s *Actors) actorWhere(ctx context.Context, what, clause string, arg any) (*auth.Actor, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	a, err := scanActor(s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where `+clause, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: actor %s", auth.ErrNotFound, what)
	}
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Actors) ActorByID(ctx context.Context, id string) (*auth.Actor, error) {
	return s.actorWhere(ctx, id, `id = $1`, id)
}

func (s *Actors) ActorByHandle(ctx context.Context, handle string) (*auth.Actor, error) {
	return s.actorWhere(ctx, fmt.Sprintf("%q", handle), `handle = $1`, handle)
}

// ListActors applies f to actors. District restrictions match actors holding
// at least one of the districts.
func (s *Actors) ListActors(ctx context.Context, f auth.Filter) ([]*auth.Actor, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var w where
	if f.Nothing {
		w.clauses = append(w.clauses, "false")
	}
	if f.CompanyID != nil {
		w.add("company_id = %s", *f.CompanyID)
	}
	if f.DistrictID != nil {
		w.add("exists (select 1 from actor_districts ad where ad.actor_id = actors.id and ad.district_id = %s)", *f.DistrictID)
	}
	if f.RestrictDistricts {
		pred := w.inClause("ad.district_id", f.DistrictIDs)
		w.clauses = append(w.clauses, "exists (select 1 from actor_districts ad where ad.actor_id = actors.id and "+pred+")")
	}
	if f.DriverID != "" {
		w.add("id = %s", f.DriverID)
	}
	rows, err := s.db.QueryContext(ctx, `select `+actorColumns+` from actors`+w.String()+` order by handle`, w.args...)
	if err != nil {
		return nil, err
	}
	var out []*auth.Actor
	func() {
		defer rows.Close()
		for rows.Next() {
			a, scanErr := scanActor(rows)
			if scanErr != nil {
				err = scanErr
				return
			}
			out = append(out, a)
		}
		err = rows.Err()
	}()
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		if err := s.hydrate(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Actors) SetActorActive(ctx context.Context, id string, active bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update actors set active = $2, updated_at = now() where id = $1`, id, active)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: actor %s", auth.ErrNotFound, id)
	}
	return nil
}

// replace runs fn inside a transaction after locking the actor row.
func (s *Actors) replace(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from actors where id = $1 for update`, id).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: actor %s", auth.ErrNotFound, id)
		}
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update actors set updated_at = now() where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Actors) SetOverrides(ctx context.Context, id string, overrides auth.PermissionSet) error {
	return s.replace(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from actor_permission_overrides where actor_id = $1`, id); err != nil {
			return err
		}
		return writeOverrides(ctx, tx, id, overrides)
	})
}

func (s *Actors) SetDistrictAccess(ctx context.Context, id string, districts []int64) error {
	return s.replace(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from actor_districts where actor_id = $1`, id); err != nil {
			return err
		}
		return writeDistricts(ctx, tx, id, districts)
	})
}

// CustomGrants returns every tenant custom permission row grouped by company
// and role.
func (s *Actors) CustomGrants(ctx context.Context) ([]auth.CustomGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select company_id, role, permission, granted
		from role_custom_permissions
		order by company_id nulls first, role, permission
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type key struct {
		company int64
		global  bool
		role    string
	}
	index := map[key]int{}
	var out []auth.CustomGrant
	for rows.Next() {
		var (
			company sql.NullInt64
			role    string
			perm    string
			granted bool
		)
		if err := rows.Scan(&company, &role, &perm, &granted); err != nil {
			return nil, err
		}
		k := key{company: company.Int64, global: !company.Valid, role: role}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, auth.CustomGrant{CompanyID: int64Ptr(company), Role: auth.Role(role), Permissions: auth.PermissionSet{}})
		}
		out[i].Permissions[auth.Permission(perm)] = granted
	}
	return out, rows.Err()
}

// SetCustomGrant replaces the rows of one (company, role) pair.
func (s *Actors) SetCustomGrant(ctx context.Context, g auth.CustomGrant) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	company := nullInt(g.CompanyID)
	if _, err := tx.ExecContext(ctx, `
		delete from role_custom_permissions
		where role = $1 and company_id is not distinct from $2
	`, string(g.Role), company); err != nil {
		return err
	}
	keys := make([]string, 0, len(g.Permissions))
	for p := range g.Permissions {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			insert into role_custom_permissions (company_id, role, permission, granted)
			values ($1, $2, $3, $4)
		`, company, string(g.Role), k, g.Permissions[auth.Permission(k)]); err != nil {
			return translate(err, auth.ErrConflict, auth.ErrNotFound, "custom permission "+k)
		}
	}
	return tx.Commit()
}
