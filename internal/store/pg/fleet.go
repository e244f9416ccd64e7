package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/fleet"
)

// Fleet persists the organization tree and the reason catalog.
type Fleet struct {
	db *sql.DB
}

func (s *Fleet) Company(ctx context.Context, id int64) (*fleet.Company, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var c fleet.Company
	err := s.db.QueryRowContext(ctx, `select id, name, active, created_at from companies where id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: company %d", fleet.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Fleet) District(ctx context.Context, id int64) (*fleet.District, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var d fleet.District
	err := s.db.QueryRowContext(ctx, `select id, company_id, name, active, created_at from districts where id = $1`, id).
		Scan(&d.ID, &d.CompanyID, &d.Name, &d.Active, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: district %d", fleet.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const vehicleColumns = `id, company_id, district_id, plate, driver_id, active, created_at`

func scanVehicle(row rowScanner) (*fleet.Vehicle, error) {
	var (
		v      fleet.Vehicle
		driver sql.NullString
	)
	if err := row.Scan(&v.ID, &v.CompanyID, &v.DistrictID, &v.Plate, &driver, &v.Active, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.DriverID = driver.String
	return &v, nil
}

func (s *Fleet) Vehicle(ctx context.Context, id int64) (*fleet.Vehicle, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	v, err := scanVehicle(s.db.QueryRowContext(ctx, `select `+vehicleColumns+` from vehicles where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vehicle %d", fleet.ErrNotFound, id)
	}
	return v, err
}

func (s *Fleet) Reason(ctx context.Context, id int64) (*fleet.WorkStatusReason, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var r fleet.WorkStatusReason
	err := s.db.QueryRowContext(ctx, `
		select id, category, severity, name, active, created_at
		from work_status_reasons
		where id = $1
	`, id).Scan(&r.ID, &r.Category, &r.Severity, &r.Name, &r.Active, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reason %d", fleet.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Fleet) exec(ctx context.Context, what string, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err, fleet.ErrConflict, fleet.ErrNotFound, what)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s", fleet.ErrNotFound, what)
	}
	return nil
}

func (s *Fleet) DeactivateReason(ctx context.Context, id int64) error {
	return s.exec(ctx, fmt.Sprintf("reason %d", id), `update work_status_reasons set active = false where id = $1`, id)
}

func (s *Fleet) CreateCompany(ctx context.Context, c *fleet.Company) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into companies (name, active) values ($1, $2)
		returning id, created_at
	`, c.Name, c.Active).Scan(&c.ID, &c.CreatedAt)
	return translate(err, fleet.ErrConflict, fleet.ErrNotFound, "company "+c.Name)
}

func (s *Fleet) CreateDistrict(ctx context.Context, d *fleet.District) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into districts (company_id, name, active) values ($1, $2, $3)
		returning id, created_at
	`, d.CompanyID, d.Name, d.Active).Scan(&d.ID, &d.CreatedAt)
	return translate(err, fleet.ErrConflict, fleet.ErrNotFound, "district "+d.Name)
}

// CreateVehicle inserts v after checking in the same statement that its
// district belongs to its company.
func (s *Fleet) CreateVehicle(ctx context.Context, v *fleet.Vehicle) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into vehicles (company_id, district_id, plate, driver_id, active)
		select d.company_id, d.id, $3, $4, $5
		from districts d
		where d.id = $2 and d.company_id = $1
		returning id, created_at
	`, v.CompanyID, v.DistrictID, v.Plate, nullIfEmpty(v.DriverID), v.Active).Scan(&v.ID, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: district %d does not belong to company %d", fleet.ErrInvalidInput, v.DistrictID, v.CompanyID)
	}
	return translate(err, fleet.ErrConflict, fleet.ErrNotFound, "plate "+v.Plate)
}

func (s *Fleet) CreateReason(ctx context.Context, r *fleet.WorkStatusReason) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into work_status_reasons (category, severity, name, active) values ($1, $2, $3, $4)
		returning id, created_at
	`, r.Category, r.Severity, r.Name, r.Active).Scan(&r.ID, &r.CreatedAt)
	return translate(err, fleet.ErrConflict, fleet.ErrNotFound, "reason "+r.Name)
}

func (s *Fleet) AssignDriver(ctx context.Context, vehicleID int64, driverID string) error {
	return s.exec(ctx, fmt.Sprintf("vehicle %d", vehicleID),
		`update vehicles set driver_id = $2 where id = $1`, vehicleID, nullIfEmpty(driverID))
}

func (s *Fleet) SetVehicleActive(ctx context.Context, id int64, active bool) error {
	return s.exec(ctx, fmt.Sprintf("vehicle %d", id), `update vehicles set active = $2 where id = $1`, id, active)
}

func (s *Fleet) ListCompanies(ctx context.Context, f auth.Filter) ([]*fleet.Company, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var w where
	w.scope(f, "id", "", "")
	rows, err := s.db.QueryContext(ctx, `select id, name, active, created_at from companies`+w.String()+` order by id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*fleet.Company
	for rows.Next() {
		var c fleet.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Fleet) ListDistricts(ctx context.Context, f auth.Filter) ([]*fleet.District, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var w where
	w.scope(f, "company_id", "id", "")
	rows, err := s.db.QueryContext(ctx, `select id, company_id, name, active, created_at from districts`+w.String()+` order by id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*fleet.District
	for rows.Next() {
		var d fleet.District
		if err := rows.Scan(&d.ID, &d.CompanyID, &d.Name, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Fleet) ListVehicles(ctx context.Context, f auth.Filter) ([]*fleet.Vehicle, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var w where
	w.scope(f, "company_id", "district_id", "driver_id")
	rows, err := s.db.QueryContext(ctx, `select `+vehicleColumns+` from vehicles`+w.String()+` order by id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*fleet.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Fleet) ListReasons(ctx context.Context, includeInactive bool) ([]*fleet.WorkStatusReason, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	query := `select id, category, severity, name, active, created_at from work_status_reasons`
	if !includeInactive {
		query += ` where active`
	}
	rows, err := s.db.QueryContext(ctx, query+` order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*fleet.WorkStatusReason
	for rows.Next() {
		var r fleet.WorkStatusReason
		if err := rows.Scan(&r.ID, &r.Category, &r.Severity, &r.Name, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
