package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ecofleet.org/internal/records"
)

// Records persists trip sheets and work statuses in their own tables. Each
// table carries unique (vehicle_id, date); status and version form the
// compare-and-set token for updates.
type Records struct {
	db *sql.DB
}

var headerColumns = []string{
	"id", "vehicle_id", "company_id", "district_id", "driver_id", "date", "status", "version",
	"created_by", "operator_id", "submitted_by", "submitted_at", "decided_by", "decided_at",
	"rejection_reason", "note", "created_at", "updated_at",
}

type recordTable struct {
	name  string
	extra []string
}

var recordTables = map[records.Kind]recordTable{
	records.KindTripSheet: {
		name: "trip_sheets",
		extra: []string{
			"odometer_start", "odometer_end", "total_distance", "fuel_start", "fuel_refilled",
			"fuel_consumed", "fuel_end", "trip_count", "total_volume_m3", "total_weight_tons",
		},
	},
	records.KindWorkStatus: {
		name:  "vehicle_work_statuses",
		extra: []string{"work_status", "reason_id"},
	},
}

func tableFor(kind records.Kind) (recordTable, error) {
	t, ok := recordTables[kind]
	if !ok {
		return recordTable{}, fmt.Errorf("%w: unknown record kind %q", records.ErrValidationFailed, kind)
	}
	return t, nil
}

func (t recordTable) columns() []string {
	return append(append([]string{}, headerColumns...), t.extra...)
}

func (t recordTable) selectSQL() string {
	return "select " + strings.Join(t.columns(), ", ") + " from " + t.name
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func recordValues(r *records.Record) []any {
	p := r.Payload
	vals := []any{
		r.ID, r.VehicleID, r.CompanyID, r.DistrictID, nullIfEmpty(r.DriverID), r.Date, string(r.Status), r.Version,
		r.CreatedBy, r.OperatorID, nullIfEmpty(r.SubmittedBy), nullTime(r.SubmittedAt), nullIfEmpty(r.DecidedBy), nullTime(r.DecidedAt),
		nullIfEmpty(r.RejectionReason), p.Note, r.CreatedAt, r.UpdatedAt,
	}
	switch r.Kind {
	case records.KindTripSheet:
		vals = append(vals, p.OdometerStart, p.OdometerEnd, p.TotalDistance, p.FuelStart, p.FuelRefilled,
			p.FuelConsumed, p.FuelEnd, p.TripCount, p.TotalVolumeM3, p.TotalWeightT)
	case records.KindWorkStatus:
		vals = append(vals, string(p.WorkStatus), nullInt(p.ReasonID))
	}
	return vals
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind records.Kind, row rowScanner) (*records.Record, error) {
	r := &records.Record{Kind: kind}
	p := &r.Payload
	var (
		status                        string
		driver, subBy, decBy, rejText sql.NullString
		subAt, decAt                  sql.NullTime
		workStatus                    sql.NullString
		reasonID                      sql.NullInt64
	)
	dest := []any{
		&r.ID, &r.VehicleID, &r.CompanyID, &r.DistrictID, &driver, &r.Date, &status, &r.Version,
		&r.CreatedBy, &r.OperatorID, &subBy, &subAt, &decBy, &decAt,
		&rejText, &p.Note, &r.CreatedAt, &r.UpdatedAt,
	}
	switch kind {
	case records.KindTripSheet:
		dest = append(dest, &p.OdometerStart, &p.OdometerEnd, &p.TotalDistance, &p.FuelStart, &p.FuelRefilled,
			&p.FuelConsumed, &p.FuelEnd, &p.TripCount, &p.TotalVolumeM3, &p.TotalWeightT)
	case records.KindWorkStatus:
		dest = append(dest, &workStatus, &reasonID)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Status = records.Status(status)
	r.Date = records.Day(r.Date)
	r.DriverID = driver.String
	r.SubmittedBy, r.SubmittedAt = subBy.String, timePtr(subAt)
	r.DecidedBy, r.DecidedAt = decBy.String, timePtr(decAt)
	r.RejectionReason = rejText.String
	p.WorkStatus = records.WorkState(workStatus.String)
	p.ReasonID = int64Ptr(reasonID)
	return r, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadTrips(ctx context.Context, q queryer, r *records.Record) error {
	if r.Kind != records.KindTripSheet {
		return nil
	}
	rows, err := q.QueryContext(ctx, `
		select waste_type, volume_m3, weight_tons, trips
		from trip_loads
		where trip_sheet_id = $1
		order by position
	`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	r.Payload.Loads = nil
	for rows.Next() {
		var (
			l      records.TripLoad
			waste  string
			weight sql.NullFloat64
		)
		if err := rows.Scan(&waste, &l.VolumeM3, &weight, &l.Trips); err != nil {
			return err
		}
		l.WasteType = records.WasteType(waste)
		if weight.Valid {
			w := weight.Float64
			l.WeightTons = &w
		}
		r.Payload.Loads = append(r.Payload.Loads, l)
	}
	return rows.Err()
}

func insertLoads(ctx context.Context, tx *sql.Tx, r *records.Record) error {
	if r.Kind != records.KindTripSheet {
		return nil
	}
	for i, l := range r.Payload.Loads {
		var weight sql.NullFloat64
		if l.WeightTons != nil {
			weight = sql.NullFloat64{Float64: *l.WeightTons, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into trip_loads (trip_sheet_id, position, waste_type, volume_m3, weight_tons, trips)
			values ($1, $2, $3, $4, $5, $6)
		`, r.ID, i, string(l.WasteType), l.VolumeM3, weight, l.Trips); err != nil {
			return err
		}
	}
	return nil
}

func (s *Records) Create(ctx context.Context, r *records.Record) error {
	if s.db == nil {
		return errNoDB
	}
	t, err := tableFor(r.Kind)
	if err != nil {
		return err
	}
	cols := t.columns()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`insert into %s (%s) values (%s)`, t.name, strings.Join(cols, ", "), placeholders(1, len(cols)))
	if _, err := tx.ExecContext(ctx, query, recordValues(r)...); err != nil {
		what := fmt.Sprintf("%s for vehicle %d on %s", r.Kind, r.VehicleID, r.Date.Format(records.DateLayout))
		return translate(err, records.ErrConflict, records.ErrNotFound, what)
	}
	if err := insertLoads(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Records) Get(ctx context.Context, kind records.Kind, id string) (*records.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	kinds := []records.Kind{kind}
	if kind == "" {
		kinds = []records.Kind{records.KindTripSheet, records.KindWorkStatus}
	}
	for _, k := range kinds {
		t, err := tableFor(k)
		if err != nil {
			return nil, err
		}
		r, err := scanRecord(k, s.db.QueryRowContext(ctx, t.selectSQL()+` where id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := loadTrips(ctx, s.db, r); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: record %s", records.ErrNotFound, id)
}

func (s *Records) GetByDay(ctx context.Context, kind records.Kind, vehicleID int64, day time.Time) (*records.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	r, err := scanRecord(kind, s.db.QueryRowContext(ctx, t.selectSQL()+` where vehicle_id = $1 and date = $2`, vehicleID, day))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s for vehicle %d on %s", records.ErrNotFound, kind, vehicleID, day.Format(records.DateLayout))
	}
	if err != nil {
		return nil, err
	}
	if err := loadTrips(ctx, s.db, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Update locks the row, checks the expected status and version, rewrites the
// mutable columns and replaces the trip loads in one transaction.
func (s *Records) Update(ctx context.Context, r *records.Record, expectStatus records.Status, expectVersion int64) error {
	if s.db == nil {
		return errNoDB
	}
	t, err := tableFor(r.Kind)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status  string
		version int64
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`select status, version from %s where id = $1 for update`, t.name), r.ID).
		Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: record %s", records.ErrNotFound, r.ID)
	}
	if err != nil {
		return err
	}
	if records.Status(status) != expectStatus || version != expectVersion {
		return fmt.Errorf("%w: record %s changed (status %s, version %d)", records.ErrConflict, r.ID, status, version)
	}

	// id, vehicle_id, company_id, district_id, date, created_by and
	// created_at never change after creation.
	immutable := map[string]bool{
		"id": true, "vehicle_id": true, "company_id": true, "district_id": true,
		"date": true, "created_by": true, "created_at": true,
	}
	next := r.Clone()
	next.Version = expectVersion + 1
	vals := recordValues(next)
	var (
		sets []string
		args []any
	)
	for i, col := range t.columns() {
		if immutable[col] {
			continue
		}
		args = append(args, vals[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, r.ID)
	query := fmt.Sprintf(`update %s set %s where id = $%d`, t.name, strings.Join(sets, ", "), len(args))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return translate(err, records.ErrConflict, records.ErrNotFound, "record "+r.ID)
	}
	if r.Kind == records.KindTripSheet {
		if _, err := tx.ExecContext(ctx, `delete from trip_loads where trip_sheet_id = $1`, r.ID); err != nil {
			return err
		}
		if err := insertLoads(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Version = next.Version
	return nil
}

func (s *Records) FirstDay(ctx context.Context, kind records.Kind, vehicleID int64) (time.Time, bool, error) {
	if s.db == nil {
		return time.Time{}, false, errNoDB
	}
	t, err := tableFor(kind)
	if err != nil {
		return time.Time{}, false, err
	}
	var first sql.NullTime
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`select min(date) from %s where vehicle_id = $1`, t.name), vehicleID).Scan(&first)
	if err != nil {
		return time.Time{}, false, err
	}
	if !first.Valid {
		return time.Time{}, false, nil
	}
	return records.Day(first.Time), true, nil
}

func (s *Records) Range(ctx context.Context, kind records.Kind, vehicleID int64, from, to time.Time) ([]*records.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, t.selectSQL()+`
		where vehicle_id = $1 and date between $2 and $3
		order by date`, vehicleID, from, to)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, kind, rows, false)
}

func (s *Records) List(ctx context.Context, f records.ListFilter) ([]*records.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	t, err := tableFor(f.Kind)
	if err != nil {
		return nil, err
	}
	var w where
	w.scope(f.Scope, "company_id", "district_id", "driver_id")
	if f.VehicleID != nil {
		w.add("vehicle_id = %s", *f.VehicleID)
	}
	if f.Status != "" {
		w.add("status = %s", string(f.Status))
	}
	if !f.From.IsZero() {
		w.add("date >= %s", f.From)
	}
	if !f.To.IsZero() {
		w.add("date <= %s", f.To)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := t.selectSQL() + w.String() + fmt.Sprintf(" order by date, vehicle_id limit %d", limit)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, f.Kind, rows, true)
}

// collect drains rows before loading child loads so a single connection is
// never asked to hold two open result sets.
func (s *Records) collect(ctx context.Context, kind records.Kind, rows *sql.Rows, withLoads bool) ([]*records.Record, error) {
	out, err := scanAll(kind, rows)
	if err != nil {
		return nil, err
	}
	if withLoads {
		for _, r := range out {
			if err := loadTrips(ctx, s.db, r); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func scanAll(kind records.Kind, rows *sql.Rows) ([]*records.Record, error) {
	defer rows.Close()
	var out []*records.Record
	for rows.Next() {
		r, err := scanRecord(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
