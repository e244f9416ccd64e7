package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/fleet"
	"ecofleet.org/internal/records"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var march5 = time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

func tripSheet() *records.Record {
	now := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	w := 1.5
	return &records.Record{
		ID: "rec-1", Kind: records.KindTripSheet, VehicleID: 10, CompanyID: 1, DistrictID: 7,
		Date: march5, Status: records.StatusDraft, Version: 1, CreatedBy: "op", OperatorID: "op",
		Payload: records.Payload{
			OdometerStart: 1000, OdometerEnd: 1120, TotalDistance: 120,
			Loads: []records.TripLoad{{WasteType: records.WasteSmet, VolumeM3: 1, WeightTons: &w, Trips: 1}},
		},
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestRecordsCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into trip_sheets").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := store.Records().Create(context.Background(), tripSheet())
	if !errors.Is(err, records.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestRecordsCreateWritesLoads(t *testing.T) {
	store, mock := newMock(t)
	r := tripSheet()
	mock.ExpectBegin()
	mock.ExpectExec("insert into trip_sheets").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into trip_loads").
		WithArgs("rec-1", 0, "smet", 1.0, sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Records().Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	expectMet(t, mock)
}

func TestRecordsUpdateRejectsStaleVersion(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select status, version from trip_sheets where id = \$1 for update`).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("submitted", 2))
	mock.ExpectRollback()

	r := tripSheet()
	err := store.Records().Update(context.Background(), r, records.StatusDraft, 1)
	if !errors.Is(err, records.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if r.Version != 1 {
		t.Fatalf("version must not change on conflict, got %d", r.Version)
	}
	expectMet(t, mock)
}

func TestRecordsUpdateReplacesLoads(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select status, version from trip_sheets where id = \$1 for update`).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("draft", 1))
	mock.ExpectExec(`update trip_sheets set driver_id = \$1, status = \$2, version = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from trip_loads").WithArgs("rec-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into trip_loads").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := tripSheet()
	if err := store.Records().Update(context.Background(), r, records.StatusDraft, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if r.Version != 2 {
		t.Fatalf("expected version 2, got %d", r.Version)
	}
	expectMet(t, mock)
}

func workStatusColumns() []string {
	t := recordTables[records.KindWorkStatus]
	return t.columns()
}

func TestRecordsGetByDayScansWorkStatus(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`from vehicle_work_statuses where vehicle_id = \$1 and date = \$2`).
		WithArgs(int64(10), march5).
		WillReturnRows(sqlmock.NewRows(workStatusColumns()).AddRow(
			"ws-1", int64(10), int64(1), int64(7), nil, march5, "pending", int64(3),
			"op", "op", nil, nil, nil, nil,
			nil, "gearbox", created, created,
			"not_working", int64(4),
		))

	r, err := store.Records().GetByDay(context.Background(), records.KindWorkStatus, 10, march5)
	if err != nil {
		t.Fatalf("GetByDay: %v", err)
	}
	if r.Status != records.StatusPending || r.Version != 3 || r.Payload.Note != "gearbox" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.Payload.WorkStatus != records.NotWorking || r.Payload.ReasonID == nil || *r.Payload.ReasonID != 4 {
		t.Fatalf("unexpected payload: %+v", r.Payload)
	}
	if r.SubmittedAt != nil || r.DriverID != "" {
		t.Fatalf("nullable columns should stay empty: %+v", r)
	}

	mock.ExpectQuery(`from vehicle_work_statuses where vehicle_id`).
		WithArgs(int64(10), march5).
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Records().GetByDay(context.Background(), records.KindWorkStatus, 10, march5); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestRecordsListAppliesScope(t *testing.T) {
	store, mock := newMock(t)
	company := int64(1)
	f := records.ListFilter{
		Kind:   records.KindWorkStatus,
		Status: records.StatusPending,
		Scope:  auth.Filter{CompanyID: &company, RestrictDistricts: true, DistrictIDs: []int64{7, 9}},
	}
	mock.ExpectQuery(`from vehicle_work_statuses where company_id = \$1 and district_id in \(\$2, \$3\) and status = \$4 order by date, vehicle_id limit 1000`).
		WithArgs(int64(1), int64(7), int64(9), "pending").
		WillReturnRows(sqlmock.NewRows(workStatusColumns()))

	out, err := store.Records().List(context.Background(), f)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no rows, got %d", len(out))
	}
	expectMet(t, mock)
}

func TestRecordsFirstDay(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`select min\(date\) from trip_sheets where vehicle_id = \$1`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	_, ok, err := store.Records().FirstDay(context.Background(), records.KindTripSheet, 10)
	if err != nil || ok {
		t.Fatalf("expected no history, got ok=%v err=%v", ok, err)
	}
	expectMet(t, mock)
}

func TestFleetCreateVehicleChecksDistrictCompany(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into vehicles").
		WithArgs(int64(2), int64(7), "AB 123", sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	v := &fleet.Vehicle{CompanyID: 2, DistrictID: 7, Plate: "AB 123", Lifecycle: auth.Lifecycle{Active: true}}
	err := store.Fleet().CreateVehicle(context.Background(), v)
	if !errors.Is(err, fleet.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	expectMet(t, mock)
}

func TestFleetDeactivateMissingReason(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update work_status_reasons set active = false").
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Fleet().DeactivateReason(context.Background(), 99); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestActorsCustomGrantsGroupsRows(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from role_custom_permissions").
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "role", "permission", "granted"}).
			AddRow(nil, "operator", "view_reports", true).
			AddRow(int64(1), "operator", "export_data", true).
			AddRow(int64(1), "operator", "view_reports", false))

	grants, err := store.Actors().CustomGrants(context.Background())
	if err != nil {
		t.Fatalf("CustomGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].CompanyID != nil || !grants[0].Permissions[auth.PermViewReports] {
		t.Fatalf("unexpected global grant: %+v", grants[0])
	}
	if grants[1].CompanyID == nil || *grants[1].CompanyID != 1 || grants[1].Permissions[auth.PermViewReports] {
		t.Fatalf("unexpected company grant: %+v", grants[1])
	}
	expectMet(t, mock)
}

func TestActorsByHandleHydrates(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`from actors where handle = \$1`).
		WithArgs("op").
		WillReturnRows(sqlmock.NewRows([]string{"id", "handle", "password_hash", "role", "company_id", "active", "created_at", "updated_at"}).
			AddRow("a1", "op", "hash", "operator", int64(1), true, now, now))
	mock.ExpectQuery("select district_id from actor_districts").
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"district_id"}).AddRow(int64(7)).AddRow(int64(9)))
	mock.ExpectQuery("select permission, granted from actor_permission_overrides").
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"permission", "granted"}).AddRow("view_reports", true))

	a, err := store.Actors().ActorByHandle(context.Background(), "op")
	if err != nil {
		t.Fatalf("ActorByHandle: %v", err)
	}
	if a.Role != auth.RoleOperator || a.CompanyID == nil || *a.CompanyID != 1 || !a.Active {
		t.Fatalf("unexpected actor: %+v", a)
	}
	if len(a.DistrictAccess) != 2 || !a.Overrides[auth.PermViewReports] {
		t.Fatalf("actor not hydrated: %+v", a)
	}
	expectMet(t, mock)
}

func TestActorsSetOverridesMissingActor(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select 1 from actors where id = \$1 for update`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Actors().SetOverrides(context.Background(), "ghost", auth.PermissionSet{auth.PermViewReports: true})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestAuditAppend(t *testing.T) {
	store, mock := newMock(t)
	ts := time.Now().UTC()
	mock.ExpectExec("insert into audit_log").
		WithArgs("evt-1", ts, sqlmock.AnyArg(), "op", "record.submit", "trip_sheet/rec-1", audit.DecisionFailure, "sequence_gap", []byte(`{"missing":1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Audit().AppendAudit(context.Background(), audit.Event{
		ID: "evt-1", Timestamp: ts, ActorID: "op", Action: "record.submit", Resource: "trip_sheet/rec-1",
		Decision: audit.DecisionFailure, Reason: "sequence_gap", Fields: map[string]any{"missing": 1},
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	expectMet(t, mock)
}

func TestWhereScopeNothing(t *testing.T) {
	var w where
	w.scope(auth.Filter{Nothing: true}, "company_id", "district_id", "driver_id")
	if w.String() != " where false" || len(w.args) != 0 {
		t.Fatalf("unexpected clause %q %v", w.String(), w.args)
	}
	var d where
	d.scope(auth.Filter{DriverID: "drv"}, "company_id", "district_id", "")
	if d.String() != " where false" {
		t.Fatalf("driver filter without driver column must match nothing, got %q", d.String())
	}
}
