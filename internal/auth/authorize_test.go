package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ecofleet.org/internal/audit"
)

type stubLocator struct {
	vehicles  map[int64]Location
	districts map[int64]Location
	err       error
}

func (s stubLocator) LocateVehicle(_ context.Context, id int64) (Location, error) {
	if s.err != nil {
		return Location{}, s.err
	}
	loc, ok := s.vehicles[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: vehicle %d", ErrUnknownResource, id)
	}
	return loc, nil
}

func (s stubLocator) LocateDistrict(_ context.Context, id int64) (Location, error) {
	if s.err != nil {
		return Location{}, s.err
	}
	loc, ok := s.districts[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: district %d", ErrUnknownResource, id)
	}
	return loc, nil
}

func testLocator() stubLocator {
	return stubLocator{
		vehicles: map[int64]Location{
			100: {CompanyID: 1, DistrictID: 7, DriverID: "drv"},
			200: {CompanyID: 1, DistrictID: 9},
			300: {CompanyID: 2, DistrictID: 11},
		},
		districts: map[int64]Location{
			7:  {CompanyID: 1, DistrictID: 7},
			9:  {CompanyID: 1, DistrictID: 9},
			11: {CompanyID: 2, DistrictID: 11},
		},
	}
}

func TestGateOperatorOutOfScopeDistrict(t *testing.T) {
	rec := &audit.Memory{}
	gate := NewGate(nil, testLocator(), rec)
	company := int64(1)
	op := &Actor{ID: "op", Role: RoleOperator, CompanyID: &company, DistrictAccess: []int64{7}, Lifecycle: Lifecycle{Active: true}}

	d := gate.Authorize(context.Background(), op, PermViewVehicles, District(9))
	if d.Allowed || d.Reason != ReasonOutOfScope {
		t.Fatalf("expected out_of_scope denial, got %+v", d)
	}
	if !errors.Is(d.Err(), ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", d.Err())
	}
	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	if events[0].ActorID != "op" || events[0].Decision != audit.DecisionDeny || events[0].Reason != string(ReasonOutOfScope) {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
	if events[0].Resource != "district/9" {
		t.Fatalf("unexpected resource: %s", events[0].Resource)
	}

	if err := gate.Require(context.Background(), op, PermViewVehicles, Vehicle(100)); err != nil {
		t.Fatalf("vehicle in district 7 should be allowed: %v", err)
	}
	if len(rec.Events()) != 1 {
		t.Fatal("allowed decisions must not add denial events")
	}
}

func TestGateCheckOrder(t *testing.T) {
	gate := NewGate(nil, testLocator(), nil)
	company := int64(1)

	inactive := &Actor{ID: "x", Role: RoleSuperAdmin}
	err := gate.Require(context.Background(), inactive, PermViewVehicles, ResourceRef{})
	if !errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if err := gate.Require(context.Background(), nil, PermViewVehicles, ResourceRef{}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for nil actor, got %v", err)
	}

	driver := &Actor{ID: "drv", Role: RoleDriver, CompanyID: &company, Lifecycle: Lifecycle{Active: true}}
	d := gate.Authorize(context.Background(), driver, PermApproveTripSheets, Vehicle(300))
	if d.Reason != ReasonMissingPermission {
		t.Fatalf("permission must be checked before scope, got %s", d.Reason)
	}
	if err := gate.Require(context.Background(), driver, PermViewTripSheets, Vehicle(100)); err != nil {
		t.Fatalf("driver should see own vehicle: %v", err)
	}
	if err := gate.Require(context.Background(), driver, PermViewTripSheets, Vehicle(200)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("driver must not see other vehicles, got %v", err)
	}
}

func TestGateCompanyAdminForeignVehicle(t *testing.T) {
	gate := NewGate(nil, testLocator(), nil)
	companyA := int64(1)
	admin := &Actor{ID: "adm", Role: RoleCompanyAdmin, CompanyID: &companyA, Lifecycle: Lifecycle{Active: true}}

	if err := gate.Require(context.Background(), admin, PermApproveTripSheets, Vehicle(200)); err != nil {
		t.Fatalf("own company vehicle: %v", err)
	}
	err := gate.Require(context.Background(), admin, PermApproveTripSheets, Vehicle(300))
	if reason, _ := ReasonOf(err); reason != ReasonOutOfScope {
		t.Fatalf("expected out_of_scope, got %v", err)
	}
	err = gate.Require(context.Background(), admin, PermApproveTripSheets, Vehicle(999))
	if reason, _ := ReasonOf(err); reason != ReasonOutOfScope {
		t.Fatalf("unknown vehicle must look out of scope, got %v", err)
	}
}

func TestGateLookupFailureDenies(t *testing.T) {
	boom := errors.New("db down")
	gate := NewGate(nil, stubLocator{err: boom}, nil)
	company := int64(1)
	op := &Actor{ID: "op", Role: RoleOperator, CompanyID: &company, DistrictAccess: []int64{7}, Lifecycle: Lifecycle{Active: true}}

	d := gate.Authorize(context.Background(), op, PermViewVehicles, Vehicle(100))
	if d.Allowed {
		t.Fatal("lookup failure must not allow")
	}
	if !errors.Is(d.Err(), boom) {
		t.Fatalf("expected wrapped lookup error, got %v", d.Err())
	}

	super := &Actor{ID: "root", Role: RoleSuperAdmin, Lifecycle: Lifecycle{Active: true}}
	if err := gate.Require(context.Background(), super, PermViewVehicles, Vehicle(100)); err != nil {
		t.Fatalf("super admin needs no lookup: %v", err)
	}
}

func TestRequireAdminTier(t *testing.T) {
	if err := RequireAdminTier(&Actor{Role: RoleCompanyAdmin}, PermApproveTripSheets); err != nil {
		t.Fatalf("company admin: %v", err)
	}
	err := RequireAdminTier(&Actor{Role: RoleDistrictManager}, PermApproveTripSheets)
	if reason, _ := ReasonOf(err); reason != ReasonInsufficientRank {
		t.Fatalf("expected insufficient_rank, got %v", err)
	}
}
