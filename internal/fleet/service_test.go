package fleet

import (
	"context"
	"errors"
	"testing"

	"ecofleet.org/internal/auth"
)

func newTestService(t *testing.T) (*Service, *InMemory, *auth.Actor) {
	t.Helper()
	store := NewInMemory()
	gate := auth.NewGate(nil, Locator{Dir: store}, nil)
	svc, err := NewService(store, gate, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	root := &auth.Actor{ID: "root", Role: auth.RoleSuperAdmin, Lifecycle: auth.Lifecycle{Active: true}}
	return svc, store, root
}

func TestServiceBuildsTreeAndScopesLists(t *testing.T) {
	svc, _, root := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateCompany(ctx, root, "Alpha")
	if err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}
	b, err := svc.CreateCompany(ctx, root, "Beta")
	if err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}
	d1, _ := svc.CreateDistrict(ctx, root, a.ID, "North")
	d2, _ := svc.CreateDistrict(ctx, root, a.ID, "South")
	d3, _ := svc.CreateDistrict(ctx, root, b.ID, "East")
	for _, d := range []*District{d1, d2, d3} {
		if d == nil {
			t.Fatal("district creation failed")
		}
	}
	v1, err := svc.CreateVehicle(ctx, root, d1.ID, " ab 123 ")
	if err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}
	if v1.Plate != "AB 123" || v1.CompanyID != a.ID || !v1.Active {
		t.Fatalf("unexpected vehicle: %+v", v1)
	}
	if _, err := svc.CreateVehicle(ctx, root, d2.ID, "CD 456"); err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}
	if _, err := svc.CreateVehicle(ctx, root, d3.ID, "EF 789"); err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}
	if _, err := svc.CreateVehicle(ctx, root, d3.ID, "AB 123"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected plate conflict, got %v", err)
	}

	op := &auth.Actor{ID: "op", Role: auth.RoleOperator, CompanyID: &a.ID, DistrictAccess: []int64{d1.ID}, Lifecycle: auth.Lifecycle{Active: true}}
	vs, err := svc.ListVehicles(ctx, op, auth.Filter{})
	if err != nil {
		t.Fatalf("ListVehicles: %v", err)
	}
	if len(vs) != 1 || vs[0].ID != v1.ID {
		t.Fatalf("operator should see only district %d vehicles, got %+v", d1.ID, vs)
	}
	if _, err := svc.ListVehicles(ctx, op, auth.Filter{DistrictID: &d2.ID}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden for foreign district, got %v", err)
	}

	admin := &auth.Actor{ID: "adm", Role: auth.RoleCompanyAdmin, CompanyID: &a.ID, Lifecycle: auth.Lifecycle{Active: true}}
	vs, err = svc.ListVehicles(ctx, admin, auth.Filter{})
	if err != nil || len(vs) != 2 {
		t.Fatalf("company admin should see 2 vehicles, got %d err=%v", len(vs), err)
	}
	if _, err := svc.CreateVehicle(ctx, admin, d3.ID, "ZZ 000"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden for foreign district, got %v", err)
	}
	if _, err := svc.CreateCompany(ctx, admin, "Gamma"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("company admin must not create companies, got %v", err)
	}
}

func TestReasonsAreSoftDeleted(t *testing.T) {
	svc, store, root := newTestService(t)
	ctx := context.Background()

	r, err := svc.CreateReason(ctx, root, "mechanical", "high", "Engine failure")
	if err != nil {
		t.Fatalf("CreateReason: %v", err)
	}
	if err := svc.DeactivateReason(ctx, root, r.ID); err != nil {
		t.Fatalf("DeactivateReason: %v", err)
	}
	got, err := store.Reason(ctx, r.ID)
	if err != nil {
		t.Fatalf("deactivated reason must stay readable: %v", err)
	}
	if got.Active {
		t.Fatal("reason should be inactive")
	}
	active, _ := svc.ListReasons(ctx, root, false)
	all, _ := svc.ListReasons(ctx, root, true)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("unexpected listings: active=%d all=%d", len(active), len(all))
	}
	if _, err := svc.CreateReason(ctx, root, "", "low", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLocatorTranslatesNotFound(t *testing.T) {
	store := NewInMemory()
	_, err := Locator{Dir: store}.LocateVehicle(context.Background(), 42)
	if !errors.Is(err, auth.ErrUnknownResource) {
		t.Fatalf("expected unknown resource, got %v", err)
	}
}
