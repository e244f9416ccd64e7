package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecofleet.org/internal/audit"
)

type serviceFixture struct {
	svc     *Service
	store   *InMemoryStore
	catalog *CatalogHolder
	rec     *audit.Memory
	root    *Actor
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) serviceFixture {
	t.Helper()
	store := NewInMemoryStore()
	catalog := NewCatalogHolder(nil)
	rec := &audit.Memory{}
	gate := NewGate(catalog, testLocator(), rec)
	tokens, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	opts = append([]ServiceOption{WithCustomStore(store), WithRecorder(rec)}, opts...)
	svc, err := NewService(store, gate, catalog, tokens, opts...)
	require.NoError(t, err)
	root, created, err := svc.Bootstrap(context.Background(), "root", "rootpass")
	require.NoError(t, err)
	require.True(t, created)
	return serviceFixture{svc: svc, store: store, catalog: catalog, rec: rec, root: root}
}

func TestLoginAndAuthenticate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	company := int64(1)

	op, err := f.svc.CreateActor(ctx, f.root, NewActor{Handle: "Op1", Password: "pw", Role: "operator", CompanyID: &company, DistrictAccess: []int64{7, 7}})
	require.NoError(t, err)
	assert.Equal(t, "op1", op.Handle)
	assert.Equal(t, []int64{7}, op.DistrictAccess)

	token, _, actor, err := f.svc.Login(ctx, "op1", "pw")
	require.NoError(t, err)
	assert.Equal(t, op.ID, actor.ID)

	got, err := f.svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, got.Role)

	_, _, _, err = f.svc.Login(ctx, "op1", "wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, _, _, err = f.svc.Login(ctx, "nobody", "pw")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, f.svc.DeactivateActor(ctx, f.root, op.ID))
	_, err = f.svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, _, _, err = f.svc.Login(ctx, "op1", "pw")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	stored, err := f.store.ActorByID(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "actor is soft-deleted, not removed")
}

func TestAuthenticateThroughCacheSeesDeactivation(t *testing.T) {
	f := newServiceFixture(t)
	cache, err := NewActorCache(f.store, 100, time.Minute)
	require.NoError(t, err)
	defer cache.Close()
	svc, err := NewService(f.store, f.svc.gate, f.catalog, f.svc.tokens, WithActorCache(cache))
	require.NoError(t, err)
	ctx := context.Background()
	company := int64(1)

	admin, err := svc.CreateActor(ctx, f.root, NewActor{Handle: "adm", Password: "pw", Role: "company_admin", CompanyID: &company})
	require.NoError(t, err)
	token, _, _, err := svc.Login(ctx, "adm", "pw")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, token)
	require.NoError(t, err)
	cache.Wait()

	require.NoError(t, svc.DeactivateActor(ctx, f.root, admin.ID))
	_, err = svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateActorSeniority(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	companyA, companyB := int64(1), int64(2)

	admin, err := f.svc.CreateActor(ctx, f.root, NewActor{Handle: "adm", Password: "pw", Role: "company_admin", CompanyID: &companyA})
	require.NoError(t, err)

	_, err = f.svc.CreateActor(ctx, admin, NewActor{Handle: "op", Password: "pw", Role: "operator", CompanyID: &companyA})
	require.NoError(t, err)

	_, err = f.svc.CreateActor(ctx, admin, NewActor{Handle: "adm2", Password: "pw", Role: "company_admin", CompanyID: &companyA})
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonInsufficientRank, reason)

	_, err = f.svc.CreateActor(ctx, admin, NewActor{Handle: "opb", Password: "pw", Role: "operator", CompanyID: &companyB})
	reason, _ = ReasonOf(err)
	assert.Equal(t, ReasonOutOfScope, reason)

	_, err = f.svc.CreateActor(ctx, admin, NewActor{Handle: "x", Password: "pw", Role: "pilot", CompanyID: &companyA})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateActor(ctx, f.root, NewActor{Handle: "op", Password: "pw", Role: "operator", CompanyID: &companyA})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestOverridesAndRolePermissionsAreSuperAdminOnly(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	company := int64(1)

	admin, err := f.svc.CreateActor(ctx, f.root, NewActor{Handle: "adm", Password: "pw", Role: "company_admin", CompanyID: &company})
	require.NoError(t, err)
	op, err := f.svc.CreateActor(ctx, f.root, NewActor{Handle: "op", Password: "pw", Role: "operator", CompanyID: &company, DistrictAccess: []int64{7}})
	require.NoError(t, err)

	err = f.svc.SetOverrides(ctx, admin, op.ID, map[string]bool{"edit_trip_sheets": false})
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.svc.SetOverrides(ctx, f.root, op.ID, map[string]bool{"edit_trip_sheets": false}))
	perms, err := f.svc.EffectivePermissions(ctx, f.root, op.ID)
	require.NoError(t, err)
	assert.NotContains(t, perms, PermEditTripSheets)
	assert.Contains(t, perms, PermSubmitTripSheets)

	err = f.svc.SetOverrides(ctx, f.root, op.ID, map[string]bool{"fly": true})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = f.svc.SetRolePermissions(ctx, admin, "operator", nil, map[string]bool{"view_reports": true})
	assert.ErrorIs(t, err, ErrForbidden)
	err = f.svc.SetRolePermissions(ctx, f.root, "super_admin", nil, map[string]bool{"view_reports": false})
	assert.ErrorIs(t, err, ErrInvalidInput)

	opActor, err := f.store.ActorByID(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, f.catalog.Current().HasPermission(opActor, PermViewReports))
	require.NoError(t, f.svc.SetRolePermissions(ctx, f.root, "operator", &company, map[string]bool{"view_reports": true}))
	assert.True(t, f.catalog.Current().HasPermission(opActor, PermViewReports), "catalog reloaded")

	var sawRoleEvent bool
	for _, evt := range f.rec.Events() {
		if evt.Action == "role.permissions" && evt.Decision == audit.DecisionSuccess {
			sawRoleEvent = true
		}
	}
	assert.True(t, sawRoleEvent)
}

func TestListActorsIsScoped(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	companyA, companyB := int64(1), int64(2)

	admin, err := f.svc.CreateActor(ctx, f.root, NewActor{Handle: "adm", Password: "pw", Role: "company_admin", CompanyID: &companyA})
	require.NoError(t, err)
	_, err = f.svc.CreateActor(ctx, f.root, NewActor{Handle: "opa", Password: "pw", Role: "operator", CompanyID: &companyA})
	require.NoError(t, err)
	_, err = f.svc.CreateActor(ctx, f.root, NewActor{Handle: "opb", Password: "pw", Role: "operator", CompanyID: &companyB})
	require.NoError(t, err)

	list, err := f.svc.ListActors(ctx, admin, Filter{})
	require.NoError(t, err)
	handles := make([]string, 0, len(list))
	for _, a := range list {
		handles = append(handles, a.Handle)
	}
	assert.Equal(t, []string{"adm", "opa"}, handles)

	_, err = f.svc.ListActors(ctx, admin, Filter{CompanyID: &companyB})
	assert.True(t, errors.Is(err, ErrForbidden))
}
