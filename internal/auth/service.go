package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/ids"
)

// NewActor is the input of Service.CreateActor.
type NewActor struct {
	Handle         string
	Password       string
	Role           string
	CompanyID      *int64
	DistrictAccess []int64
}

// Service implements login, token authentication and actor administration.
type Service struct {
	store    ActorStore
	custom   CustomStore
	catalog  *CatalogHolder
	gate     *Gate
	tokens   *TokenIssuer
	cache    *ActorCache
	recorder audit.Recorder
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithActorCache routes actor lookups during authentication through c.
func WithActorCache(c *ActorCache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithCustomStore enables tenant custom role permissions.
func WithCustomStore(cs CustomStore) ServiceOption {
	return func(s *Service) { s.custom = cs }
}

// WithRecorder sets the audit sink for administrative changes.
func WithRecorder(r audit.Recorder) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service with optional configuration.
func NewService(store ActorStore, gate *Gate, catalog *CatalogHolder, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("actor store is required")
	}
	if gate == nil || catalog == nil {
		return nil, errors.New("gate and catalog are required")
	}
	svc := &Service{
		store:    store,
		catalog:  catalog,
		gate:     gate,
		tokens:   tokens,
		recorder: audit.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Login verifies handle and password of an active actor and issues a token.
// Every failure is reported as ErrUnauthenticated.
func (s *Service) Login(ctx context.Context, handle, password string) (string, time.Time, *Actor, error) {
	if s.tokens == nil {
		return "", time.Time{}, nil, errMissingSecret
	}
	handle = strings.TrimSpace(strings.ToLower(handle))
	if handle == "" || password == "" {
		return "", time.Time{}, nil, ErrUnauthenticated
	}
	actor, err := s.store.ActorByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, nil, ErrUnauthenticated
		}
		return "", time.Time{}, nil, err
	}
	if !actor.Active {
		return "", time.Time{}, nil, ErrUnauthenticated
	}
	if err := VerifyPassword(actor.PasswordHash, password); err != nil {
		return "", time.Time{}, nil, ErrUnauthenticated
	}
	token, exp, err := s.tokens.Generate(actor)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	s.recorder.Record(ctx, audit.Event{ActorID: actor.ID, Action: "auth.login", Resource: "actor/" + actor.ID, Decision: audit.DecisionSuccess})
	return token, exp, actor, nil
}

// Authenticate validates an access token and returns the current actor.
// Deactivated actors are rejected even while their token is still valid.
func (s *Service) Authenticate(ctx context.Context, token string) (*Actor, error) {
	if s.tokens == nil {
		return nil, errMissingSecret
	}
	claims, err := s.tokens.ParseAndValidate(token)
	if err != nil {
		return nil, err
	}
	var actor *Actor
	if s.cache != nil {
		actor, err = s.cache.Actor(ctx, claims.Subject)
	} else {
		actor, err = s.store.ActorByID(ctx, claims.Subject)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !actor.Active {
		return nil, &DenyError{Reason: ReasonInactiveActor, Detail: "actor deactivated"}
	}
	return actor, nil
}

func (s *Service) invalidate(id string) {
	if s.cache != nil {
		s.cache.Invalidate(id)
	}
}

func (s *Service) record(ctx context.Context, by *Actor, action, resource string, err error) {
	evt := audit.Event{Action: action, Resource: resource, Decision: audit.DecisionSuccess}
	if by != nil {
		evt.ActorID = by.ID
	}
	if err != nil {
		evt.Decision = audit.DecisionFailure
		evt.Reason = err.Error()
	}
	s.recorder.Record(ctx, evt)
}

// canManage checks manage_users, scope over target and strict seniority.
func (s *Service) canManage(ctx context.Context, by *Actor, role Role, companyID *int64) error {
	ref := ResourceRef{}
	if companyID != nil {
		ref = Company(*companyID)
	}
	if err := s.gate.Require(ctx, by, PermManageUsers, ref); err != nil {
		return err
	}
	if by.Role == RoleSuperAdmin {
		return nil
	}
	if companyID == nil {
		return Forbidden(ReasonOutOfScope, PermManageUsers, "actor without company")
	}
	if by.Role.Rank() <= role.Rank() {
		return Forbidden(ReasonInsufficientRank, PermManageUsers, fmt.Sprintf("cannot manage role %q", role))
	}
	return nil
}

func requireSuperAdmin(by *Actor, perm Permission) error {
	if by == nil || !by.Active {
		return &DenyError{Reason: ReasonInactiveActor, Permission: perm}
	}
	if by.Role != RoleSuperAdmin {
		return Forbidden(ReasonInsufficientRank, perm, "super_admin only")
	}
	return nil
}

// CreateActor registers a new active actor.
func (s *Service) CreateActor(ctx context.Context, by *Actor, in NewActor) (*Actor, error) {
	handle := strings.TrimSpace(strings.ToLower(in.Handle))
	if handle == "" {
		return nil, fmt.Errorf("%w: handle is required", ErrInvalidInput)
	}
	role, ok := ParseRole(in.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if role != RoleSuperAdmin && in.CompanyID == nil {
		return nil, fmt.Errorf("%w: company_id is required for role %s", ErrInvalidInput, role)
	}
	if err := s.canManage(ctx, by, role, in.CompanyID); err != nil {
		s.record(ctx, by, "actor.create", "actor/"+handle, err)
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	districts := slices.Clone(in.DistrictAccess)
	slices.Sort(districts)
	districts = slices.Compact(districts)
	now := s.now().UTC()
	a := &Actor{
		ID:             ids.New(),
		Handle:         handle,
		PasswordHash:   hash,
		Role:           role,
		CompanyID:      in.CompanyID,
		DistrictAccess: districts,
		Lifecycle:      Lifecycle{Active: true},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.CreateActor(ctx, a)
	s.record(ctx, by, "actor.create", "actor/"+a.ID, err)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetActor returns an actor visible to by.
func (s *Service) GetActor(ctx context.Context, by *Actor, id string) (*Actor, error) {
	target, err := s.store.ActorByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if by != nil && by.Active && by.ID == target.ID {
		return target, nil
	}
	ref := ResourceRef{}
	if target.CompanyID != nil {
		ref = Company(*target.CompanyID)
	}
	if err := s.gate.Require(ctx, by, PermViewEmployees, ref); err != nil {
		return nil, err
	}
	return target, nil
}

// ListActors lists actors within the scope of by.
func (s *Service) ListActors(ctx context.Context, by *Actor, f Filter) ([]*Actor, error) {
	if err := s.gate.Require(ctx, by, PermViewEmployees, ResourceRef{}); err != nil {
		return nil, err
	}
	scoped, err := ApplyScope(Resolve(by), f)
	if err != nil {
		return nil, err
	}
	if scoped.Nothing {
		return []*Actor{}, nil
	}
	return s.store.ListActors(ctx, scoped)
}

// DeactivateActor soft-deletes an actor. The actor keeps its history.
func (s *Service) DeactivateActor(ctx context.Context, by *Actor, id string) error {
	target, err := s.store.ActorByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if by != nil && by.ID == target.ID {
		return fmt.Errorf("%w: actors cannot deactivate themselves", ErrInvalidInput)
	}
	if err := s.canManage(ctx, by, target.Role, target.CompanyID); err != nil {
		s.record(ctx, by, "actor.deactivate", "actor/"+target.ID, err)
		return err
	}
	err = s.store.SetActorActive(ctx, target.ID, false)
	s.invalidate(target.ID)
	s.record(ctx, by, "actor.deactivate", "actor/"+target.ID, err)
	return err
}

// SetDistrictAccess replaces the district grants of an actor.
func (s *Service) SetDistrictAccess(ctx context.Context, by *Actor, id string, districts []int64) error {
	target, err := s.store.ActorByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := s.canManage(ctx, by, target.Role, target.CompanyID); err != nil {
		return err
	}
	for _, d := range districts {
		if err := s.gate.Require(ctx, by, PermManageUsers, District(d)); err != nil {
			return err
		}
	}
	districts = slices.Clone(districts)
	slices.Sort(districts)
	districts = slices.Compact(districts)
	err = s.store.SetDistrictAccess(ctx, target.ID, districts)
	s.invalidate(target.ID)
	s.record(ctx, by, "actor.districts", "actor/"+target.ID, err)
	return err
}

// SetOverrides rewrites the per-user permission overrides. Only super_admin
// may do this.
func (s *Service) SetOverrides(ctx context.Context, by *Actor, id string, raw map[string]bool) error {
	if err := requireSuperAdmin(by, PermManageUsers); err != nil {
		return err
	}
	overrides, err := ParsePermissionSet(raw)
	if err != nil {
		return err
	}
	target, err := s.store.ActorByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	err = s.store.SetOverrides(ctx, target.ID, overrides)
	s.invalidate(target.ID)
	s.record(ctx, by, "actor.overrides", "actor/"+target.ID, err)
	return err
}

// EffectivePermissions returns the merged permissions of an actor.
func (s *Service) EffectivePermissions(ctx context.Context, by *Actor, id string) ([]Permission, error) {
	target, err := s.GetActor(ctx, by, id)
	if err != nil {
		return nil, err
	}
	return s.catalog.Current().EffectivePermissions(target), nil
}

// RolePermissions returns the merged builtin and custom grants of a role.
func (s *Service) RolePermissions(ctx context.Context, by *Actor, role string, companyID *int64) ([]Permission, error) {
	r, ok := ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	ref := ResourceRef{}
	if companyID != nil {
		ref = Company(*companyID)
	}
	if err := s.gate.Require(ctx, by, PermManageRoles, ref); err != nil {
		return nil, err
	}
	return s.catalog.Current().RolePermissions(r, companyID), nil
}

// SetRolePermissions stores tenant custom permissions for a role and reloads
// the catalog. super_admin grants cannot be edited.
func (s *Service) SetRolePermissions(ctx context.Context, by *Actor, role string, companyID *int64, raw map[string]bool) error {
	if err := requireSuperAdmin(by, PermManageRoles); err != nil {
		return err
	}
	if s.custom == nil {
		return fmt.Errorf("%w: custom permissions store is not configured", ErrInvalidInput)
	}
	r, ok := ParseRole(role)
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if r == RoleSuperAdmin {
		return fmt.Errorf("%w: super_admin permissions cannot be edited", ErrInvalidInput)
	}
	perms, err := ParsePermissionSet(raw)
	if err != nil {
		return err
	}
	resource := "role/" + string(r)
	if err := s.custom.SetCustomGrant(ctx, CustomGrant{CompanyID: companyID, Role: r, Permissions: perms}); err != nil {
		s.record(ctx, by, "role.permissions", resource, err)
		return err
	}
	err = s.catalog.Reload(ctx, s.custom)
	s.record(ctx, by, "role.permissions", resource, err)
	return err
}

// Bootstrap creates an initial super_admin when no actor with handle exists.
func (s *Service) Bootstrap(ctx context.Context, handle, password string) (*Actor, bool, error) {
	handle = strings.TrimSpace(strings.ToLower(handle))
	if handle == "" || password == "" {
		return nil, false, nil
	}
	existing, err := s.store.ActorByHandle(ctx, handle)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, false, err
	}
	now := s.now().UTC()
	a := &Actor{
		ID:           ids.New(),
		Handle:       handle,
		PasswordHash: hash,
		Role:         RoleSuperAdmin,
		Lifecycle:    Lifecycle{Active: true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateActor(ctx, a); err != nil {
		return nil, false, err
	}
	return a, true, nil
}
