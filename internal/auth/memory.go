package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements ActorStore and CustomStore for development and
// tests. Returned actors are copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	actors   map[string]*Actor
	byHandle map[string]string
	custom   map[customKey]CustomGrant
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		actors:   make(map[string]*Actor),
		byHandle: make(map[string]string),
		custom:   make(map[customKey]CustomGrant),
	}
}

func cloneActor(a *Actor) *Actor {
	out := *a
	if a.CompanyID != nil {
		id := *a.CompanyID
		out.CompanyID = &id
	}
	out.DistrictAccess = slices.Clone(a.DistrictAccess)
	out.Overrides = a.Overrides.Clone()
	return &out
}

func (s *InMemoryStore) CreateActor(_ context.Context, a *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHandle[a.Handle]; ok {
		return fmt.Errorf("%w: handle %q already taken", ErrConflict, a.Handle)
	}
	if _, ok := s.actors[a.ID]; ok {
		return fmt.Errorf("%w: actor %s exists", ErrConflict, a.ID)
	}
	s.actors[a.ID] = cloneActor(a)
	s.byHandle[a.Handle] = a.ID
	return nil
}

func (s *InMemoryStore) ActorByID(_ context.Context, id string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[id]
	if !ok {
		return nil, fmt.Errorf("%w: actor %s", ErrNotFound, id)
	}
	return cloneActor(a), nil
}

func (s *InMemoryStore) ActorByHandle(ctx context.Context, handle string) (*Actor, error) {
	s.mu.RLock()
	id, ok := s.byHandle[handle]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: actor %q", ErrNotFound, handle)
	}
	return s.ActorByID(ctx, id)
}

// matchesFilter applies an organizational filter to an actor. District
// restrictions match actors holding at least one of the districts.
func matchesFilter(a *Actor, f Filter) bool {
	if f.Nothing {
		return false
	}
	if f.CompanyID != nil && !a.InCompany(*f.CompanyID) {
		return false
	}
	if f.DistrictID != nil && !a.HasDistrict(*f.DistrictID) {
		return false
	}
	if f.RestrictDistricts && !slices.ContainsFunc(a.DistrictAccess, func(id int64) bool {
		return slices.Contains(f.DistrictIDs, id)
	}) {
		return false
	}
	if f.DriverID != "" && a.ID != f.DriverID {
		return false
	}
	return true
}

func (s *InMemoryStore) ListActors(_ context.Context, f Filter) ([]*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		if matchesFilter(a, f) {
			out = append(out, cloneActor(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *InMemoryStore) update(id string, fn func(a *Actor)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return fmt.Errorf("%w: actor %s", ErrNotFound, id)
	}
	fn(a)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) SetActorActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(a *Actor) { a.Active = active })
}

func (s *InMemoryStore) SetOverrides(_ context.Context, id string, overrides PermissionSet) error {
	return s.update(id, func(a *Actor) { a.Overrides = overrides.Clone() })
}

func (s *InMemoryStore) SetDistrictAccess(_ context.Context, id string, districts []int64) error {
	return s.update(id, func(a *Actor) { a.DistrictAccess = slices.Clone(districts) })
}

func (s *InMemoryStore) CustomGrants(context.Context) ([]CustomGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CustomGrant, 0, len(s.custom))
	for _, g := range s.custom {
		out = append(out, CustomGrant{CompanyID: g.CompanyID, Role: g.Role, Permissions: g.Permissions.Clone()})
	}
	return out, nil
}

func (s *InMemoryStore) SetCustomGrant(_ context.Context, g CustomGrant) error {
	key := customKey{global: g.CompanyID == nil, role: g.Role}
	if g.CompanyID != nil {
		key.company = *g.CompanyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom[key] = CustomGrant{CompanyID: g.CompanyID, Role: g.Role, Permissions: g.Permissions.Clone()}
	return nil
}
