package fleet

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"ecofleet.org/internal/auth"
)

// InMemory implements Store for development and tests.
type InMemory struct {
	mu        sync.RWMutex
	seq       int64
	companies map[int64]Company
	districts map[int64]District
	vehicles  map[int64]Vehicle
	reasons   map[int64]WorkStatusReason
}

// NewInMemory returns an empty catalog.
func NewInMemory() *InMemory {
	return &InMemory{
		companies: make(map[int64]Company),
		districts: make(map[int64]District),
		vehicles:  make(map[int64]Vehicle),
		reasons:   make(map[int64]WorkStatusReason),
	}
}

func (m *InMemory) nextID(id int64) int64 {
	if id > m.seq {
		m.seq = id
		return id
	}
	if id > 0 {
		return id
	}
	m.seq++
	return m.seq
}

func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

func (m *InMemory) Company(_ context.Context, id int64) (*Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, fmt.Errorf("%w: company %d", ErrNotFound, id)
	}
	return &c, nil
}

func (m *InMemory) District(_ context.Context, id int64) (*District, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.districts[id]
	if !ok {
		return nil, fmt.Errorf("%w: district %d", ErrNotFound, id)
	}
	return &d, nil
}

func (m *InMemory) Vehicle(_ context.Context, id int64) (*Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("%w: vehicle %d", ErrNotFound, id)
	}
	return &v, nil
}

func (m *InMemory) Reason(_ context.Context, id int64) (*WorkStatusReason, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reasons[id]
	if !ok {
		return nil, fmt.Errorf("%w: reason %d", ErrNotFound, id)
	}
	return &r, nil
}

func (m *InMemory) DeactivateReason(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reasons[id]
	if !ok {
		return fmt.Errorf("%w: reason %d", ErrNotFound, id)
	}
	r.Active = false
	m.reasons[id] = r
	return nil
}

func (m *InMemory) CreateCompany(_ context.Context, c *Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[c.ID]; ok && c.ID != 0 {
		return fmt.Errorf("%w: company %d", ErrConflict, c.ID)
	}
	c.ID = m.nextID(c.ID)
	stamp(&c.CreatedAt)
	m.companies[c.ID] = *c
	return nil
}

func (m *InMemory) CreateDistrict(_ context.Context, d *District) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[d.CompanyID]; !ok {
		return fmt.Errorf("%w: company %d", ErrNotFound, d.CompanyID)
	}
	if _, ok := m.districts[d.ID]; ok && d.ID != 0 {
		return fmt.Errorf("%w: district %d", ErrConflict, d.ID)
	}
	d.ID = m.nextID(d.ID)
	stamp(&d.CreatedAt)
	m.districts[d.ID] = *d
	return nil
}

func (m *InMemory) CreateVehicle(_ context.Context, v *Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.districts[v.DistrictID]
	if !ok {
		return fmt.Errorf("%w: district %d", ErrNotFound, v.DistrictID)
	}
	if d.CompanyID != v.CompanyID {
		return fmt.Errorf("%w: district %d does not belong to company %d", ErrInvalidInput, d.ID, v.CompanyID)
	}
	if _, ok := m.vehicles[v.ID]; ok && v.ID != 0 {
		return fmt.Errorf("%w: vehicle %d", ErrConflict, v.ID)
	}
	for _, other := range m.vehicles {
		if other.Plate == v.Plate {
			return fmt.Errorf("%w: plate %s", ErrConflict, v.Plate)
		}
	}
	v.ID = m.nextID(v.ID)
	stamp(&v.CreatedAt)
	m.vehicles[v.ID] = *v
	return nil
}

func (m *InMemory) CreateReason(_ context.Context, r *WorkStatusReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextID(r.ID)
	stamp(&r.CreatedAt)
	m.reasons[r.ID] = *r
	return nil
}

func (m *InMemory) AssignDriver(_ context.Context, vehicleID int64, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("%w: vehicle %d", ErrNotFound, vehicleID)
	}
	v.DriverID = driverID
	m.vehicles[vehicleID] = v
	return nil
}

func (m *InMemory) SetVehicleActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return fmt.Errorf("%w: vehicle %d", ErrNotFound, id)
	}
	v.Active = active
	m.vehicles[id] = v
	return nil
}

// InFilter reports whether loc passes an organizational filter.
func InFilter(loc auth.Location, f auth.Filter) bool {
	if f.Nothing {
		return false
	}
	if f.CompanyID != nil && loc.CompanyID != *f.CompanyID {
		return false
	}
	if f.DistrictID != nil && loc.DistrictID != *f.DistrictID {
		return false
	}
	if f.RestrictDistricts && !slices.Contains(f.DistrictIDs, loc.DistrictID) {
		return false
	}
	if f.DriverID != "" && loc.DriverID != f.DriverID {
		return false
	}
	return true
}

func (m *InMemory) ListCompanies(_ context.Context, f auth.Filter) ([]*Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Company
	for _, c := range m.companies {
		if f.Nothing || f.DriverID != "" || (f.CompanyID != nil && c.ID != *f.CompanyID) {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) ListDistricts(_ context.Context, f auth.Filter) ([]*District, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*District
	for _, d := range m.districts {
		if f.DriverID != "" || !InFilter(auth.Location{CompanyID: d.CompanyID, DistrictID: d.ID}, f) {
			continue
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) ListVehicles(_ context.Context, f auth.Filter) ([]*Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Vehicle
	for _, v := range m.vehicles {
		if !InFilter(v.Location(), f) {
			continue
		}
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) ListReasons(_ context.Context, includeInactive bool) ([]*WorkStatusReason, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkStatusReason
	for _, r := range m.reasons {
		if !includeInactive && !r.Active {
			continue
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
