package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecofleet.org/internal/fleet"
)

// Store persists records. Implementations must enforce uniqueness of
// (kind, vehicle, date) and compare-and-set on status and version.
type Store interface {
	// Create inserts r. A record for the same kind, vehicle and day yields
	// ErrConflict.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, kind Kind, id string) (*Record, error)
	GetByDay(ctx context.Context, kind Kind, vehicleID int64, day time.Time) (*Record, error)
	// Update replaces r, including its loads, if the stored record still has
	// expectStatus and expectVersion. Otherwise it yields ErrConflict. On
	// success r.Version is incremented.
	Update(ctx context.Context, r *Record, expectStatus Status, expectVersion int64) error
	// FirstDay returns the earliest day with a record of any status.
	FirstDay(ctx context.Context, kind Kind, vehicleID int64) (time.Time, bool, error)
	// Range returns records with from <= date <= to ordered by date.
	Range(ctx context.Context, kind Kind, vehicleID int64, from, to time.Time) ([]*Record, error)
	List(ctx context.Context, f ListFilter) ([]*Record, error)
}

type dayKey struct {
	kind    Kind
	vehicle int64
	day     string
}

func keyOf(kind Kind, vehicleID int64, day time.Time) dayKey {
	return dayKey{kind: kind, vehicle: vehicleID, day: day.Format(DateLayout)}
}

// InMemory is a Store guarded by a single mutex.
type InMemory struct {
	mu    sync.RWMutex
	byID  map[string]*Record
	byDay map[dayKey]string
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[string]*Record), byDay: make(map[dayKey]string)}
}

func (m *InMemory) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(r.Kind, r.VehicleID, r.Date)
	if _, ok := m.byDay[k]; ok {
		return fmt.Errorf("%w: %s for vehicle %d on %s already exists", ErrConflict, r.Kind, r.VehicleID, k.day)
	}
	if _, ok := m.byID[r.ID]; ok {
		return fmt.Errorf("%w: record %s already exists", ErrConflict, r.ID)
	}
	m.byID[r.ID] = r.Clone()
	m.byDay[k] = r.ID
	return nil
}

func (m *InMemory) Get(_ context.Context, kind Kind, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok || (kind != "" && r.Kind != kind) {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *InMemory) GetByDay(_ context.Context, kind Kind, vehicleID int64, day time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDay[keyOf(kind, vehicleID, day)]
	if !ok {
		return nil, fmt.Errorf("%w: %s for vehicle %d on %s", ErrNotFound, kind, vehicleID, day.Format(DateLayout))
	}
	return m.byID[id].Clone(), nil
}

func (m *InMemory) Update(_ context.Context, r *Record, expectStatus Status, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[r.ID]
	if !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, r.ID)
	}
	if cur.Status != expectStatus || cur.Version != expectVersion {
		return fmt.Errorf("%w: record %s changed (status %s, version %d)", ErrConflict, r.ID, cur.Status, cur.Version)
	}
	r.Version = expectVersion + 1
	m.byID[r.ID] = r.Clone()
	return nil
}

func (m *InMemory) FirstDay(_ context.Context, kind Kind, vehicleID int64) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first time.Time
	found := false
	for _, r := range m.byID {
		if r.Kind != kind || r.VehicleID != vehicleID {
			continue
		}
		if !found || r.Date.Before(first) {
			first, found = r.Date, true
		}
	}
	return first, found, nil
}

func (m *InMemory) Range(_ context.Context, kind Kind, vehicleID int64, from, to time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.byID {
		if r.Kind != kind || r.VehicleID != vehicleID || r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *InMemory) List(_ context.Context, f ListFilter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.byID {
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.VehicleID != nil && r.VehicleID != *f.VehicleID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && r.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.Date.After(f.To) {
			continue
		}
		if !fleet.InFilter(r.Location(), f.Scope) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].VehicleID != out[j].VehicleID {
			return out[i].VehicleID < out[j].VehicleID
		}
		return out[i].Kind < out[j].Kind
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
