package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/auth"
)

// Service guards catalog administration with the authorization gate.
type Service struct {
	store    Store
	gate     *auth.Gate
	recorder audit.Recorder
}

// NewService wires a fleet service.
func NewService(store Store, gate *auth.Gate, recorder audit.Recorder) (*Service, error) {
	if store == nil || gate == nil {
		return nil, errors.New("fleet store and gate are required")
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{store: store, gate: gate, recorder: recorder}, nil
}

func (s *Service) record(ctx context.Context, by *auth.Actor, action, resource string, err error) {
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

// CreateCompany registers a tenant.
func (s *Service) CreateCompany(ctx context.Context, by *auth.Actor, name string) (*Company, error) {
	if err := s.gate.Require(ctx, by, auth.PermManageCompanies, auth.ResourceRef{}); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: company name is required", ErrInvalidInput)
	}
	c := &Company{Name: name, Lifecycle: auth.Lifecycle{Active: true}}
	err := s.store.CreateCompany(ctx, c)
	s.record(ctx, by, "company.create", fmt.Sprintf("company/%d", c.ID), err)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateDistrict adds a district to a company within the actor's scope.
func (s *Service) CreateDistrict(ctx context.Context, by *auth.Actor, companyID int64, name string) (*District, error) {
	if err := s.gate.Require(ctx, by, auth.PermManageDistricts, auth.Company(companyID)); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: district name is required", ErrInvalidInput)
	}
	d := &District{CompanyID: companyID, Name: name, Lifecycle: auth.Lifecycle{Active: true}}
	err := s.store.CreateDistrict(ctx, d)
	s.record(ctx, by, "district.create", fmt.Sprintf("district/%d", d.ID), err)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CreateVehicle adds a vehicle to a district within the actor's scope. The
// owning company is taken from the district.
func (s *Service) CreateVehicle(ctx context.Context, by *auth.Actor, districtID int64, plate string) (*Vehicle, error) {
	if err := s.gate.Require(ctx, by, auth.PermManageVehicles, auth.District(districtID)); err != nil {
		return nil, err
	}
	plate = strings.ToUpper(strings.TrimSpace(plate))
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	d, err := s.store.District(ctx, districtID)
	if err != nil {
		return nil, err
	}
	v := &Vehicle{CompanyID: d.CompanyID, DistrictID: d.ID, Plate: plate, Lifecycle: auth.Lifecycle{Active: true}}
	err = s.store.CreateVehicle(ctx, v)
	s.record(ctx, by, "vehicle.create", fmt.Sprintf("vehicle/%d", v.ID), err)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// AssignDriver binds a driver actor to a vehicle. An empty driverID unassigns.
func (s *Service) AssignDriver(ctx context.Context, by *auth.Actor, vehicleID int64, driverID string) error {
	if err := s.gate.Require(ctx, by, auth.PermManageVehicles, auth.Vehicle(vehicleID)); err != nil {
		return err
	}
	err := s.store.AssignDriver(ctx, vehicleID, strings.TrimSpace(driverID))
	s.record(ctx, by, "vehicle.driver", fmt.Sprintf("vehicle/%d", vehicleID), err)
	return err
}

// DeactivateVehicle soft-deletes a vehicle.
func (s *Service) DeactivateVehicle(ctx context.Context, by *auth.Actor, vehicleID int64) error {
	if err := s.gate.Require(ctx, by, auth.PermManageVehicles, auth.Vehicle(vehicleID)); err != nil {
		return err
	}
	err := s.store.SetVehicleActive(ctx, vehicleID, false)
	s.record(ctx, by, "vehicle.deactivate", fmt.Sprintf("vehicle/%d", vehicleID), err)
	return err
}

// Vehicle returns a single vehicle visible to the actor.
func (s *Service) Vehicle(ctx context.Context, by *auth.Actor, id int64) (*Vehicle, error) {
	if err := s.gate.Require(ctx, by, auth.PermViewVehicles, auth.Vehicle(id)); err != nil {
		return nil, err
	}
	return s.store.Vehicle(ctx, id)
}

// ListVehicles returns vehicles within the actor's scope narrowed by f.
func (s *Service) ListVehicles(ctx context.Context, by *auth.Actor, f auth.Filter) ([]*Vehicle, error) {
	if err := s.gate.Require(ctx, by, auth.PermViewVehicles, auth.ResourceRef{}); err != nil {
		return nil, err
	}
	scoped, err := auth.ApplyScope(auth.Resolve(by), f)
	if err != nil {
		return nil, err
	}
	if scoped.Nothing {
		return []*Vehicle{}, nil
	}
	return s.store.ListVehicles(ctx, scoped)
}

// ListDistricts returns districts within the actor's scope.
func (s *Service) ListDistricts(ctx context.Context, by *auth.Actor, f auth.Filter) ([]*District, error) {
	if err := s.gate.Require(ctx, by, auth.PermViewDistricts, auth.ResourceRef{}); err != nil {
		return nil, err
	}
	scoped, err := auth.ApplyScope(auth.Resolve(by), f)
	if err != nil {
		return nil, err
	}
	if scoped.Nothing {
		return []*District{}, nil
	}
	return s.store.ListDistricts(ctx, scoped)
}

// ListCompanies returns the companies the actor can see.
func (s *Service) ListCompanies(ctx context.Context, by *auth.Actor) ([]*Company, error) {
	if err := s.gate.Require(ctx, by, auth.PermViewCompanies, auth.ResourceRef{}); err != nil {
		return nil, err
	}
	scoped, err := auth.ApplyScope(auth.Resolve(by), auth.Filter{})
	if err != nil {
		return nil, err
	}
	if scoped.Nothing {
		return []*Company{}, nil
	}
	return s.store.ListCompanies(ctx, scoped)
}

// CreateReason adds an entry to the work status reason catalog.
func (s *Service) CreateReason(ctx context.Context, by *auth.Actor, category, severity, name string) (*WorkStatusReason, error) {
	if err := s.gate.Require(ctx, by, auth.PermManageReasons, auth.ResourceRef{}); err != nil {
		return nil, err
	}
	r := &WorkStatusReason{
		Category:  strings.TrimSpace(category),
		Severity:  strings.TrimSpace(severity),
		Name:      strings.TrimSpace(name),
		Lifecycle: auth.Lifecycle{Active: true},
	}
	if r.Category == "" || r.Severity == "" || r.Name == "" {
		return nil, fmt.Errorf("%w: category, severity and name are required", ErrInvalidInput)
	}
	err := s.store.CreateReason(ctx, r)
	s.record(ctx, by, "reason.create", fmt.Sprintf("reason/%d", r.ID), err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DeactivateReason soft-deletes a reason. Records referencing it keep the
// reference.
func (s *Service) DeactivateReason(ctx context.Context, by *auth.Actor, id int64) error {
	if err := s.gate.Require(ctx, by, auth.PermManageReasons, auth.ResourceRef{}); err != nil {
		return err
	}
	err := s.store.DeactivateReason(ctx, id)
	s.record(ctx, by, "reason.deactivate", fmt.Sprintf("reason/%d", id), err)
	return err
}

// ListReasons returns the reason catalog. Inactive entries are included on
// request so historical records stay readable.
func (s *Service) ListReasons(ctx context.Context, by *auth.Actor, includeInactive bool) ([]*WorkStatusReason, error) {
	if err := s.gate.Require(ctx, by, auth.PermViewWorkStatuses, auth.ResourceRef{}); err != nil {
		return nil, err
	}
	return s.store.ListReasons(ctx, includeInactive)
}
