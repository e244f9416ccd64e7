package fleet

import (
	"context"
	"errors"
	"time"

	"ecofleet.org/internal/auth"
)

var (
	ErrNotFound     = errors.New("fleet: not found")
	ErrConflict     = errors.New("fleet: resource conflict")
	ErrInvalidInput = errors.New("fleet: invalid input")
)

// Company is a tenant.
type Company struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	auth.Lifecycle
	CreatedAt time.Time `json:"created_at"`
}

// District is an operational area of a company.
type District struct {
	ID        int64  `json:"id"`
	CompanyID int64  `json:"company_id"`
	Name      string `json:"name"`
	auth.Lifecycle
	CreatedAt time.Time `json:"created_at"`
}

// Vehicle belongs to one district of one company and may be assigned to a
// driver actor.
type Vehicle struct {
	ID         int64  `json:"id"`
	CompanyID  int64  `json:"company_id"`
	DistrictID int64  `json:"district_id"`
	Plate      string `json:"plate"`
	DriverID   string `json:"driver_id,omitempty"`
	auth.Lifecycle
	CreatedAt time.Time `json:"created_at"`
}

// Location places the vehicle in the organization tree.
func (v *Vehicle) Location() auth.Location {
	return auth.Location{CompanyID: v.CompanyID, DistrictID: v.DistrictID, DriverID: v.DriverID}
}

// WorkStatusReason explains why a vehicle did not work on a day. Reasons are
// only ever deactivated.
type WorkStatusReason struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Name     string `json:"name"`
	auth.Lifecycle
	CreatedAt time.Time `json:"created_at"`
}

// Directory is the read side of the fleet catalog used by the workflow and
// the authorization gate, plus the reason soft-delete.
type Directory interface {
	Company(ctx context.Context, id int64) (*Company, error)
	District(ctx context.Context, id int64) (*District, error)
	Vehicle(ctx context.Context, id int64) (*Vehicle, error)
	Reason(ctx context.Context, id int64) (*WorkStatusReason, error)
	DeactivateReason(ctx context.Context, id int64) error
}

// Store is the full persistence contract of the fleet catalog.
type Store interface {
	Directory
	CreateCompany(ctx context.Context, c *Company) error
	CreateDistrict(ctx context.Context, d *District) error
	CreateVehicle(ctx context.Context, v *Vehicle) error
	CreateReason(ctx context.Context, r *WorkStatusReason) error
	AssignDriver(ctx context.Context, vehicleID int64, driverID string) error
	SetVehicleActive(ctx context.Context, id int64, active bool) error
	ListCompanies(ctx context.Context, f auth.Filter) ([]*Company, error)
	ListDistricts(ctx context.Context, f auth.Filter) ([]*District, error)
	ListVehicles(ctx context.Context, f auth.Filter) ([]*Vehicle, error)
	ListReasons(ctx context.Context, includeInactive bool) ([]*WorkStatusReason, error)
}
