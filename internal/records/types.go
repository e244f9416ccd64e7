package records

import (
	"fmt"
	"strings"
	"time"

	"ecofleet.org/internal/auth"
)

// DateLayout is the wire format of record dates.
const DateLayout = "2006-01-02"

// Kind selects the record type. Each kind has its own (vehicle, date)
// uniqueness space.
type Kind string

const (
	KindTripSheet  Kind = "trip_sheet"
	KindWorkStatus Kind = "work_status"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown record kind %q", ErrValidationFailed, s)
	}
	return k, nil
}

func (k Kind) Valid() bool { return k == KindTripSheet || k == KindWorkStatus }

// Status of a record. Trip sheets use draft, submitted, approved and rejected.
// Work statuses use pending, confirmed and rejected.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// WasteType is the category of a trip load.
type WasteType string

const (
	WasteTBO  WasteType = "tbo"
	WasteSmet WasteType = "smet"
)

// Density returns the fixed tonnes-per-cubic-metre factor of the waste type.
func (w WasteType) Density() (float64, bool) {
	switch w {
	case WasteTBO:
		return 0.3, true
	case WasteSmet:
		return 1.5, true
	}
	return 0, false
}

// WorkState tells whether a vehicle worked on a day.
type WorkState string

const (
	Working    WorkState = "working"
	NotWorking WorkState = "not_working"
)

// TripLoad is a child line item of a trip sheet. The set of loads is replaced
// as a whole on every save.
type TripLoad struct {
	WasteType  WasteType `json:"waste_type"`
	VolumeM3   float64   `json:"volume_m3"`
	WeightTons *float64  `json:"weight_tons,omitempty"`
	Trips      int       `json:"trips"`
}

// Payload is the domain content of a record. Fields marked derived are
// recomputed by ComputeDerivedFields and never trusted from input.
type Payload struct {
	OdometerStart float64 `json:"odometer_start"`
	OdometerEnd   float64 `json:"odometer_end"`
	TotalDistance float64 `json:"total_distance"` // derived
	FuelStart     float64 `json:"fuel_start"`
	FuelRefilled  float64 `json:"fuel_refilled"`
	FuelConsumed  float64 `json:"fuel_consumed"`
	FuelEnd       float64 `json:"fuel_end"` // derived
	TripCount     int     `json:"trip_count"`
	TotalVolumeM3 float64 `json:"total_volume_m3"`   // derived
	TotalWeightT  float64 `json:"total_weight_tons"` // derived

	Loads []TripLoad `json:"loads,omitempty"`

	WorkStatus WorkState `json:"work_status,omitempty"`
	ReasonID   *int64    `json:"reason_id,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// Record is a per-vehicle, per-day operational record.
type Record struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	VehicleID       int64      `json:"vehicle_id"`
	CompanyID       int64      `json:"company_id"`
	DistrictID      int64      `json:"district_id"`
	Date            time.Time  `json:"date"`
	Status          Status     `json:"status"`
	Version         int64      `json:"version"`
	CreatedBy       string     `json:"created_by"`
	OperatorID      string     `json:"operator_id"`
	DriverID        string     `json:"driver_id,omitempty"`
	SubmittedBy     string     `json:"submitted_by,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	DecidedBy       string     `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Payload         Payload    `json:"payload"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Location places the record in the organization tree.
func (r *Record) Location() auth.Location {
	return auth.Location{CompanyID: r.CompanyID, DistrictID: r.DistrictID, DriverID: r.DriverID}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	out.Payload = r.Payload.clone()
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		out.SubmittedAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

func (p Payload) clone() Payload {
	out := p
	if p.ReasonID != nil {
		id := *p.ReasonID
		out.ReasonID = &id
	}
	if p.Loads != nil {
		out.Loads = make([]TripLoad, len(p.Loads))
		for i, l := range p.Loads {
			out.Loads[i] = l
			if l.WeightTons != nil {
				w := *l.WeightTons
				out.Loads[i].WeightTons = &w
			}
		}
	}
	return out
}

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrValidationFailed, s)
	}
	return t, nil
}

// ListFilter selects records. Scope carries the organizational restriction
// produced by auth.ApplyScope.
type ListFilter struct {
	Scope     auth.Filter
	Kind      Kind
	VehicleID *int64
	Status    Status
	From      time.Time
	To        time.Time
	Limit     int
}
