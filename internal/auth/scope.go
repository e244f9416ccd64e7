package auth

import (
	"fmt"
	"slices"
)

// ScopeMode selects how a Scope restricts visibility.
type ScopeMode int

const (
	// ScopeNone admits nothing. Actors without a usable role resolve to it.
	ScopeNone ScopeMode = iota
	// ScopeAll applies no filter.
	ScopeAll
	// ScopeCompany admits every district of one company.
	ScopeCompany
	// ScopeDistricts admits an explicit set of districts.
	ScopeDistricts
	// ScopeSelf admits only records that reference the actor as driver.
	ScopeSelf
)

func (m ScopeMode) String() string {
	switch m {
	case ScopeAll:
		return "all"
	case ScopeCompany:
		return "company"
	case ScopeDistricts:
		return "districts"
	case ScopeSelf:
		return "self"
	default:
		return "none"
	}
}

// Scope is the organizational filter derived from an actor. It is never
// stored.
type Scope struct {
	Mode        ScopeMode `json:"mode"`
	CompanyID   *int64    `json:"company_id,omitempty"`
	DistrictIDs []int64   `json:"district_ids,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
}

// Resolve computes the scope of actor from its role and grants.
func Resolve(actor *Actor) Scope {
	if actor == nil {
		return Scope{Mode: ScopeNone}
	}
	switch actor.Role {
	case RoleSuperAdmin:
		return Scope{Mode: ScopeAll}
	case RoleCompanyAdmin, RoleCompanyAccountant, RoleCompanyDirector:
		if actor.CompanyID == nil {
			return Scope{Mode: ScopeNone}
		}
		id := *actor.CompanyID
		return Scope{Mode: ScopeCompany, CompanyID: &id}
	case RoleDistrictManager, RoleDistrictAccountant, RoleOperator, RoleDistrictOperator:
		s := Scope{Mode: ScopeDistricts, DistrictIDs: slices.Clone(actor.DistrictAccess)}
		if actor.CompanyID != nil {
			id := *actor.CompanyID
			s.CompanyID = &id
		}
		if s.DistrictIDs == nil {
			s.DistrictIDs = []int64{}
		}
		return s
	case RoleDriver:
		return Scope{Mode: ScopeSelf, ActorID: actor.ID}
	default:
		return Scope{Mode: ScopeNone}
	}
}

// Location places a resource in the organization tree. DistrictID is zero for
// company-level resources and DriverID is empty unless the resource is bound to
// a driver.
type Location struct {
	CompanyID  int64
	DistrictID int64
	DriverID   string
}

func (s Scope) companyMatches(id int64) bool {
	return s.CompanyID == nil || *s.CompanyID == id
}

// Contains reports whether loc lies within the scope.
func (s Scope) Contains(loc Location) bool {
	switch s.Mode {
	case ScopeAll:
		return true
	case ScopeCompany:
		return s.CompanyID != nil && *s.CompanyID == loc.CompanyID
	case ScopeDistricts:
		if !s.companyMatches(loc.CompanyID) {
			return false
		}
		if loc.DistrictID == 0 {
			return s.CompanyID != nil
		}
		return slices.Contains(s.DistrictIDs, loc.DistrictID)
	case ScopeSelf:
		return s.ActorID != "" && loc.DriverID == s.ActorID
	default:
		return false
	}
}

// Filter is the organizational part of a repository query. Every field is
// combined with AND.
type Filter struct {
	CompanyID  *int64 `json:"company_id,omitempty"`
	DistrictID *int64 `json:"district_id,omitempty"`
	// DistrictIDs limits rows to a district set when RestrictDistricts is true.
	DistrictIDs       []int64 `json:"district_ids,omitempty"`
	RestrictDistricts bool    `json:"restrict_districts,omitempty"`
	DriverID          string  `json:"driver_id,omitempty"`
	// Nothing means the query must return no rows.
	Nothing bool `json:"nothing,omitempty"`
}

func outOfScope(format string, args ...any) error {
	return Forbidden(ReasonOutOfScope, "", fmt.Sprintf(format, args...))
}

// ApplyScope narrows f to s by intersection. A filter that explicitly asks
// for a company, district or driver outside the scope is rejected with a
// Forbidden out_of_scope error instead of being widened or silently emptied.
func ApplyScope(s Scope, f Filter) (Filter, error) {
	out := f
	out.DistrictIDs = slices.Clone(f.DistrictIDs)
	switch s.Mode {
	case ScopeAll:
		return out, nil
	case ScopeNone:
		if f.CompanyID != nil || f.DistrictID != nil || f.DriverID != "" {
			return Filter{}, outOfScope("no organizational scope")
		}
		return Filter{Nothing: true}, nil
	case ScopeCompany:
		if f.CompanyID != nil && *f.CompanyID != *s.CompanyID {
			return Filter{}, outOfScope("company %d", *f.CompanyID)
		}
		id := *s.CompanyID
		out.CompanyID = &id
		return out, nil
	case ScopeDistricts:
		if f.CompanyID != nil && !s.companyMatches(*f.CompanyID) {
			return Filter{}, outOfScope("company %d", *f.CompanyID)
		}
		if s.CompanyID != nil {
			id := *s.CompanyID
			out.CompanyID = &id
		}
		if f.DistrictID != nil && !slices.Contains(s.DistrictIDs, *f.DistrictID) {
			return Filter{}, outOfScope("district %d", *f.DistrictID)
		}
		allowed := slices.Clone(s.DistrictIDs)
		if f.RestrictDistricts {
			allowed = slices.DeleteFunc(allowed, func(id int64) bool {
				return !slices.Contains(f.DistrictIDs, id)
			})
		}
		slices.Sort(allowed)
		out.DistrictIDs = allowed
		out.RestrictDistricts = true
		if len(allowed) == 0 {
			out.Nothing = true
		}
		return out, nil
	case ScopeSelf:
		if f.DriverID != "" && f.DriverID != s.ActorID {
			return Filter{}, outOfScope("driver %s", f.DriverID)
		}
		out.DriverID = s.ActorID
		if s.ActorID == "" {
			out.Nothing = true
		}
		return out, nil
	}
	return Filter{}, outOfScope("unknown scope")
}
