package auth

import (
	"slices"
	"strings"
	"time"
)

// Lifecycle is the soft-delete trait shared by every entity in the system.
// Entities are deactivated, never physically removed.
type Lifecycle struct {
	Active bool `json:"active"`
}

// IsActive reports whether the entity has not been soft-deleted.
func (l Lifecycle) IsActive() bool { return l.Active }

// Role is the closed set of roles an actor can hold.
type Role string

const (
	RoleSuperAdmin         Role = "super_admin"
	RoleCompanyAdmin       Role = "company_admin"
	RoleCompanyDirector    Role = "company_director"
	RoleCompanyAccountant  Role = "company_accountant"
	RoleDistrictManager    Role = "district_manager"
	RoleDistrictAccountant Role = "district_accountant"
	RoleOperator           Role = "operator"
	RoleDistrictOperator   Role = "district_operator"
	RoleDriver             Role = "driver"
)

// roleRanks is used only for relative seniority checks, never for
// capability inheritance.
var roleRanks = map[Role]int{
	RoleSuperAdmin:         5,
	RoleCompanyAdmin:       4,
	RoleCompanyDirector:    3,
	RoleCompanyAccountant:  3,
	RoleDistrictManager:    3,
	RoleDistrictAccountant: 2,
	RoleOperator:           2,
	RoleDistrictOperator:   2,
	RoleDriver:             1,
}

// Roles returns every known role ordered by rank, most senior first.
func Roles() []Role {
	out := make([]Role, 0, len(roleRanks))
	for r := range roleRanks {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Role) int {
		if d := b.Rank() - a.Rank(); d != 0 {
			return d
		}
		return strings.Compare(string(a), string(b))
	})
	return out
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	_, ok := roleRanks[r]
	return r, ok
}

// Rank returns the hierarchy rank of the role, or 0 for unknown roles.
func (r Role) Rank() int { return roleRanks[r] }

// AtLeast reports whether r is at least as senior as other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() > 0 && r.Rank() >= other.Rank()
}

// IsAdminTier reports whether the role may decide, reopen or override
// operational records.
func (r Role) IsAdminTier() bool { return r.AtLeast(RoleCompanyAdmin) }

// Actor is an authenticated user making a request.
type Actor struct {
	ID             string        `json:"id"`
	Handle         string        `json:"handle"`
	PasswordHash   string        `json:"-"`
	Role           Role          `json:"role"`
	CompanyID      *int64        `json:"company_id,omitempty"`
	DistrictAccess []int64       `json:"district_access"`
	Overrides      PermissionSet `json:"permission_overrides,omitempty"`
	Lifecycle
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDistrict reports whether the actor was granted access to district id.
func (a *Actor) HasDistrict(id int64) bool {
	return slices.Contains(a.DistrictAccess, id)
}

// InCompany reports whether the actor belongs to company id.
func (a *Actor) InCompany(id int64) bool {
	return a.CompanyID != nil && *a.CompanyID == id
}
