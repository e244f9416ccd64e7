package auth

import (
	"context"
	"sync/atomic"
)

// CustomGrant is a tenant-stored permission set for a role. A nil CompanyID
// applies to every company without a company-specific row.
type CustomGrant struct {
	CompanyID   *int64
	Role        Role
	Permissions PermissionSet
}

type customKey struct {
	company int64
	global  bool
	role    Role
}

// Catalog resolves capabilities. It is immutable once built; reloads build a
// new Catalog and swap it through a CatalogHolder.
type Catalog struct {
	builtin map[Role]PermissionSet
	custom  map[customKey]PermissionSet
}

// NewCatalog builds a catalog from the builtin role table and the tenant
// custom grants. Grants for super_admin and unknown permission keys are
// dropped.
func NewCatalog(custom []CustomGrant) *Catalog {
	c := &Catalog{
		builtin: make(map[Role]PermissionSet, len(BuiltinPermissions)),
		custom:  make(map[customKey]PermissionSet, len(custom)),
	}
	for role, perms := range BuiltinPermissions {
		c.builtin[role] = perms.Clone()
	}
	for _, g := range custom {
		if g.Role == RoleSuperAdmin || g.Role.Rank() == 0 {
			continue
		}
		key := customKey{global: g.CompanyID == nil, role: g.Role}
		if g.CompanyID != nil {
			key.company = *g.CompanyID
		}
		set := make(PermissionSet, len(g.Permissions))
		for p, v := range g.Permissions {
			if p.Valid() {
				set[p] = v
			}
		}
		c.custom[key] = set
	}
	return c
}

func (c *Catalog) customFor(actor *Actor) PermissionSet {
	if actor.CompanyID != nil {
		if set, ok := c.custom[customKey{company: *actor.CompanyID, role: actor.Role}]; ok {
			return set
		}
	}
	return c.custom[customKey{global: true, role: actor.Role}]
}

// HasPermission reports whether actor holds key. Precedence: super_admin
// bypass, then the user override (explicit false wins), then the builtin role
// table, then the tenant custom grants. Unknown keys and actors without a
// role resolve to false.
func (c *Catalog) HasPermission(actor *Actor, key Permission) bool {
	if actor == nil {
		return false
	}
	if actor.Role == RoleSuperAdmin {
		return true
	}
	if actor.Role.Rank() == 0 || !key.Valid() {
		return false
	}
	if v, ok := actor.Overrides[key]; ok {
		return v
	}
	if c.builtin[actor.Role][key] {
		return true
	}
	return c.customFor(actor)[key]
}

// EffectivePermissions merges the three layers for display and audit. The
// result for every key agrees with HasPermission.
func (c *Catalog) EffectivePermissions(actor *Actor) []Permission {
	if actor == nil {
		return nil
	}
	if actor.Role == RoleSuperAdmin {
		return AllPermissions()
	}
	if actor.Role.Rank() == 0 {
		return nil
	}
	merged := PermissionSet{}
	for p, v := range c.customFor(actor) {
		if v {
			merged[p] = true
		}
	}
	for p, v := range c.builtin[actor.Role] {
		if v {
			merged[p] = true
		}
	}
	for p, v := range actor.Overrides {
		if p.Valid() {
			merged[p] = v
		}
	}
	return merged.Granted()
}

// RolePermissions returns the builtin and custom grants of a role for a
// company, merged. Used by the role administration endpoints.
func (c *Catalog) RolePermissions(role Role, companyID *int64) []Permission {
	if role == RoleSuperAdmin {
		return AllPermissions()
	}
	probe := &Actor{Role: role, CompanyID: companyID}
	merged := PermissionSet{}
	for p, v := range c.customFor(probe) {
		merged[p] = v
	}
	for p, v := range c.builtin[role] {
		if v {
			merged[p] = true
		}
	}
	return merged.Granted()
}

// CustomLoader reads tenant custom grants from the override store.
type CustomLoader interface {
	CustomGrants(ctx context.Context) ([]CustomGrant, error)
}

// CatalogHolder publishes the current Catalog to concurrent readers.
type CatalogHolder struct {
	cur atomic.Pointer[Catalog]
}

// NewCatalogHolder returns a holder seeded with c, or with the builtin table
// when c is nil.
func NewCatalogHolder(c *Catalog) *CatalogHolder {
	if c == nil {
		c = NewCatalog(nil)
	}
	h := &CatalogHolder{}
	h.cur.Store(c)
	return h
}

// Current returns the catalog in effect.
func (h *CatalogHolder) Current() *Catalog { return h.cur.Load() }

// Replace swaps in a new catalog.
func (h *CatalogHolder) Replace(c *Catalog) {
	if c != nil {
		h.cur.Store(c)
	}
}

// Reload rebuilds the catalog from loader and swaps it in. On error the
// previous catalog stays in effect.
func (h *CatalogHolder) Reload(ctx context.Context, loader CustomLoader) error {
	grants, err := loader.CustomGrants(ctx)
	if err != nil {
		return err
	}
	h.Replace(NewCatalog(grants))
	return nil
}
