package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/obs"
)

// ResourceRef names the organizational resource an operation targets. The most
// specific non-nil field wins.
type ResourceRef struct {
	CompanyID  *int64
	DistrictID *int64
	VehicleID  *int64
}

// String renders the ref for audit events.
func (r ResourceRef) String() string {
	switch {
	case r.VehicleID != nil:
		return "vehicle/" + strconv.FormatInt(*r.VehicleID, 10)
	case r.DistrictID != nil:
		return "district/" + strconv.FormatInt(*r.DistrictID, 10)
	case r.CompanyID != nil:
		return "company/" + strconv.FormatInt(*r.CompanyID, 10)
	default:
		return "*"
	}
}

// Vehicle returns a ref to a single vehicle.
func Vehicle(id int64) ResourceRef { return ResourceRef{VehicleID: &id} }

// District returns a ref to a single district.
func District(id int64) ResourceRef { return ResourceRef{DistrictID: &id} }

// Company returns a ref to a single company.
func Company(id int64) ResourceRef { return ResourceRef{CompanyID: &id} }

// ErrUnknownResource is returned by a Locator when the referenced entity does
// not exist.
var ErrUnknownResource = errors.New("auth: unknown resource")

// Locator places vehicles and districts in the organization tree.
type Locator interface {
	LocateVehicle(ctx context.Context, id int64) (Location, error)
	LocateDistrict(ctx context.Context, id int64) (Location, error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	Permission Permission
	Detail     string
	cause      error
}

// Err returns nil for an allowed decision, a *DenyError for a denial, or the
// wrapped lookup failure when the gate could not evaluate the scope.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.cause != nil {
		return fmt.Errorf("authorize: %w", d.cause)
	}
	return &DenyError{Reason: d.Reason, Permission: d.Permission, Detail: d.Detail}
}

func (d Decision) label() string {
	if d.Allowed {
		return audit.DecisionAllow
	}
	return audit.DecisionDeny
}

// Gate combines the catalog and the scope resolver. It never mutates state.
type Gate struct {
	catalog  *CatalogHolder
	locator  Locator
	recorder audit.Recorder
}

// NewGate wires a gate. A nil recorder discards audit events.
func NewGate(catalog *CatalogHolder, locator Locator, recorder audit.Recorder) *Gate {
	if catalog == nil {
		catalog = NewCatalogHolder(nil)
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Gate{catalog: catalog, locator: locator, recorder: recorder}
}

// Catalog returns the catalog currently in effect.
func (g *Gate) Catalog() *Catalog { return g.catalog.Current() }

// Authorize checks, in order, that actor is active, that it holds perm, and
// that ref lies within its scope. Every denial is audited.
func (g *Gate) Authorize(ctx context.Context, actor *Actor, perm Permission, ref ResourceRef) Decision {
	d := g.evaluate(ctx, actor, perm, ref)
	reason := string(d.Reason)
	obs.ObserveDecision(d.label(), reason)
	if !d.Allowed {
		evt := audit.Event{
			Action:   "authorize:" + string(perm),
			Resource: ref.String(),
			Decision: audit.DecisionDeny,
			Reason:   reason,
		}
		if actor != nil {
			evt.ActorID = actor.ID
		}
		if d.Detail != "" {
			evt.Fields = map[string]any{"detail": d.Detail}
		}
		if d.cause != nil {
			evt.Fields = map[string]any{"error": d.cause.Error()}
		}
		g.recorder.Record(ctx, evt)
	}
	return d
}

// Require is Authorize returning only the error.
func (g *Gate) Require(ctx context.Context, actor *Actor, perm Permission, ref ResourceRef) error {
	return g.Authorize(ctx, actor, perm, ref).Err()
}

func (g *Gate) evaluate(ctx context.Context, actor *Actor, perm Permission, ref ResourceRef) Decision {
	deny := func(reason DenyReason, detail string) Decision {
		return Decision{Reason: reason, Permission: perm, Detail: detail}
	}
	if actor == nil {
		return deny(ReasonInactiveActor, "no actor")
	}
	if !actor.Active {
		return deny(ReasonInactiveActor, "actor deactivated")
	}
	if !g.catalog.Current().HasPermission(actor, perm) {
		return deny(ReasonMissingPermission, "")
	}
	if ref.VehicleID == nil && ref.DistrictID == nil && ref.CompanyID == nil {
		return Decision{Allowed: true, Permission: perm}
	}
	scope := Resolve(actor)
	if scope.Mode == ScopeAll {
		return Decision{Allowed: true, Permission: perm}
	}
	loc, err := g.locate(ctx, ref)
	switch {
	case errors.Is(err, ErrUnknownResource):
		// Unknown resources are indistinguishable from foreign ones.
		return deny(ReasonOutOfScope, ref.String())
	case err != nil:
		d := deny(ReasonOutOfScope, ref.String())
		d.cause = err
		return d
	}
	if !scope.Contains(loc) {
		return deny(ReasonOutOfScope, ref.String())
	}
	return Decision{Allowed: true, Permission: perm}
}

func (g *Gate) locate(ctx context.Context, ref ResourceRef) (Location, error) {
	switch {
	case ref.VehicleID != nil:
		if g.locator == nil {
			return Location{}, errors.New("no locator configured")
		}
		return g.locator.LocateVehicle(ctx, *ref.VehicleID)
	case ref.DistrictID != nil:
		if g.locator == nil {
			return Location{}, errors.New("no locator configured")
		}
		return g.locator.LocateDistrict(ctx, *ref.DistrictID)
	default:
		return Location{CompanyID: *ref.CompanyID}, nil
	}
}

// RequireAdminTier rejects actors below company_admin rank.
func RequireAdminTier(actor *Actor, perm Permission) error {
	if actor == nil {
		return &DenyError{Reason: ReasonInactiveActor, Permission: perm, Detail: "no actor"}
	}
	if !actor.Role.IsAdminTier() {
		return Forbidden(ReasonInsufficientRank, perm, fmt.Sprintf("role %q", actor.Role))
	}
	return nil
}
