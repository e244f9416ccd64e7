package auth

import "context"

// ActorStore persists actors. Actors are never hard-deleted.
type ActorStore interface {
	CreateActor(ctx context.Context, a *Actor) error
	ActorByID(ctx context.Context, id string) (*Actor, error)
	ActorByHandle(ctx context.Context, handle string) (*Actor, error)
	ListActors(ctx context.Context, f Filter) ([]*Actor, error)
	SetActorActive(ctx context.Context, id string, active bool) error
	SetOverrides(ctx context.Context, id string, overrides PermissionSet) error
	SetDistrictAccess(ctx context.Context, id string, districts []int64) error
}

// CustomStore is the tenant-editable permission override store.
type CustomStore interface {
	CustomLoader
	SetCustomGrant(ctx context.Context, g CustomGrant) error
}
