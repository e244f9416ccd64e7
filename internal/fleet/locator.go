package fleet

import (
	"context"
	"errors"
	"fmt"

	"ecofleet.org/internal/auth"
)

// Locator adapts a Directory to auth.Locator.
type Locator struct {
	Dir Directory
}

func (l Locator) LocateVehicle(ctx context.Context, id int64) (auth.Location, error) {
	v, err := l.Dir.Vehicle(ctx, id)
	if err != nil {
		return auth.Location{}, translateNotFound(err)
	}
	return v.Location(), nil
}

func (l Locator) LocateDistrict(ctx context.Context, id int64) (auth.Location, error) {
	d, err := l.Dir.District(ctx, id)
	if err != nil {
		return auth.Location{}, translateNotFound(err)
	}
	return auth.Location{CompanyID: d.CompanyID, DistrictID: d.ID}, nil
}

func translateNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", auth.ErrUnknownResource, err)
	}
	return err
}
