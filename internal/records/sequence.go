package records

import (
	"context"
	"time"
)

// SequenceChecker enforces the sequential-day rule over a Store.
type SequenceChecker struct {
	store Store
}

// NewSequenceChecker returns a checker reading from store.
func NewSequenceChecker(store Store) *SequenceChecker {
	return &SequenceChecker{store: store}
}

// ValidateDailySequence returns nil when day may be submitted for the vehicle,
// or a *SequenceGapError listing every missing day of the month before it.
//
// Days before the vehicle's first record of the kind are exempt, so the first
// day of operating history always passes. Once history exists, every day from
// the later of the month start and the first record up to day-1 must hold a
// submitted, approved, pending or confirmed record.
func (c *SequenceChecker) ValidateDailySequence(ctx context.Context, kind Kind, vehicleID int64, day time.Time) error {
	missing, err := c.Missing(ctx, kind, vehicleID, day)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &SequenceGapError{Kind: kind, VehicleID: vehicleID, Date: Day(day), Missing: missing}
	}
	return nil
}

// Missing returns the blocking days for day in ascending order.
func (c *SequenceChecker) Missing(ctx context.Context, kind Kind, vehicleID int64, day time.Time) ([]time.Time, error) {
	day = Day(day)
	start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !start.Before(day) {
		return nil, nil
	}
	first, ok, err := c.store.FirstDay(ctx, kind, vehicleID)
	if err != nil {
		return nil, err
	}
	if !ok || !first.Before(day) {
		return nil, nil
	}
	if first.After(start) {
		start = Day(first)
	}
	prev := day.AddDate(0, 0, -1)
	existing, err := c.store.Range(ctx, kind, vehicleID, start, prev)
	if err != nil {
		return nil, err
	}
	satisfied := make(map[string]bool, len(existing))
	for _, r := range existing {
		if SatisfiesSequence(r.Status) {
			satisfied[r.Date.Format(DateLayout)] = true
		}
	}
	var missing []time.Time
	for d := start; !d.After(prev); d = d.AddDate(0, 0, 1) {
		if !satisfied[d.Format(DateLayout)] {
			missing = append(missing, d)
		}
	}
	return missing, nil
}
