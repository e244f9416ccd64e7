package records

import (
	"fmt"
	"math"
	"strings"
)

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// ComputeDerivedFields returns a copy of r with every derived field
// recomputed from the raw inputs. Load weights are filled from volume only
// when absent, so a second call leaves them unchanged. It has no side effects.
func ComputeDerivedFields(r Record) Record {
	p := r.Payload.clone()

	p.TotalDistance = round3(p.OdometerEnd - p.OdometerStart)
	p.FuelEnd = round3(p.FuelStart + p.FuelRefilled - p.FuelConsumed)

	if len(p.Loads) > 0 {
		var trips int
		var volume, weight float64
		for i := range p.Loads {
			l := &p.Loads[i]
			if l.WeightTons == nil {
				if density, ok := l.WasteType.Density(); ok {
					w := round3(l.VolumeM3 * density)
					l.WeightTons = &w
				}
			}
			trips += l.Trips
			volume += l.VolumeM3
			if l.WeightTons != nil {
				weight += *l.WeightTons
			}
		}
		p.TripCount = trips
		p.TotalVolumeM3 = round3(volume)
		p.TotalWeightT = round3(weight)
	} else {
		p.TotalVolumeM3 = 0
		p.TotalWeightT = 0
	}

	if p.WorkStatus == Working {
		p.ReasonID = nil
	}

	r.Payload = p
	return r
}

// Validate checks the structural invariants of a record of its kind. All
// problems are reported together. Odometer and fuel invariants hold for every
// kind; fields that belong to the other kind are rejected rather than dropped.
func Validate(r Record) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }
	p := r.Payload

	if p.OdometerStart < 0 || p.OdometerEnd < 0 {
		add("odometer readings must not be negative")
	}
	if p.OdometerEnd < p.OdometerStart {
		add("odometer_end %.3f is below odometer_start %.3f", p.OdometerEnd, p.OdometerStart)
	}
	if p.FuelStart < 0 || p.FuelRefilled < 0 || p.FuelConsumed < 0 {
		add("fuel figures must not be negative")
	}
	if p.FuelStart+p.FuelRefilled-p.FuelConsumed < 0 {
		add("fuel_end would be negative")
	}

	switch r.Kind {
	case KindTripSheet:
		if p.WorkStatus != "" || p.ReasonID != nil {
			add("work_status and reason_id are only accepted on %s records", KindWorkStatus)
		}
		if p.TripCount < 0 {
			add("trip_count must not be negative")
		}
		for i, l := range p.Loads {
			if _, ok := l.WasteType.Density(); !ok {
				add("load %d: unknown waste type %q", i, l.WasteType)
			}
			if l.VolumeM3 < 0 {
				add("load %d: volume must not be negative", i)
			}
			if l.WeightTons != nil && *l.WeightTons < 0 {
				add("load %d: weight must not be negative", i)
			}
			if l.Trips < 0 {
				add("load %d: trips must not be negative", i)
			}
		}
	case KindWorkStatus:
		if p.hasTripFields() {
			add("odometer, fuel, trip and load fields are only accepted on %s records", KindTripSheet)
		}
		switch p.WorkStatus {
		case Working:
		case NotWorking:
			if p.ReasonID == nil {
				add("not_working requires reason_id")
			}
		default:
			add("work_status must be %q or %q", Working, NotWorking)
		}
	default:
		add("unknown record kind %q", r.Kind)
	}

	if len(problems) > 0 {
		return invalid("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (p Payload) hasTripFields() bool {
	return p.OdometerStart != 0 || p.OdometerEnd != 0 ||
		p.FuelStart != 0 || p.FuelRefilled != 0 || p.FuelConsumed != 0 ||
		p.TripCount != 0 || len(p.Loads) > 0
}
