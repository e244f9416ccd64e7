package records

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ecofleet.org/internal/auth"
)

var (
	ErrNotFound          = errors.New("records: not found")
	ErrConflict          = errors.New("records: conflict")
	ErrValidationFailed  = errors.New("records: validation failed")
	ErrInvalidTransition = errors.New("records: invalid transition")
	ErrSequenceGap       = errors.New("records: sequence gap")
)

// TransitionError reports a workflow rule violation. With Reason set to
// immutable_record it also matches auth.ErrForbidden.
type TransitionError struct {
	Kind   Kind
	From   Status
	Action string
	Reason auth.DenyReason
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: cannot %s %s in status %s", e.Action, e.Kind, e.From)
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case auth.ErrForbidden:
		return e.Reason == auth.ReasonImmutableRecord
	}
	return false
}

// SequenceGapError lists every day that blocks a record, ascending.
type SequenceGapError struct {
	Kind      Kind
	VehicleID int64
	Date      time.Time
	Missing   []time.Time
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: %s for vehicle %d on %s requires %s",
		e.Kind, e.VehicleID, e.Date.Format(DateLayout), strings.Join(e.MissingDays(), ", "))
}

func (e *SequenceGapError) Is(target error) bool { return target == ErrSequenceGap }

// MissingDays returns the missing dates formatted as YYYY-MM-DD.
func (e *SequenceGapError) MissingDays() []string {
	out := make([]string, len(e.Missing))
	for i, d := range e.Missing {
		out[i] = d.Format(DateLayout)
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

// outcomeOf names an error for metrics and audit events.
func outcomeOf(err error) string {
	var te *TransitionError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te):
		return "invalid_transition"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
