package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: resource conflict")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrInvalidToken    = errors.New("auth: invalid token")
)

// DenyReason explains why the gate rejected an operation.
type DenyReason string

const (
	ReasonInactiveActor     DenyReason = "inactive_actor"
	ReasonMissingPermission DenyReason = "missing_permission"
	ReasonOutOfScope        DenyReason = "out_of_scope"
	ReasonInsufficientRank  DenyReason = "insufficient_rank"
	ReasonImmutableRecord   DenyReason = "immutable_record"
)

// DenyError is returned for every rejected authorization check. It matches
// ErrUnauthenticated for inactive or missing actors and ErrForbidden otherwise.
type DenyError struct {
	Reason     DenyReason
	Permission Permission
	Detail     string
}

func (e *DenyError) Error() string {
	msg := "forbidden"
	if e.Reason == ReasonInactiveActor {
		msg = "unauthenticated"
	}
	msg += ": " + string(e.Reason)
	if e.Permission != "" {
		msg += fmt.Sprintf(" (%s)", e.Permission)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DenyError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Reason == ReasonInactiveActor
	case ErrForbidden:
		return e.Reason != ReasonInactiveActor
	}
	return false
}

// Forbidden builds a DenyError for a known actor.
func Forbidden(reason DenyReason, perm Permission, detail string) error {
	return &DenyError{Reason: reason, Permission: perm, Detail: detail}
}

// ReasonOf extracts the deny reason from err, if any.
func ReasonOf(err error) (DenyReason, bool) {
	var de *DenyError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}
