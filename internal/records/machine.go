package records

import "ecofleet.org/internal/auth"

// Workflow actions.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionReopen  = "reopen"
)

type machine struct {
	initial    Status
	submitTo   Status // empty when the kind has no submit step
	decideFrom Status
	approveTo  Status
	rejectTo   Status

	view, edit, submit, decide auth.Permission
}

var machines = map[Kind]machine{
	KindTripSheet: {
		initial:    StatusDraft,
		submitTo:   StatusSubmitted,
		decideFrom: StatusSubmitted,
		approveTo:  StatusApproved,
		rejectTo:   StatusRejected,
		view:       auth.PermViewTripSheets,
		edit:       auth.PermEditTripSheets,
		submit:     auth.PermSubmitTripSheets,
		decide:     auth.PermApproveTripSheets,
	},
	KindWorkStatus: {
		initial:    StatusPending,
		decideFrom: StatusPending,
		approveTo:  StatusConfirmed,
		rejectTo:   StatusRejected,
		view:       auth.PermViewWorkStatuses,
		edit:       auth.PermEditWorkStatuses,
		submit:     auth.PermEditWorkStatuses,
		decide:     auth.PermConfirmWorkStatuses,
	},
}

// InitialStatus is the status a new record of kind k starts in. Only this
// status is editable by non-admin actors.
func (k Kind) InitialStatus() Status { return machines[k].initial }

// ValidStatus reports whether s belongs to the kind's state machine.
func (k Kind) ValidStatus(s Status) bool {
	if s == "" {
		return false
	}
	m := machines[k]
	return s == m.initial || s == m.submitTo || s == m.decideFrom || s == m.approveTo || s == m.rejectTo
}

// SatisfiesSequence reports whether a record in status s counts as present
// for the sequential-day rule. Drafts and rejected days do not.
func SatisfiesSequence(s Status) bool {
	switch s {
	case StatusSubmitted, StatusApproved, StatusPending, StatusConfirmed:
		return true
	}
	return false
}

// Terminal reports whether s is closed to ordinary transitions.
func Terminal(s Status) bool {
	return s == StatusApproved || s == StatusConfirmed || s == StatusRejected
}

func deny(k Kind, from Status, action string) error {
	return &TransitionError{Kind: k, From: from, Action: action}
}

// nextSubmit returns the status after a submit from the given status.
func nextSubmit(k Kind, from Status) (Status, error) {
	m := machines[k]
	if m.submitTo == "" || from != m.initial {
		return "", deny(k, from, ActionSubmit)
	}
	return m.submitTo, nil
}

// nextDecision returns the status after an approve or reject decision.
func nextDecision(k Kind, from Status, approve bool) (Status, error) {
	m := machines[k]
	action := ActionReject
	if approve {
		action = ActionApprove
	}
	if from != m.decideFrom {
		return "", deny(k, from, action)
	}
	if approve {
		return m.approveTo, nil
	}
	return m.rejectTo, nil
}

// nextReopen returns the initial status for a record outside it.
func nextReopen(k Kind, from Status) (Status, error) {
	m := machines[k]
	if from == m.initial {
		return "", deny(k, from, ActionReopen)
	}
	return m.initial, nil
}

// checkEdit enforces that only admin-tier actors touch records outside the
// initial status.
func checkEdit(k Kind, from Status, actor *auth.Actor) error {
	if from == machines[k].initial {
		return nil
	}
	if actor != nil && actor.Role.IsAdminTier() {
		return nil
	}
	return &TransitionError{Kind: k, From: from, Action: ActionUpdate, Reason: auth.ReasonImmutableRecord}
}
