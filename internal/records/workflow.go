package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/fleet"
	"ecofleet.org/internal/ids"
	"ecofleet.org/internal/obs"
	"ecofleet.org/internal/stream"
)

// Publisher receives successful transitions.
type Publisher interface {
	Publish(evt stream.Event)
}

// Service is the operational record workflow. Every mutation passes the
// authorization gate, the state machine, derived-field computation, structural
// validation and, where required, the sequential-day rule before it reaches
// the store.
type Service struct {
	store     Store
	dir       fleet.Directory
	gate      *auth.Gate
	sequence  *SequenceChecker
	recorder  audit.Recorder
	publisher Publisher
	now       func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithRecorder sets the audit sink for transitions.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithPublisher sets the live event sink.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the workflow.
func NewService(store Store, dir fleet.Directory, gate *auth.Gate, opts ...Option) (*Service, error) {
	if store == nil || dir == nil || gate == nil {
		return nil, errors.New("records: store, directory and gate are required")
	}
	s := &Service{
		store:    store,
		dir:      dir,
		gate:     gate,
		sequence: NewSequenceChecker(store),
		recorder: audit.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) finish(ctx context.Context, actor *auth.Actor, kind Kind, action, resource string, r *Record, err error) {
	outcome := outcomeOf(err)
	obs.ObserveTransition(string(kind), action, outcome)
	evt := audit.Event{
		Action:   "record." + action,
		Resource: string(kind) + "/" + resource,
		Decision: audit.DecisionSuccess,
	}
	if actor != nil {
		evt.ActorID = actor.ID
	}
	if err != nil {
		evt.Decision = audit.DecisionFailure
		evt.Reason = outcome
		evt.Fields = map[string]any{"error": err.Error()}
	} else if r != nil {
		evt.Fields = map[string]any{"status": string(r.Status), "version": r.Version}
	}
	s.recorder.Record(ctx, evt)

	if err == nil && r != nil && s.publisher != nil {
		s.publisher.Publish(stream.Event{
			Action:     action,
			RecordID:   r.ID,
			Kind:       string(r.Kind),
			VehicleID:  r.VehicleID,
			CompanyID:  r.CompanyID,
			DistrictID: r.DistrictID,
			DriverID:   r.DriverID,
			Date:       r.Date.Format(DateLayout),
			Status:     string(r.Status),
			Version:    r.Version,
			ActorID:    evt.ActorID,
			Timestamp:  s.now().UTC(),
		})
	}
}

func dayResource(vehicleID int64, day time.Time) string {
	return fmt.Sprintf("vehicle/%d/%s", vehicleID, day.Format(DateLayout))
}

// CreateOrUpdateRecord creates the record of kind for the vehicle and day, or
// updates it when it exists. Creation races on the same day resolve to one
// success and ErrConflict. Updates outside the initial status require an
// admin-tier actor and keep the current status.
func (s *Service) CreateOrUpdateRecord(ctx context.Context, actor *auth.Actor, kind Kind, vehicleID int64, date time.Time, payload Payload) (*Record, error) {
	day := Day(date)
	r, action, err := s.upsert(ctx, actor, kind, vehicleID, day, payload)
	resource := dayResource(vehicleID, day)
	if r != nil {
		resource = r.ID
	}
	s.finish(ctx, actor, kind, action, resource, r, err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) upsert(ctx context.Context, actor *auth.Actor, kind Kind, vehicleID int64, day time.Time, payload Payload) (*Record, string, error) {
	if !kind.Valid() {
		return nil, ActionCreate, invalid("unknown record kind %q", kind)
	}
	m := machines[kind]
	if err := s.gate.Require(ctx, actor, m.edit, auth.Vehicle(vehicleID)); err != nil {
		return nil, ActionCreate, err
	}
	vehicle, err := s.dir.Vehicle(ctx, vehicleID)
	if err != nil {
		return nil, ActionCreate, s.directoryErr(err)
	}
	if !vehicle.Active {
		return nil, ActionCreate, invalid("vehicle %d is deactivated", vehicle.ID)
	}

	existing, err := s.store.GetByDay(ctx, kind, vehicleID, day)
	switch {
	case errors.Is(err, ErrNotFound):
		r, err := s.create(ctx, actor, kind, vehicle, day, payload)
		return r, ActionCreate, err
	case err != nil:
		return nil, ActionUpdate, err
	}

	if err := checkEdit(kind, existing.Status, actor); err != nil {
		return nil, ActionUpdate, err
	}
	next := existing.Clone()
	next.Payload = payload
	if existing.Status == m.initial {
		next.OperatorID = actor.ID
	}
	derived := ComputeDerivedFields(*next)
	next = &derived
	if err := Validate(*next); err != nil {
		return nil, ActionUpdate, err
	}
	if err := s.checkReason(ctx, next.Payload.ReasonID, existing.Payload.ReasonID); err != nil {
		return nil, ActionUpdate, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, next, existing.Status, existing.Version); err != nil {
		return nil, ActionUpdate, err
	}
	return next, ActionUpdate, nil
}

func (s *Service) create(ctx context.Context, actor *auth.Actor, kind Kind, vehicle *fleet.Vehicle, day time.Time, payload Payload) (*Record, error) {
	now := s.now().UTC()
	r := Record{
		ID:         ids.New(),
		Kind:       kind,
		VehicleID:  vehicle.ID,
		CompanyID:  vehicle.CompanyID,
		DistrictID: vehicle.DistrictID,
		DriverID:   vehicle.DriverID,
		Date:       day,
		Status:     kind.InitialStatus(),
		Version:    1,
		CreatedBy:  actor.ID,
		OperatorID: actor.ID,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r = ComputeDerivedFields(r)
	if err := Validate(r); err != nil {
		return nil, err
	}
	if err := s.checkReason(ctx, r.Payload.ReasonID, nil); err != nil {
		return nil, err
	}
	// Work statuses are born pending, which is the submitted-equivalent
	// state, so the sequence rule applies at creation.
	if kind == KindWorkStatus {
		if err := s.sequence.ValidateDailySequence(ctx, kind, vehicle.ID, day); err != nil {
			return nil, err
		}
	}
	if err := s.store.Create(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// checkReason rejects newly referenced reasons that are unknown or
// deactivated. A reason already on the record stays valid after deactivation.
func (s *Service) checkReason(ctx context.Context, id, previous *int64) error {
	if id == nil {
		return nil
	}
	if previous != nil && *previous == *id {
		return nil
	}
	reason, err := s.dir.Reason(ctx, *id)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return invalid("unknown reason %d", *id)
		}
		return err
	}
	if !reason.Active {
		return invalid("reason %d is deactivated", *id)
	}
	return nil
}

func (s *Service) directoryErr(err error) error {
	if errors.Is(err, fleet.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// load fetches a record and authorizes perm against its vehicle.
func (s *Service) load(ctx context.Context, actor *auth.Actor, kind Kind, id string, perm func(machine) auth.Permission) (*Record, error) {
	r, err := s.store.Get(ctx, kind, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if err := s.gate.Require(ctx, actor, perm(machines[r.Kind]), auth.Vehicle(r.VehicleID)); err != nil {
		return nil, err
	}
	return r, nil
}

// Submit moves a trip sheet from draft to submitted once every earlier day of
// the month is present.
func (s *Service) Submit(ctx context.Context, actor *auth.Actor, id string) (*Record, error) {
	r, err := s.submit(ctx, actor, id)
	kind := Kind("")
	if r != nil {
		kind = r.Kind
	}
	s.finish(ctx, actor, kind, ActionSubmit, id, r, err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) submit(ctx context.Context, actor *auth.Actor, id string) (*Record, error) {
	cur, err := s.load(ctx, actor, "", id, func(m machine) auth.Permission { return m.submit })
	if err != nil {
		return nil, err
	}
	to, err := nextSubmit(cur.Kind, cur.Status)
	if err != nil {
		return cur, err
	}
	if err := s.sequence.ValidateDailySequence(ctx, cur.Kind, cur.VehicleID, cur.Date); err != nil {
		return cur, err
	}
	next := cur.Clone()
	now := s.now().UTC()
	next.Status = to
	next.SubmittedBy = actor.ID
	next.SubmittedAt = &now
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next, cur.Status, cur.Version); err != nil {
		return cur, err
	}
	return next, nil
}

// Decide approves or rejects a record waiting for a decision. The actor must
// be admin-tier and the vehicle must lie within its scope. Rejection requires
// a reason.
func (s *Service) Decide(ctx context.Context, actor *auth.Actor, id string, approve bool, reason string) (*Record, error) {
	action := ActionReject
	if approve {
		action = ActionApprove
	}
	r, err := s.decide(ctx, actor, id, approve, reason)
	kind := Kind("")
	if r != nil {
		kind = r.Kind
	}
	s.finish(ctx, actor, kind, action, id, r, err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) decide(ctx context.Context, actor *auth.Actor, id string, approve bool, reason string) (*Record, error) {
	cur, err := s.load(ctx, actor, "", id, func(m machine) auth.Permission { return m.view })
	if err != nil {
		return nil, err
	}
	action := ActionReject
	if approve {
		action = ActionApprove
	}
	if Terminal(cur.Status) && (actor == nil || !actor.Role.IsAdminTier()) {
		return cur, &TransitionError{Kind: cur.Kind, From: cur.Status, Action: action, Reason: auth.ReasonImmutableRecord}
	}
	m := machines[cur.Kind]
	if err := s.gate.Require(ctx, actor, m.decide, auth.Vehicle(cur.VehicleID)); err != nil {
		return cur, err
	}
	if err := auth.RequireAdminTier(actor, m.decide); err != nil {
		return cur, err
	}
	to, err := nextDecision(cur.Kind, cur.Status, approve)
	if err != nil {
		return cur, err
	}
	reason = strings.TrimSpace(reason)
	if !approve && reason == "" {
		return cur, invalid("rejection requires a reason")
	}
	next := cur.Clone()
	now := s.now().UTC()
	next.Status = to
	next.DecidedBy = actor.ID
	next.DecidedAt = &now
	next.RejectionReason = ""
	if !approve {
		next.RejectionReason = reason
	}
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next, cur.Status, cur.Version); err != nil {
		return cur, err
	}
	return next, nil
}

// Reopen returns a record to its initial status so it can be corrected and
// resubmitted. Admin-tier only.
func (s *Service) Reopen(ctx context.Context, actor *auth.Actor, id string) (*Record, error) {
	r, err := s.reopen(ctx, actor, id)
	kind := Kind("")
	if r != nil {
		kind = r.Kind
	}
	s.finish(ctx, actor, kind, ActionReopen, id, r, err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) reopen(ctx context.Context, actor *auth.Actor, id string) (*Record, error) {
	cur, err := s.load(ctx, actor, "", id, func(m machine) auth.Permission { return m.decide })
	if err != nil {
		return nil, err
	}
	if err := auth.RequireAdminTier(actor, machines[cur.Kind].decide); err != nil {
		return cur, err
	}
	to, err := nextReopen(cur.Kind, cur.Status)
	if err != nil {
		return cur, err
	}
	next := cur.Clone()
	next.Status = to
	next.SubmittedBy, next.SubmittedAt = "", nil
	next.DecidedBy, next.DecidedAt = "", nil
	next.RejectionReason = ""
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, next, cur.Status, cur.Version); err != nil {
		return cur, err
	}
	return next, nil
}

// Get returns a record visible to the actor.
func (s *Service) Get(ctx context.Context, actor *auth.Actor, id string) (*Record, error) {
	return s.load(ctx, actor, "", id, func(m machine) auth.Permission { return m.view })
}

// Visible reports without touching storage whether actor may view a record of
// kind at loc. Live subscribers are filtered with it.
func (s *Service) Visible(actor *auth.Actor, kind Kind, loc auth.Location) bool {
	if actor == nil || !actor.Active || !kind.Valid() {
		return false
	}
	if !s.gate.Catalog().HasPermission(actor, machines[kind].view) {
		return false
	}
	return auth.Resolve(actor).Contains(loc)
}

// GetByDay returns the record of kind for a vehicle and day.
func (s *Service) GetByDay(ctx context.Context, actor *auth.Actor, kind Kind, vehicleID int64, date time.Time) (*Record, error) {
	if !kind.Valid() {
		return nil, invalid("unknown record kind %q", kind)
	}
	if err := s.gate.Require(ctx, actor, machines[kind].view, auth.Vehicle(vehicleID)); err != nil {
		return nil, err
	}
	return s.store.GetByDay(ctx, kind, vehicleID, Day(date))
}

// List returns records of f.Kind within the actor's scope.
func (s *Service) List(ctx context.Context, actor *auth.Actor, f ListFilter) ([]*Record, error) {
	if !f.Kind.Valid() {
		return nil, invalid("unknown record kind %q", f.Kind)
	}
	perm := machines[f.Kind].view
	ref := auth.ResourceRef{}
	if f.VehicleID != nil {
		ref = auth.Vehicle(*f.VehicleID)
	}
	if err := s.gate.Require(ctx, actor, perm, ref); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Kind.ValidStatus(f.Status) {
		return nil, invalid("status %q does not apply to %s", f.Status, f.Kind)
	}
	scoped, err := auth.ApplyScope(auth.Resolve(actor), f.Scope)
	if err != nil {
		return nil, err
	}
	if scoped.Nothing {
		return []*Record{}, nil
	}
	f.Scope = scoped
	if !f.From.IsZero() {
		f.From = Day(f.From)
	}
	if !f.To.IsZero() {
		f.To = Day(f.To)
	}
	return s.store.List(ctx, f)
}

// SaveStatus previews whether a day can be saved in a satisfying state.
type SaveStatus struct {
	Kind      Kind      `json:"kind"`
	VehicleID int64     `json:"vehicle_id"`
	Date      string    `json:"date"`
	CanSave   bool      `json:"can_save"`
	Missing   []string  `json:"missing_dates"`
	Existing  *Record   `json:"existing,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// DailySaveStatus reports the missing days that block the given day without
// changing anything.
func (s *Service) DailySaveStatus(ctx context.Context, actor *auth.Actor, kind Kind, vehicleID int64, date time.Time) (SaveStatus, error) {
	if !kind.Valid() {
		return SaveStatus{}, invalid("unknown record kind %q", kind)
	}
	if err := s.gate.Require(ctx, actor, machines[kind].view, auth.Vehicle(vehicleID)); err != nil {
		return SaveStatus{}, err
	}
	day := Day(date)
	missing, err := s.sequence.Missing(ctx, kind, vehicleID, day)
	if err != nil {
		return SaveStatus{}, err
	}
	out := SaveStatus{
		Kind:      kind,
		VehicleID: vehicleID,
		Date:      day.Format(DateLayout),
		CanSave:   len(missing) == 0,
		Missing:   make([]string, len(missing)),
		CheckedAt: s.now().UTC(),
	}
	for i, d := range missing {
		out.Missing[i] = d.Format(DateLayout)
	}
	existing, err := s.store.GetByDay(ctx, kind, vehicleID, day)
	switch {
	case err == nil:
		out.Existing = existing
	case !errors.Is(err, ErrNotFound):
		return SaveStatus{}, err
	}
	return out, nil
}
