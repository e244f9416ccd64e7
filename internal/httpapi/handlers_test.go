package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/fleet"
	"ecofleet.org/internal/records"
	"ecofleet.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	fleet   *fleet.InMemory
	vehicle *fleet.Vehicle
	foreign *fleet.Vehicle
	reason  *fleet.WorkStatusReason
	root    string
	admin   string
	op      string
	opID    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	on := auth.Lifecycle{Active: true}

	dir := fleet.NewInMemory()
	a := &fleet.Company{Name: "Alpha", Lifecycle: on}
	b := &fleet.Company{Name: "Beta", Lifecycle: on}
	for _, c := range []*fleet.Company{a, b} {
		if err := dir.CreateCompany(ctx, c); err != nil {
			t.Fatalf("create company: %v", err)
		}
	}
	north := &fleet.District{CompanyID: a.ID, Name: "North", Lifecycle: on}
	east := &fleet.District{CompanyID: b.ID, Name: "East", Lifecycle: on}
	for _, d := range []*fleet.District{north, east} {
		if err := dir.CreateDistrict(ctx, d); err != nil {
			t.Fatalf("create district: %v", err)
		}
	}
	env := &testEnv{fleet: dir}
	env.vehicle = &fleet.Vehicle{CompanyID: a.ID, DistrictID: north.ID, Plate: "A 001", Lifecycle: on}
	env.foreign = &fleet.Vehicle{CompanyID: b.ID, DistrictID: east.ID, Plate: "B 001", Lifecycle: on}
	for _, v := range []*fleet.Vehicle{env.vehicle, env.foreign} {
		if err := dir.CreateVehicle(ctx, v); err != nil {
			t.Fatalf("create vehicle: %v", err)
		}
	}
	env.reason = &fleet.WorkStatusReason{Category: "repair", Severity: "high", Name: "Engine", Lifecycle: on}
	if err := dir.CreateReason(ctx, env.reason); err != nil {
		t.Fatalf("create reason: %v", err)
	}

	rec := &audit.Memory{}
	catalog := auth.NewCatalogHolder(nil)
	gate := auth.NewGate(catalog, fleet.Locator{Dir: dir}, rec)
	actors := auth.NewInMemoryStore()
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	authSvc, err := auth.NewService(actors, gate, catalog, tokens, auth.WithCustomStore(actors), auth.WithRecorder(rec))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	fleetSvc, err := fleet.NewService(dir, gate, rec)
	if err != nil {
		t.Fatalf("fleet service: %v", err)
	}
	events := stream.New(64)
	recordSvc, err := records.NewService(records.NewInMemory(), dir, gate, records.WithRecorder(rec), records.WithPublisher(events))
	if err != nil {
		t.Fatalf("records service: %v", err)
	}

	root, _, err := authSvc.Bootstrap(ctx, "root", "rootpass")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := authSvc.CreateActor(ctx, root, auth.NewActor{Handle: "admin", Password: "pw", Role: "company_admin", CompanyID: &a.ID}); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	op, err := authSvc.CreateActor(ctx, root, auth.NewActor{Handle: "op", Password: "pw", Role: "operator", CompanyID: &a.ID, DistrictAccess: []int64{north.ID}})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}

	api, err := New(Deps{
		Auth:          authSvc,
		Fleet:         fleetSvc,
		Records:       recordSvc,
		Stream:        events,
		Version:       "test",
		RateBurst:     1000,
		RatePerSecond: 1000,
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	env.apiClient = &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
	env.root = env.login("root", "rootpass")
	env.admin = env.login("admin", "pw")
	env.op = env.login("op", "pw")
	env.opID = op.ID
	return env
}

func bearerHeader(token string) map[string]string {
	return map[string]string{authHeader: bearer + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, bearerHeader(token))
}

func (c *apiClient) login(handle, password string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/token", map[string]string{"handle": handle, "password": password}, nil)
	var body tokenResponse
	decodeBody(c.t, resp, http.StatusOK, &body)
	if body.Token == "" {
		c.t.Fatalf("login %s: empty token", handle)
	}
	return body.Token
}

func decodeBody(t *testing.T, resp *http.Response, want int, dst any) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, raw)
	}
	if dst == nil {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode body %s: %v", raw, err)
	}
}

func (e *testEnv) dayPath(kind records.Kind, vehicleID int64, date string) string {
	return fmt.Sprintf("/v1/records/%s/%d/%s", kind, vehicleID, date)
}

func tripBody() records.Payload {
	return records.Payload{OdometerStart: 1000, OdometerEnd: 1120, FuelStart: 50, FuelRefilled: 10, FuelConsumed: 25}
}

func (e *testEnv) putTrip(token string, vehicleID int64, date string, want int) records.Record {
	e.t.Helper()
	var rec records.Record
	resp := e.do(http.MethodPut, e.dayPath(records.KindTripSheet, vehicleID, date), tripBody(), bearerHeader(token))
	decodeBody(e.t, resp, want, &rec)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/healthz", nil, nil)
	var body map[string]any
	decodeBody(t, resp, http.StatusOK, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestReadyReportsDatabaseFailure(t *testing.T) {
	api := &API{ready: ReadyProbe{DB: failingPinger{}}}
	rr := httptest.NewRecorder()
	api.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	api.ready = ReadyProbe{}
	rr = httptest.NewRecorder()
	api.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/v1/auth/token", map[string]string{"handle": "op", "password": "nope"}, nil)
	decodeBody(t, resp, http.StatusUnauthorized, nil)
}

func TestMeReturnsScopeAndPermissions(t *testing.T) {
	env := newTestEnv(t)
	var body struct {
		Actor       auth.Actor        `json:"actor"`
		Scope       auth.Scope        `json:"scope"`
		Permissions []auth.Permission `json:"permissions"`
	}
	decodeBody(t, env.get("/v1/me", nil, env.op), http.StatusOK, &body)
	if body.Actor.Handle != "op" || body.Scope.Mode != auth.ScopeDistricts {
		t.Fatalf("unexpected me: %+v", body)
	}
	if len(body.Permissions) == 0 {
		t.Fatal("expected effective permissions")
	}
}

func TestTripSheetWorkflowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	v := env.vehicle.ID

	rec := env.putTrip(env.op, v, "2024-03-01", http.StatusCreated)
	if rec.Payload.TotalDistance != 120 || rec.Payload.FuelEnd != 35 {
		t.Fatalf("derived fields not computed: %+v", rec.Payload)
	}
	if rec.Status != records.StatusDraft {
		t.Fatalf("expected draft, got %s", rec.Status)
	}

	var submitted records.Record
	decodeBody(t, env.do(http.MethodPost, "/v1/records/"+rec.ID+"/submit", nil, bearerHeader(env.op)), http.StatusOK, &submitted)
	if submitted.Status != records.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", submitted.Status)
	}

	var denied map[string]any
	decodeBody(t, env.do(http.MethodPost, "/v1/records/"+rec.ID+"/decide", decideRequest{Decision: "approve"}, bearerHeader(env.op)), http.StatusForbidden, &denied)
	if denied["reason"] != string(auth.ReasonMissingPermission) {
		t.Fatalf("expected missing_permission, got %v", denied)
	}

	decodeBody(t, env.do(http.MethodPost, "/v1/records/"+rec.ID+"/decide", decideRequest{Decision: "reject"}, bearerHeader(env.admin)), http.StatusUnprocessableEntity, nil)

	var approved records.Record
	decodeBody(t, env.do(http.MethodPost, "/v1/records/"+rec.ID+"/decide", decideRequest{Decision: "approve"}, bearerHeader(env.admin)), http.StatusOK, &approved)
	if approved.Status != records.StatusApproved || approved.DecidedBy == "" {
		t.Fatalf("unexpected approved record: %+v", approved)
	}

	var immutable map[string]any
	resp := env.do(http.MethodPut, env.dayPath(records.KindTripSheet, v, "2024-03-01"), tripBody(), bearerHeader(env.op))
	decodeBody(t, resp, http.StatusConflict, &immutable)
	if immutable["reason"] != string(auth.ReasonImmutableRecord) {
		t.Fatalf("expected immutable_record, got %v", immutable)
	}

	var got records.Record
	decodeBody(t, env.get(env.dayPath(records.KindTripSheet, v, "2024-03-01"), nil, env.op), http.StatusOK, &got)
	if got.Version != approved.Version {
		t.Fatalf("record changed after rejected edit: %d != %d", got.Version, approved.Version)
	}
}

func TestSubmitReportsMissingDates(t *testing.T) {
	env := newTestEnv(t)
	v := env.vehicle.ID
	env.putTrip(env.op, v, "2024-03-01", http.StatusCreated)
	third := env.putTrip(env.op, v, "2024-03-03", http.StatusCreated)

	var gap struct {
		Code         string   `json:"code"`
		MissingDates []string `json:"missing_dates"`
	}
	decodeBody(t, env.do(http.MethodPost, "/v1/records/"+third.ID+"/submit", nil, bearerHeader(env.op)), http.StatusConflict, &gap)
	if gap.Code != "sequence_gap" {
		t.Fatalf("unexpected code %q", gap.Code)
	}
	want := []string{"2024-03-01", "2024-03-02"}
	if fmt.Sprint(gap.MissingDates) != fmt.Sprint(want) {
		t.Fatalf("missing dates = %v, want %v", gap.MissingDates, want)
	}

	var status records.SaveStatus
	params := url.Values{"kind": {"trip_sheet"}, "vehicle_id": {fmt.Sprint(v)}, "date": {"2024-03-03"}}
	decodeBody(t, env.get("/v1/records/save-status", params, env.op), http.StatusOK, &status)
	if status.CanSave || len(status.Missing) != 2 || status.Existing == nil {
		t.Fatalf("unexpected save status: %+v", status)
	}
}

func TestForeignVehicleIsOutOfScope(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	resp := env.do(http.MethodPut, env.dayPath(records.KindTripSheet, env.foreign.ID, "2024-03-01"), tripBody(), bearerHeader(env.admin))
	decodeBody(t, resp, http.StatusForbidden, &body)
	if body["reason"] != string(auth.ReasonOutOfScope) {
		t.Fatalf("expected out_of_scope, got %v", body)
	}
}

func TestListRecordsIsScoped(t *testing.T) {
	env := newTestEnv(t)
	env.putTrip(env.op, env.vehicle.ID, "2024-03-01", http.StatusCreated)
	env.putTrip(env.root, env.foreign.ID, "2024-03-01", http.StatusCreated)

	var list struct {
		Items []records.Record `json:"items"`
		Count int              `json:"count"`
	}
	decodeBody(t, env.get("/v1/records", url.Values{"kind": {"trip_sheet"}}, env.admin), http.StatusOK, &list)
	if list.Count != 1 || list.Items[0].VehicleID != env.vehicle.ID {
		t.Fatalf("admin should see only own company: %+v", list)
	}
	decodeBody(t, env.get("/v1/records", url.Values{"kind": {"trip_sheet"}}, env.root), http.StatusOK, &list)
	if list.Count != 2 {
		t.Fatalf("super admin should see both records, got %d", list.Count)
	}
	decodeBody(t, env.get("/v1/records", url.Values{"kind": {"trip_sheet"}, "company_id": {fmt.Sprint(env.foreign.CompanyID)}}, env.admin), http.StatusForbidden, nil)
	decodeBody(t, env.get("/v1/records", url.Values{"kind": {"bogus"}}, env.admin), http.StatusBadRequest, nil)
}

func TestWorkStatusRequiresReasonWhenNotWorking(t *testing.T) {
	env := newTestEnv(t)
	path := env.dayPath(records.KindWorkStatus, env.vehicle.ID, "2024-03-01")
	decodeBody(t, env.do(http.MethodPut, path, records.Payload{WorkStatus: records.NotWorking}, bearerHeader(env.op)), http.StatusUnprocessableEntity, nil)

	id := env.reason.ID
	var rec records.Record
	decodeBody(t, env.do(http.MethodPut, path, records.Payload{WorkStatus: records.NotWorking, ReasonID: &id}, bearerHeader(env.op)), http.StatusCreated, &rec)
	if rec.Status != records.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	decodeBody(t, env.do(http.MethodPost, "/v1/records/"+rec.ID+"/submit", nil, bearerHeader(env.op)), http.StatusConflict, nil)
}

func TestDeactivatedActorLosesAccess(t *testing.T) {
	env := newTestEnv(t)
	decodeBody(t, env.do(http.MethodPost, "/v1/users/"+env.opID+"/deactivate", nil, bearerHeader(env.admin)), http.StatusNoContent, nil)

	var body map[string]any
	decodeBody(t, env.get("/v1/me", nil, env.op), http.StatusUnauthorized, &body)
	if body["reason"] != string(auth.ReasonInactiveActor) {
		t.Fatalf("expected inactive_actor, got %v", body)
	}
	resp := env.do(http.MethodPost, "/v1/auth/token", map[string]string{"handle": "op", "password": "pw"}, nil)
	decodeBody(t, resp, http.StatusUnauthorized, nil)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/v1/records?kind=trip_sheet", nil, nil)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	decodeBody(t, resp, http.StatusUnauthorized, nil)

	decodeBody(t, env.get("/v1/me", nil, "not-a-token"), http.StatusUnauthorized, nil)
}

func TestAdminManagesFleetAndRoles(t *testing.T) {
	env := newTestEnv(t)

	var district fleet.District
	decodeBody(t, env.do(http.MethodPost, fmt.Sprintf("/v1/companies/%d/districts", env.vehicle.CompanyID), nameRequest{Name: "South"}, bearerHeader(env.admin)), http.StatusCreated, &district)
	var vehicle fleet.Vehicle
	decodeBody(t, env.do(http.MethodPost, fmt.Sprintf("/v1/districts/%d/vehicles", district.ID), vehicleRequest{Plate: "a 777"}, bearerHeader(env.admin)), http.StatusCreated, &vehicle)
	if vehicle.Plate != "A 777" || vehicle.CompanyID != env.vehicle.CompanyID {
		t.Fatalf("unexpected vehicle: %+v", vehicle)
	}
	decodeBody(t, env.do(http.MethodPost, fmt.Sprintf("/v1/districts/%d/vehicles", env.foreign.DistrictID), vehicleRequest{Plate: "X"}, bearerHeader(env.admin)), http.StatusForbidden, nil)

	decodeBody(t, env.do(http.MethodPost, "/v1/reasons", reasonRequest{Category: "c", Severity: "s", Name: "n"}, bearerHeader(env.admin)), http.StatusForbidden, nil)
	decodeBody(t, env.do(http.MethodPost, "/v1/reasons", reasonRequest{Category: "c", Severity: "s", Name: "n"}, bearerHeader(env.root)), http.StatusCreated, nil)

	decodeBody(t, env.do(http.MethodPut, "/v1/roles/operator/permissions", permissionsRequest{Permissions: map[string]bool{"view_reports": true}}, bearerHeader(env.admin)), http.StatusForbidden, nil)
	decodeBody(t, env.do(http.MethodPut, "/v1/roles/operator/permissions", permissionsRequest{Permissions: map[string]bool{"view_reports": true}}, bearerHeader(env.root)), http.StatusNoContent, nil)
	decodeBody(t, env.do(http.MethodPut, "/v1/roles/super_admin/permissions", permissionsRequest{Permissions: map[string]bool{"view_reports": false}}, bearerHeader(env.root)), http.StatusBadRequest, nil)

	var perms struct {
		Permissions []auth.Permission `json:"permissions"`
	}
	decodeBody(t, env.get("/v1/users/"+env.opID+"/permissions", nil, env.admin), http.StatusOK, &perms)
	found := false
	for _, p := range perms.Permissions {
		if p == auth.PermViewReports {
			found = true
		}
	}
	if !found {
		t.Fatalf("custom grant not applied: %v", perms.Permissions)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	decodeBody(t, env.do(http.MethodGet, "/nope", nil, nil), http.StatusNotFound, &body)
	if body["error"] == nil {
		t.Fatalf("expected error body, got %v", body)
	}
}
