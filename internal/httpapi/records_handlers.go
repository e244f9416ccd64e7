package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ecofleet.org/internal/records"
)

func parseKind(w http.ResponseWriter, r *http.Request, raw string) (records.Kind, bool) {
	kind, err := records.ParseKind(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return "", false
	}
	return kind, true
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, ok := parseKind(w, r, q.Get("kind"))
	if !ok {
		return
	}
	scope, err := scopeFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := records.ListFilter{Scope: scope, Kind: kind, Status: records.Status(strings.TrimSpace(q.Get("status")))}
	if f.VehicleID, err = queryInt64(r, "vehicle_id"); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if raw := q.Get("from"); raw != "" {
		if f.From, err = records.ParseDay(raw); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if f.To, err = records.ParseDay(raw); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if f.Limit, err = parsePositiveInt(q.Get("limit"), 100, 1, 1000); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	items, err := a.records.List(r.Context(), actorFrom(r), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.records.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// dayParams reads the kind, vehicle and date path segments.
func dayParams(w http.ResponseWriter, r *http.Request) (records.Kind, int64, string, bool) {
	kind, ok := parseKind(w, r, chi.URLParam(r, "kind"))
	if !ok {
		return "", 0, "", false
	}
	vehicleID, err := parseID(r, "vehicleID")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return "", 0, "", false
	}
	return kind, vehicleID, chi.URLParam(r, "date"), true
}

func (a *API) getRecordByDay(w http.ResponseWriter, r *http.Request) {
	kind, vehicleID, rawDate, ok := dayParams(w, r)
	if !ok {
		return
	}
	day, err := records.ParseDay(rawDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.records.GetByDay(r.Context(), actorFrom(r), kind, vehicleID, day)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// upsertRecord saves the day's record. The body is the record payload; derived
// totals in it are ignored and recomputed.
func (a *API) upsertRecord(w http.ResponseWriter, r *http.Request) {
	kind, vehicleID, rawDate, ok := dayParams(w, r)
	if !ok {
		return
	}
	day, err := records.ParseDay(rawDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var payload records.Payload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.records.CreateOrUpdateRecord(r.Context(), actorFrom(r), kind, vehicleID, day, payload)
	if err != nil {
		handleError(w, r, err)
		return
	}
	code := http.StatusOK
	if rec.Version == 1 {
		code = http.StatusCreated
	}
	writeJSON(w, code, rec)
}

func (a *API) submitRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.records.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type decideRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (a *API) decideRecord(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var approve bool
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "approve":
		approve = true
	case "reject":
	default:
		writeError(w, r, http.StatusBadRequest, `decision must be "approve" or "reject"`)
		return
	}
	rec, err := a.records.Decide(r.Context(), actorFrom(r), chi.URLParam(r, "id"), approve, req.Reason)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) reopenRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.records.Reopen(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) saveStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, ok := parseKind(w, r, q.Get("kind"))
	if !ok {
		return
	}
	vehicleID, err := queryInt64(r, "vehicle_id")
	if err != nil || vehicleID == nil {
		writeError(w, r, http.StatusBadRequest, "vehicle_id is required")
		return
	}
	day, err := records.ParseDay(q.Get("date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := a.records.DailySaveStatus(r.Context(), actorFrom(r), kind, *vehicleID, day)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
