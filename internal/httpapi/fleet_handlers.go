package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
)

type nameRequest struct {
	Name string `json:"name"`
}

type vehicleRequest struct {
	Plate string `json:"plate"`
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

type reasonRequest struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Name     string `json:"name"`
}

func (a *API) listCompanies(w http.ResponseWriter, r *http.Request) {
	items, err := a.fleet.ListCompanies(r.Context(), actorFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) createCompany(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.fleet.CreateCompany(r.Context(), actorFrom(r), req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/companies/%d", c.ID))
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) createDistrict(w http.ResponseWriter, r *http.Request) {
	companyID, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req nameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.fleet.CreateDistrict(r.Context(), actorFrom(r), companyID, req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDistricts(w http.ResponseWriter, r *http.Request) {
	f, err := scopeFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.fleet.ListDistricts(r.Context(), actorFrom(r), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) createVehicle(w http.ResponseWriter, r *http.Request) {
	districtID, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req vehicleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.fleet.CreateVehicle(r.Context(), actorFrom(r), districtID, req.Plate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/vehicles/%d", v.ID))
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) listVehicles(w http.ResponseWriter, r *http.Request) {
	f, err := scopeFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.fleet.ListVehicles(r.Context(), actorFrom(r), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) getVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.fleet.Vehicle(r.Context(), actorFrom(r), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) assignDriver(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req driverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.fleet.AssignDriver(r.Context(), actorFrom(r), id, req.DriverID); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deactivateVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.fleet.DeactivateVehicle(r.Context(), actorFrom(r), id); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listReasons(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	items, err := a.fleet.ListReasons(r.Context(), actorFrom(r), all)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) createReason(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason, err := a.fleet.CreateReason(r.Context(), actorFrom(r), req.Category, req.Severity, req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reason)
}

func (a *API) deactivateReason(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.fleet.DeactivateReason(r.Context(), actorFrom(r), id); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
