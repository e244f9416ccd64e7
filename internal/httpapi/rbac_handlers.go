package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ecofleet.org/internal/auth"
)

type createActorRequest struct {
	Handle         string  `json:"handle"`
	Password       string  `json:"password"`
	Role           string  `json:"role"`
	CompanyID      *int64  `json:"company_id"`
	DistrictAccess []int64 `json:"district_access"`
}

type districtsRequest struct {
	Districts []int64 `json:"districts"`
}

type permissionsRequest struct {
	Permissions map[string]bool `json:"permissions"`
}

func (a *API) createActor(w http.ResponseWriter, r *http.Request) {
	var req createActorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, err := a.auth.CreateActor(r.Context(), actorFrom(r), auth.NewActor{
		Handle:         req.Handle,
		Password:       req.Password,
		Role:           req.Role,
		CompanyID:      req.CompanyID,
		DistrictAccess: req.DistrictAccess,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", actor.ID))
	writeJSON(w, http.StatusCreated, actor)
}

func (a *API) listActors(w http.ResponseWriter, r *http.Request) {
	f, err := scopeFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actors, err := a.auth.ListActors(r.Context(), actorFrom(r), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": actors, "count": len(actors)})
}

func (a *API) getActor(w http.ResponseWriter, r *http.Request) {
	actor, err := a.auth.GetActor(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) deactivateActor(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.DeactivateActor(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setDistricts(w http.ResponseWriter, r *http.Request) {
	var req districtsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.SetDistrictAccess(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Districts); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setOverrides(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.SetOverrides(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Permissions); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	perms, err := a.auth.EffectivePermissions(r.Context(), actorFrom(r), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor_id": id, "permissions": perms})
}

func (a *API) rolePermissions(w http.ResponseWriter, r *http.Request) {
	companyID, err := queryInt64(r, "company_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := strings.TrimSpace(chi.URLParam(r, "role"))
	perms, err := a.auth.RolePermissions(r.Context(), actorFrom(r), role, companyID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "company_id": companyID, "permissions": perms})
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	companyID, err := queryInt64(r, "company_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req permissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := strings.TrimSpace(chi.URLParam(r, "role"))
	if err := a.auth.SetRolePermissions(r.Context(), actorFrom(r), role, companyID, req.Permissions); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
