package httpapi

import (
	"net/http"
	"time"

	"ecofleet.org/internal/auth"
)

type tokenRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string      `json:"token"`
	TokenType string      `json:"token_type"`
	ExpiresAt time.Time   `json:"expires_at"`
	Actor     *auth.Actor `json:"actor"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, exp, actor, err := a.auth.Login(r.Context(), req.Handle, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: exp,
		Actor:     actor,
	})
}

type meResponse struct {
	Actor       *auth.Actor       `json:"actor"`
	Scope       auth.Scope        `json:"scope"`
	Permissions []auth.Permission `json:"permissions"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	perms, err := a.auth.EffectivePermissions(r.Context(), actor, actor.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Actor: actor, Scope: auth.Resolve(actor), Permissions: perms})
}
