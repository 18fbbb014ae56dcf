package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tourguide.org/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	role := auth.Role(strings.TrimSpace(strings.ToLower(req.Role)))
	identity, err := a.svc.Register(r.Context(), req.Email, req.Password, role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/identities/%s", identity.ID))
	writeJSON(w, http.StatusCreated, viewIdentity(identity))
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.Deactivate(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, true)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, false)
}

func (a *API) changeRole(w http.ResponseWriter, r *http.Request, assign bool) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac_unavailable", "role administration unavailable")
		return
	}
	identityID := chi.URLParam(r, "id")
	role, err := a.rbac.FindRole(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if assign {
		err = a.rbac.AssignRole(r.Context(), identityID, role.ID)
	} else {
		err = a.rbac.RevokeRole(r.Context(), identityID, role.ID)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
