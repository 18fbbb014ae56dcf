package httpapi

import (
	"net/http"
	"time"

	"tourguide.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type identityView struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func viewIdentity(i *auth.Identity) identityView {
	return identityView{
		ID:          i.ID,
		Email:       i.Email,
		Role:        string(i.Role),
		Active:      i.Active,
		LastLoginAt: i.LastLoginAt,
		CreatedAt:   i.CreatedAt,
	}
}

type loginResponse struct {
	Identity  identityView `json:"identity"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type meResponse struct {
	Identity         identityView `json:"identity"`
	Permissions      []string     `json:"permissions"`
	SessionExpiresAt time.Time    `json:"session_expires_at"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	res, err := a.svc.Login(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		OriginIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Identity:  viewIdentity(&res.Identity),
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), principal.Session.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.svc.LogoutAll(r.Context(), principal.Identity.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	set, err := a.svc.Permissions(r.Context(), principal)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	names := set.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		Identity:         viewIdentity(principal.Identity),
		Permissions:      names,
		SessionExpiresAt: principal.Session.ExpiresAt,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), principal.Identity.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
