package mgmt

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/l8e-harbor/l8e-harbor/internal/auth"
	herrors "github.com/l8e-harbor/l8e-harbor/internal/errors"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

const (
	adminRoleDetail       = "Admin role required"
	adminUnsupportedError = "Admin operations not supported with current authentication adapter"
)

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeErr(w, herrors.Newf(http.StatusBadRequest, "Invalid login request: %v", err))
		return
	}

	ac, err := a.adapter.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		if herrors.Is(err, herrors.ErrUnsupported) {
			a.writeErr(w, herrors.Newf(http.StatusNotImplemented, "Login not supported with current authentication adapter"))
			return
		}
		a.writeErr(w, err)
		return
	}
	if ac == nil {
		a.writeErr(w, herrors.Newf(http.StatusUnauthorized, "Invalid credentials"))
		return
	}

	token, err := a.adapter.IssueToken(r.Context(), ac.Subject, ac.Role, a.jwtTTL)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int(a.jwtTTL.Seconds()),
		TokenType:   "bearer",
	})
}

// handleLogout revokes the caller's token. Revocation is best effort; a
// persist failure still logs the caller out of this instance.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		herrors.ErrUnauthorized.WriteJSON(w)
		return
	}
	if ac.TokenID != "" {
		if _, err := a.adapter.RevokeToken(r.Context(), ac.TokenID); err != nil {
			a.logger.Warn("Token revocation not fully persisted")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	doc, err := a.adapter.JWKS(r.Context())
	if err != nil {
		if herrors.Is(err, herrors.ErrUnsupported) {
			a.writeErr(w, herrors.NotFound("JWKS not available with current authentication adapter"))
			return
		}
		a.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// userManager returns the adapter's account surface, or writes a 400
// when the adapter has none.
func (a *API) userManager(w http.ResponseWriter) (auth.UserManager, bool) {
	um, ok := a.adapter.(auth.UserManager)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": adminUnsupportedError})
		return nil, false
	}
	return um, true
}

func (a *API) handleBootstrap(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	um, ok := a.adapter.(auth.UserManager)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "Bootstrap not supported with current authentication adapter",
		})
		return
	}

	bootstrapped, err := um.IsBootstrapped(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if bootstrapped {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "System is already bootstrapped"})
		return
	}

	var req model.BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeErr(w, herrors.Newf(http.StatusBadRequest, "Invalid bootstrap request: %v", err))
		return
	}

	keysConfigured := false
	if req.JWTPrivateKey != "" && req.JWTPublicKey != "" {
		if err := um.ConfigureJWTKeys(r.Context(), req.JWTPrivateKey, req.JWTPublicKey); err != nil {
			a.writeErr(w, err)
			return
		}
		keysConfigured = true
	}

	_, err = um.CreateUser(r.Context(), model.UserCreateRequest{
		Username: req.AdminUsername,
		Password: req.AdminPassword,
		Role:     model.RoleHarborMaster,
		Meta:     map[string]any{"created_by": "bootstrap", "is_admin": true},
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.BootstrapResponse{
		AdminUserCreated:  true,
		JWTKeysConfigured: keysConfigured,
		Message:           "System bootstrapped successfully. Admin user '" + req.AdminUsername + "' created.",
	})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, adminRoleDetail); !ok {
		return
	}
	um, ok := a.userManager(w)
	if !ok {
		return
	}

	var req model.UserCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeErr(w, herrors.Newf(http.StatusBadRequest, "Invalid user request: %v", err))
		return
	}

	user, err := um.CreateUser(r.Context(), req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.DTO())
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, adminRoleDetail); !ok {
		return
	}
	um, ok := a.userManager(w)
	if !ok {
		return
	}

	users, err := um.ListUsers(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	dtos := make([]model.UserDTO, len(users))
	for i, u := range users {
		dtos[i] = u.DTO()
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, adminRoleDetail); !ok {
		return
	}
	um, ok := a.userManager(w)
	if !ok {
		return
	}

	user, err := um.GetUser(r.Context(), ps.ByName("username"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.DTO())
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, adminRoleDetail); !ok {
		return
	}
	um, ok := a.userManager(w)
	if !ok {
		return
	}

	var req model.UserUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeErr(w, herrors.Newf(http.StatusBadRequest, "Invalid user update: %v", err))
		return
	}

	user, err := um.UpdateUser(r.Context(), ps.ByName("username"), req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.DTO())
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, adminRoleDetail); !ok {
		return
	}
	um, ok := a.userManager(w)
	if !ok {
		return
	}

	username := ps.ByName("username")
	if err := um.DeleteUser(r.Context(), username); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "User '" + username + "' deleted successfully",
	})
}

func (a *API) handleAdminStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, ok := requireHarborMaster(w, r, adminRoleDetail); !ok {
		return
	}

	status := map[string]any{
		"auth_adapter": a.adapter.Type(),
		"bootstrapped": false,
		"user_count":   0,
		"admin_users":  []string{},
	}

	if um, ok := a.adapter.(auth.UserManager); ok {
		if bootstrapped, err := um.IsBootstrapped(r.Context()); err == nil {
			status["bootstrapped"] = bootstrapped
		}
		if users, err := um.ListUsers(r.Context()); err == nil {
			status["user_count"] = len(users)
			admins := []string{}
			for _, u := range users {
				if u.Role == model.RoleHarborMaster {
					admins = append(admins, u.Username)
				}
			}
			status["admin_users"] = admins
		}
	}

	if a.idx != nil {
		status["route_count"] = a.idx.Len()
	}
	if a.breakers != nil {
		status["breakers"] = a.breakers.Snapshot()
	}
	if a.prober != nil {
		status["backends"] = a.prober.Statuses()
	}
	writeJSON(w, http.StatusOK, status)
}
