package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"agentvoice.io/internal/audit"
	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/ratelimit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type tokenResponse struct {
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token"`
	TokenType        string         `json:"token_type"`
	ExpiresIn        int64          `json:"expires_in"`
	AccessExpiresAt  time.Time      `json:"access_expires_at"`
	RefreshExpiresAt time.Time      `json:"refresh_expires_at"`
	User             *auth.Identity `json:"user"`
}

type meResponse struct {
	User         *auth.Identity    `json:"user"`
	Organization *auth.Tenant      `json:"organization"`
	Permissions  []auth.Permission `json:"permissions"`
	AuthMethod   auth.Method       `json:"auth_method"`
}

func (a *API) newTokenResponse(pair auth.TokenPair, id *auth.Identity) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        pair.TokenType,
		ExpiresIn:        int64(pair.AccessExpiresAt.Sub(a.clock.Now()) / time.Second),
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             id,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.loginThrottle != nil && !a.loginThrottle.Allow(clientIP(r)) {
		a.metrics.RateLimited("login")
		a.writeAuthError(w, r, ratelimit.ErrRateLimitExceeded, "")
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, id, err := a.authn.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrForbidden) {
			_ = a.audit.Record(r.Context(), audit.EventLoginFailed,
				zap.String("email", req.Email),
				zap.String("remote_ip", clientIP(r)),
				zap.String("reason", loginFailureReason(err)),
			)
		}
		a.writeAuthError(w, r, err, "")
		return
	}

	ctx := auth.ContextWithIdentity(r.Context(), id)
	_ = a.audit.Record(ctx, audit.EventLoginSucceeded, zap.String("remote_ip", clientIP(r)))
	writeJSON(w, http.StatusOK, a.newTokenResponse(pair, id))
}

func loginFailureReason(err error) string {
	if errors.Is(err, auth.ErrTenantSuspended) {
		return "organization_suspended"
	}
	return "invalid_credentials"
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, id, err := a.authn.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeAuthError(w, r, err, auth.MethodBearer)
		return
	}
	_ = a.audit.Record(auth.ContextWithIdentity(r.Context(), id), audit.EventTokenRefreshed)
	writeJSON(w, http.StatusOK, a.newTokenResponse(pair, id))
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, tenant := identityFrom(r.Context())
	perms := make([]auth.Permission, 0)
	for p := range id.Permissions() {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	writeJSON(w, http.StatusOK, meResponse{
		User:         id,
		Organization: tenant,
		Permissions:  perms,
		AuthMethod:   id.Method,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.authn.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusBadRequest, "Current password is incorrect")
			return
		}
		a.writeAuthError(w, r, err, "")
		return
	}
	_ = a.audit.Record(r.Context(), audit.EventPasswordChanged)
	w.WriteHeader(http.StatusNoContent)
}
