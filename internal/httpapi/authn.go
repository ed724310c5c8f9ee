package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/obs"
	"agentvoice.io/internal/ratelimit"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "

	detailUnauthenticated = "Could not validate credentials"
)

// authenticated resolves the caller's identity and tenant before next runs.
// Authorization is left to next, which composes auth predicates explicitly.
func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, method, err := a.resolveIdentity(r)
		if err != nil {
			a.writeAuthError(w, r, err, method)
			return
		}
		tenant, err := a.tenantRes.Resolve(r.Context(), id)
		if err != nil {
			a.writeAuthError(w, r, err, method)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithTenant(ctx, tenant)
		ctx = obs.WithLogger(ctx, obs.FromContext(ctx).With(
			zap.String("user_id", id.ID),
			zap.String("organization_id", tenant.ID),
		))
		next(w, r.WithContext(ctx))
	})
}

// resolveIdentity prefers X-API-Key when present, otherwise the bearer token.
func (a *API) resolveIdentity(r *http.Request) (*auth.Identity, auth.Method, error) {
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		id, err := a.identities.ResolveAPIKey(r.Context(), key)
		return id, auth.MethodAPIKey, err
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, auth.MethodBearer, fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
	}
	id, err := a.identities.ResolveBearer(r.Context(), token)
	return id, auth.MethodBearer, err
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func identityFrom(ctx context.Context) (*auth.Identity, *auth.Tenant) {
	id, _ := auth.IdentityFromContext(ctx)
	t, _ := auth.TenantFromContext(ctx)
	return id, t
}

// writeAuthError is the one place auth errors become HTTP responses. method selects the
// WWW-Authenticate challenge on 401; pass "" when the failure is not tied to a credential.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error, method auth.Method) {
	var policy *auth.PolicyError
	switch {
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		writeRateLimited(w, r, int(ratelimit.DefaultWindow.Seconds()))
	case errors.Is(err, auth.ErrInvalidCredentials):
		a.metrics.AuthFailure("invalid_credentials")
		writeError(w, r, http.StatusUnauthorized, "Incorrect email or password")
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		reason := "unauthenticated"
		if errors.Is(err, auth.ErrInvalidToken) {
			reason = "invalid_token"
		}
		a.metrics.AuthFailure(reason)
		if method == auth.MethodBearer {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		writeError(w, r, http.StatusUnauthorized, detailUnauthenticated)
	case errors.As(err, &policy):
		a.metrics.AuthFailure("forbidden")
		writeError(w, r, http.StatusForbidden, policy.Error())
	case errors.Is(err, auth.ErrTenantSuspended):
		a.metrics.AuthFailure("tenant_suspended")
		writeError(w, r, http.StatusForbidden, "Organization is suspended")
	case errors.Is(err, auth.ErrForbidden):
		a.metrics.AuthFailure("forbidden")
		writeError(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "Resource already exists")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, inputDetail(err))
	default:
		obs.FromContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("error_type", fmt.Sprintf("%T", err)),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

// inputDetail strips the sentinel prefix from a validation error.
func inputDetail(err error) string {
	msg := strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return "Invalid input"
	}
	return msg
}
