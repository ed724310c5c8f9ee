package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"agentvoice.io/internal/audit"
	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/obs"
	"agentvoice.io/internal/ratelimit"
)

const serviceName = "agentvoice-api"

// ReadyProbe reports whether dependencies (the database) can serve requests.
type ReadyProbe func(ctx context.Context) error

// Deps are the collaborators of the HTTP layer. Users, Tenants, Identities, TenantResolver and
// Authenticator are required; everything else is optional.
type Deps struct {
	Users          auth.UserRepository
	Tenants        auth.TenantRepository
	Identities     *auth.IdentityResolver
	TenantResolver *auth.TenantResolver
	Authenticator  *auth.Authenticator

	Limiter       *ratelimit.Limiter
	LoginThrottle *ratelimit.Throttle
	Metrics       *obs.Metrics
	Audit         *audit.Recorder
	Logger        *zap.Logger
	Clock         clock.Clock
	Ready         ReadyProbe

	Version      string
	MaxBodyBytes int64
	CORSOrigins  []string
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address is the client.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux

	users         auth.UserRepository
	tenants       auth.TenantRepository
	identities    *auth.IdentityResolver
	tenantRes     *auth.TenantResolver
	authn         *auth.Authenticator
	limiter       *ratelimit.Limiter
	loginThrottle *ratelimit.Throttle
	metrics       *obs.Metrics
	audit         *audit.Recorder
	log           *zap.Logger
	clock         clock.Clock
	ready         ReadyProbe

	version      string
	maxBodyBytes int64
	corsOrigins  []string
	trusted      []netip.Prefix
}

func New(d Deps) *API {
	a := &API{
		mux:           http.NewServeMux(),
		users:         d.Users,
		tenants:       d.Tenants,
		identities:    d.Identities,
		tenantRes:     d.TenantResolver,
		authn:         d.Authenticator,
		limiter:       d.Limiter,
		loginThrottle: d.LoginThrottle,
		metrics:       d.Metrics,
		audit:         d.Audit,
		log:           d.Logger,
		clock:         d.Clock,
		ready:         d.Ready,
		version:       d.Version,
		maxBodyBytes:  d.MaxBodyBytes,
		corsOrigins:   d.CORSOrigins,
		trusted:       d.TrustedProxies,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.audit == nil {
		a.audit = audit.NewRecorder(a.log)
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	if a.limiter != nil {
		a.metrics.GaugeFunc("ratelimit_tracked_clients", "Clients currently tracked by the request limiter.",
			func() float64 { return float64(a.limiter.Len()) })
	}

	// health/ready/info
	a.mux.HandleFunc("GET /health", a.Healthz)
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	if a.metrics != nil {
		a.mux.Handle("GET /metrics", a.metrics.Handler())
	}

	// auth
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.Handle("GET /v1/auth/me", a.authenticated(a.handleMe))
	a.mux.Handle("POST /v1/auth/password", a.authenticated(a.handleChangePassword))

	// tenant-scoped
	a.mux.Handle("GET /v1/organizations/{id}", a.authenticated(a.handleGetOrganization))
	a.mux.Handle("PATCH /v1/organizations/{id}/suspension", a.authenticated(a.handleSetSuspension))
	a.mux.Handle("GET /v1/users", a.authenticated(a.handleListUsers))
	a.mux.Handle("POST /v1/users", a.authenticated(a.handleCreateUser))
	a.mux.Handle("GET /v1/users/{id}", a.authenticated(a.handleGetUser))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found")
	})
	return a
}

// Handler returns the mux wrapped in the middleware pipeline. The rate limiter runs before
// any authentication.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.limiter, a.metrics)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = a.metrics.Instrument(h)
	h = Recover(h)
	h = Logging(h, a.log)
	h = RequestID(h)
	return ClientIP(h, a.trusted)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			obs.FromContext(r.Context()).Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.clock.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, detail string) {
	payload := map[string]any{
		"detail": detail,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
