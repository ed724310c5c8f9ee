package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentvoice.io/internal/audit"
	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/config"
	"agentvoice.io/internal/httpapi"
	"agentvoice.io/internal/obs"
	"agentvoice.io/internal/ratelimit"
	"agentvoice.io/internal/store/mem"
	"agentvoice.io/internal/store/pg"
	"agentvoice.io/internal/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentvoice-api: %v\n", err)
		os.Exit(1)
	}
}

type repositories struct {
	users   auth.UserRepository
	tenants auth.TenantRepository
	ready   httpapi.ReadyProbe
	close   func() error
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := obs.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName), zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, version, cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure, log)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	clk := clock.New()
	hasher := auth.NewHasher(cfg.Auth.BcryptCost, cfg.Auth.HashWorkers)
	repos, err := openRepositories(ctx, cfg, hasher, log)
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenService(cfg.Auth.Secret,
		auth.WithAlgorithm(cfg.Auth.Algorithm),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithClock(clk),
	)
	if err != nil {
		return multierr.Append(err, repos.close())
	}
	tenants := auth.NewTenantResolver(repos.tenants)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute,
		ratelimit.WithClock(clk),
		ratelimit.WithExemptPaths(cfg.RateLimit.ExemptPaths...),
	)
	throttle := ratelimit.NewThrottle(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst, clk)

	trusted, err := cfg.RateLimit.TrustedProxyPrefixes()
	if err != nil {
		return multierr.Append(err, repos.close())
	}

	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version, commit)

	api := httpapi.New(httpapi.Deps{
		Users:          repos.users,
		Tenants:        repos.tenants,
		Identities:     auth.NewIdentityResolver(tokens, repos.users, clk, log),
		TenantResolver: tenants,
		Authenticator:  auth.NewAuthenticator(repos.users, tenants, hasher, tokens, clk, log),
		Limiter:        limiter,
		LoginThrottle:  throttle,
		Metrics:        metrics,
		Audit:          audit.NewRecorder(log),
		Logger:         log,
		Clock:          clk,
		Ready:          repos.ready,
		Version:        version,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trusted,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(api.Handler(), cfg.ServiceName),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error { return throttle.Run(gctx) })
	g.Go(func() error {
		log.Info("starting http server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(shutdownCtx),
			shutdownTracing(shutdownCtx),
		)
	})

	err = g.Wait()
	err = multierr.Append(err, repos.close())
	log.Info("stopped")
	return err
}

// openRepositories connects to PostgreSQL, or falls back to an in-memory store seeded with
// demo data when no DSN is configured.
func openRepositories(ctx context.Context, cfg config.Config, hasher *auth.Hasher, log *zap.Logger) (repositories, error) {
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return repositories{}, fmt.Errorf("open db: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			log.Warn("database not reachable yet", zap.Error(err))
		}
		return repositories{
			users:   store.Users(),
			tenants: store.Tenants(),
			ready:   store.Ping,
			close:   store.Close,
		}, nil
	}

	log.Warn("AGENTVOICE_PG_DSN not set, using in-memory store")
	store := mem.New()
	if cfg.DemoPassword != "" {
		if err := seedDemo(ctx, store, hasher, cfg.DemoPassword); err != nil {
			return repositories{}, err
		}
		log.Info("seeded demo organization", zap.String("admin", "admin@demo.agentvoice.io"))
	}
	return repositories{
		users:   store.Users(),
		tenants: store.Tenants(),
		close:   func() error { return nil },
	}, nil
}

func seedDemo(ctx context.Context, store *mem.Store, hasher *auth.Hasher, password string) error {
	hash, err := hasher.Hash(ctx, password)
	if err != nil {
		return fmt.Errorf("hash demo password: %w", err)
	}
	now := time.Now().UTC()
	platform := store.PutTenant(auth.Tenant{Name: "AgentVoice Platform", Slug: "platform", CreatedAt: now, UpdatedAt: now})
	demo := store.PutTenant(auth.Tenant{Name: "Demo Realty", Slug: "demo", CreatedAt: now, UpdatedAt: now})
	for _, u := range []auth.Identity{
		{Email: "root@agentvoice.io", Role: auth.RoleSuperAdmin, OrganizationID: platform.ID, IsSuperAdmin: true},
		{Email: "admin@demo.agentvoice.io", Role: auth.RoleAdmin, OrganizationID: demo.ID},
		{Email: "agent@demo.agentvoice.io", Role: auth.RoleAgent, OrganizationID: demo.ID},
	} {
		u.PasswordHash = hash
		u.IsActive = true
		u.CreatedAt, u.UpdatedAt = now, now
		store.PutUser(u)
	}
	return nil
}
