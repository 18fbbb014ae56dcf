// Package app assembles the access service from configuration and runs its servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"tourguide.org/internal/audit"
	"tourguide.org/internal/auth"
	"tourguide.org/internal/config"
	"tourguide.org/internal/httpapi"
	"tourguide.org/internal/migrate"
	"tourguide.org/internal/obs"
	"tourguide.org/internal/store/memory"
	"tourguide.org/internal/store/pg"
)

const shutdownTimeout = 10 * time.Second

// backend is what the service needs from a store implementation.
type backend interface {
	auth.RoleAdminStore
	auth.AuditSink
	Ping(ctx context.Context) error
}

// App owns every long-lived component of a running service.
type App struct {
	cfg        *config.Config
	log        *slog.Logger
	identities auth.IdentityStore
	closers    []func(context.Context) error

	Service *auth.Service
	RBAC    *auth.RBACService
	Sweeper *auth.Sweeper
	API     *httpapi.API
	GRPC    *httpapi.GRPCServer
}

// New wires the service. With cfg.Memory the in-memory store is used; otherwise PostgreSQL,
// migrated first when cfg.AutoMigrate is set.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, log: obs.Logger()}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	var (
		store      backend
		identities auth.IdentityStore
		sessions   auth.SessionStore
	)
	if cfg.Memory {
		mem := memory.New()
		store, identities, sessions = mem, mem.Identities(), mem.Sessions()
		a.log.Warn("using in-memory store; state is lost on restart")
	} else {
		db, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		if cfg.AutoMigrate {
			mgr, err := migrate.NewManager(db.DB(), migrate.WithLogger(a.log))
			if err != nil {
				return err
			}
			if err := mgr.Up(ctx); err != nil {
				return err
			}
		}
		store, identities, sessions = db, db.Identities(), db.Sessions()
	}

	sink := audit.NewAsync(audit.Tee{store, audit.NewLogSink(a.log)}, cfg.AuditBufferSize, a.log)
	a.closers = append(a.closers, sink.Close)

	tokens, err := auth.NewTokenCodec([]byte(cfg.Auth.TokenSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		return err
	}
	sessionMgr, err := auth.NewSessionManager(sessions, identities, []byte(cfg.Auth.FingerprintKey),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithSessionLogger(a.log),
	)
	if err != nil {
		return err
	}
	cache := auth.NewMemoryCache()
	resolver, err := auth.NewPermissionResolver(store,
		auth.WithPermissionTTL(cfg.Auth.PermissionTTL),
		auth.WithPermissionCache(cache),
	)
	if err != nil {
		return err
	}
	a.Service, err = auth.NewService(identities, tokens, sessionMgr, resolver,
		auth.WithLogger(a.log),
		auth.WithAudit(sink),
		auth.WithRoleAdmin(store),
	)
	if err != nil {
		return err
	}
	a.RBAC, err = auth.NewRBACService(store, resolver)
	if err != nil {
		return err
	}
	if err := a.RBAC.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seed builtin roles: %w", err)
	}
	a.identities = identities
	if err := a.bootstrapAdmin(ctx); err != nil {
		return err
	}

	a.Sweeper, err = auth.NewSweeper(sessionMgr,
		auth.WithSweepInterval(cfg.Auth.SweepInterval),
		auth.WithSweepCache(cache),
		auth.WithSweepLogger(a.log),
	)
	if err != nil {
		return err
	}

	a.API = httpapi.New(a.Service, a.RBAC, store, httpapi.Options{
		Version:            obs.Version,
		CORSAllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		LoginRateRPS:       cfg.HTTP.LoginRateRPS,
		LoginRateBurst:     cfg.HTTP.LoginRateBurst,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		TrustProxy:         cfg.HTTP.TrustProxy,
		Logger:             a.log,
	})
	a.closers = append(a.closers, func(context.Context) error { a.API.Close(); return nil })
	a.GRPC = httpapi.NewGRPCServer(a.Service, store, httpapi.PublicHealthMethods...)
	return nil
}

func (a *App) bootstrapAdmin(ctx context.Context) error {
	email := a.cfg.Auth.BootstrapAdminEmail
	if email == "" {
		return nil
	}
	if _, err := a.identities.FindByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("look up bootstrap admin: %w", err)
	}
	admin, err := a.Service.Register(ctx, email, a.cfg.Auth.BootstrapAdminPassword, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	a.log.Info("bootstrap admin created", "identity_id", admin.ID, "email", admin.Email)
	return nil
}

// Run serves HTTP and gRPC until ctx is cancelled or a server fails, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.API.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	a.Sweeper.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", "addr", httpSrv.Addr, "version", obs.Version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info("grpc listening", "addr", grpcLis.Addr().String())
		return a.GRPC.Server().Serve(grpcLis)
	})
	g.Go(func() error {
		a.GRPC.WatchReadiness(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.GRPC.GracefulStop()
		if err := a.Sweeper.Stop(shutdownCtx); err != nil {
			a.log.Warn("sweeper stop", "error", err)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases stores, flushes the audit queue and stops background work, in reverse order
// of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
