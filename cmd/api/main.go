package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/config"
	"ecofleet.org/internal/fleet"
	"ecofleet.org/internal/httpapi"
	"ecofleet.org/internal/migrate"
	"ecofleet.org/internal/obs"
	"ecofleet.org/internal/records"
	"ecofleet.org/internal/store/pg"
	"ecofleet.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend bundles the storage implementations selected at start.
type backend struct {
	records records.Store
	fleet   fleet.Store
	actors  auth.ActorStore
	custom  auth.CustomStore
	audit   audit.Recorder
	ready   httpapi.ReadyProbe
	close   func() error
}

func main() {
	configPath := flag.String("config", "", "directory containing ecofleet.yaml")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("load config")
	}

	obs.InitLogger(os.Stdout, cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}
	defer func() { _ = be.close() }()

	catalog := auth.NewCatalogHolder(nil)
	if err := catalog.Reload(ctx, be.custom); err != nil {
		log.Fatal().Err(err).Msg("load permission catalog")
	}
	gate := auth.NewGate(catalog, fleet.Locator{Dir: be.fleet}, be.audit)
	tokens, err := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("token issuer")
	}
	cache, err := auth.NewActorCache(be.actors, 10_000, cfg.Auth.ActorCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("actor cache")
	}
	defer cache.Close()

	authSvc, err := auth.NewService(be.actors, gate, catalog, tokens,
		auth.WithActorCache(cache), auth.WithCustomStore(be.custom), auth.WithRecorder(be.audit))
	if err != nil {
		log.Fatal().Err(err).Msg("auth service")
	}
	fleetSvc, err := fleet.NewService(be.fleet, gate, be.audit)
	if err != nil {
		log.Fatal().Err(err).Msg("fleet service")
	}
	events := stream.New(64)
	recordSvc, err := records.NewService(be.records, be.fleet, gate,
		records.WithRecorder(be.audit), records.WithPublisher(events))
	if err != nil {
		log.Fatal().Err(err).Msg("records service")
	}

	if cfg.Auth.BootstrapHandle != "" {
		root, created, err := authSvc.Bootstrap(ctx, cfg.Auth.BootstrapHandle, cfg.Auth.BootstrapPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("bootstrap super admin")
		}
		if created {
			log.Info().Str("actor_id", root.ID).Str("handle", root.Handle).Msg("bootstrap.super_admin_created")
		}
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:           authSvc,
		Fleet:          fleetSvc,
		Records:        recordSvc,
		Stream:         events,
		Ready:          be.ready,
		Version:        version,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateBurst:      cfg.Rate.Burst,
		RatePerSecond:  cfg.Rate.PerSecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("http api")
	}

	// WriteTimeout stays unset so SSE subscribers are not cut off.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	grpcSrv := httpapi.NewGRPCServer(be.ready)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPC.Addr).Msg("grpc listen")
	}
	go grpcSrv.Watch(ctx, 10*time.Second)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc serve")
			stop()
		}
	}()

	go func() {
		log.Info().Str("version", version).Str("http", srv.Addr).Str("grpc", cfg.GRPC.Addr).Msg("ecofleet-api.start")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http listen")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("ecofleet-api.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info().Msg("ecofleet-api.stopped")
}

// openBackend connects to PostgreSQL when a DSN is configured and falls back
// to process-local stores otherwise.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	sink := audit.LogRecorder{}
	if cfg.Database.DSN == "" {
		log := obs.Logger()
		log.Warn().Msg("database.dsn not set, using in-memory storage")
		actors := auth.NewInMemoryStore()
		return &backend{
			records: records.NewInMemory(),
			fleet:   fleet.NewInMemory(),
			actors:  actors,
			custom:  actors,
			audit:   sink,
			close:   func() error { return nil },
		}, nil
	}

	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Migrations.Auto {
		mgr := migrate.NewManager(store.DB(), migrate.Migrations(), migrate.Seeds())
		if err := mgr.Up(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := mgr.Seed(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	actors := store.Actors()
	return &backend{
		records: store.Records(),
		fleet:   store.Fleet(),
		actors:  actors,
		custom:  actors,
		audit:   audit.Multi{sink, audit.StoreRecorder{Store: store.Audit()}},
		ready:   httpapi.ReadyProbe{DB: store},
		close:   store.Close,
	}, nil
}
