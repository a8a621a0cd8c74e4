package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
	"github.com/halcyonlabs/mfad/internal/engine/decision"
	"github.com/halcyonlabs/mfad/internal/engine/fido"
	httpapi "github.com/halcyonlabs/mfad/internal/engine/http"
	"github.com/halcyonlabs/mfad/internal/engine/policy"
	"github.com/halcyonlabs/mfad/internal/engine/service"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/internal/engine/store/drivers/sqlite"
	"github.com/halcyonlabs/mfad/internal/engine/variant"
	"github.com/halcyonlabs/mfad/pkg/cryptox"
	"github.com/halcyonlabs/mfad/pkg/jwtx"
	"github.com/halcyonlabs/mfad/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the token engine with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	db     store.Store
	signer *jwtx.Signer
	policy policy.Options

	challenges *challenge.Manager
	registry   *variant.Registry
	engine     *decision.Engine

	enrollmentService   *service.EnrollmentService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "mfad",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	// Key material for PIN hashing and the secret vault
	cryptox.SetPepperPath(cfg.PepperFile)
	cryptox.SetMasterKeyPath(cfg.MasterKeyPath)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initSigner(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initEngine(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("token engine starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down token engine...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("token engine stopped")
	return nil
}

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initSigner() error {
	secret := app.cfg.APISecret
	if secret == "" {
		// Ephemeral secret: admin tokens do not survive a restart.
		generated, err := cryptox.GenerateToken(32)
		if err != nil {
			return fmt.Errorf("failed to generate API secret: %w", err)
		}
		secret = generated
		app.logger.Warn("MFAD_API_SECRET not set, using an ephemeral secret")
	}

	app.signer = &jwtx.Signer{
		Secret: []byte(secret),
		Issuer: app.cfg.Issuer,
	}
	return nil
}

func (app *Application) initEngine() error {
	opts, err := LoadPolicy(app.cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load policy file: %w", err)
	}
	app.policy = policy.Static(opts)

	fidoService, err := fido.NewService(app.cfg.RPID, app.cfg.RPDisplayName, app.cfg.RPOrigins)
	if err != nil {
		return fmt.Errorf("failed to initialize webauthn: %w", err)
	}

	app.challenges = challenge.NewManager(app.db)

	httpClient := &http.Client{Timeout: 10 * time.Second}

	var relay variant.RemoteRelay
	if app.cfg.RemoteURL != "" {
		relay = &variant.HTTPRelay{URL: app.cfg.RemoteURL, Client: httpClient}
	}

	app.registry = variant.NewRegistry(variant.Deps{
		Store:      app.db,
		Challenges: app.challenges,
		Policy:     app.policy,
		Fido:       fidoService,
		Relay:      relay,
		HTTP:       httpClient,
		Yubico: variant.YubicoConfig{
			URL:    app.cfg.YubicoURL,
			APIID:  app.cfg.YubicoAPIID,
			APIKey: app.cfg.YubicoAPIKey,
		},
		Log: app.logger,
	}, nil)

	app.engine = &decision.Engine{
		Store:      app.db,
		Registry:   app.registry,
		Challenges: app.challenges,
		Policy:     app.policy,
		Audit:      service.NewSlogAuditSink(app.logger),
		Log:        app.logger,
	}
	return nil
}

func (app *Application) initServices() {
	app.enrollmentService = service.NewEnrollmentService(
		app.db,
		app.registry,
		app.policy,
		app.logger,
	)

	app.housekeepingService = service.NewHousekeepingService(
		app.challenges,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.signer,
		BuildVersion,
		app.db,
		app.logger,
	)

	router.Engine = app.engine
	router.Enrollment = app.enrollmentService
	router.TokenTTL = app.cfg.AccessTokenTTL
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
