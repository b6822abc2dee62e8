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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/config"
	httpcontroller "github.com/vadim/omni-inbox/internal/controller/http"
	"github.com/vadim/omni-inbox/internal/database"
	accountdao "github.com/vadim/omni-inbox/internal/domain/account/dao"
	accountservice "github.com/vadim/omni-inbox/internal/domain/account/service"
	inboxdao "github.com/vadim/omni-inbox/internal/domain/inbox/dao"
	inboxservice "github.com/vadim/omni-inbox/internal/domain/inbox/service"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
	"github.com/vadim/omni-inbox/internal/storage"
)

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	pool       *pgxpool.Pool

	discovery    *accountservice.Discovery
	ingestor     *inboxservice.Ingestor
	inbox        *inboxservice.Inbox
	orchestrator *inboxservice.Orchestrator
	media        *storage.MediaStore

	// Scheduler runs the periodic account status checks
	scheduler *Scheduler
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))

	app := &App{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	// Initialize infrastructure
	if err := app.initInfrastructure(ctx); err != nil {
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	// Initialize domain layers
	app.initDomains()

	// Register routes
	app.registerRoutes()

	// Initialize HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Initialize scheduler
	if cfg.Scheduler.Enabled {
		app.scheduler = NewScheduler(app.discovery, cfg.Scheduler.Interval, logger)
	}

	return app, nil
}

// initInfrastructure initializes infrastructure components
func (a *App) initInfrastructure(ctx context.Context) error {
	pool, err := database.NewPostgresPool(ctx, a.cfg.Database.PostgresDSN, a.cfg.Database.MaxOpenConns, a.cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.pool = pool

	return nil
}

// initDomains initializes domain layers (DAO, services, adapters)
func (a *App) initDomains() {
	graph := meta.New(
		meta.WithBaseURL(a.cfg.Meta.BaseURL),
		meta.WithAPIVersion(a.cfg.Meta.APIVersion),
	)

	accountRepo := accountdao.NewAccountPostgres(a.pool)
	oauthRepo := accountdao.NewOAuthPostgres(a.pool)

	a.discovery = accountservice.NewDiscovery(graph, accountRepo, oauthRepo, accountservice.Config{
		AppID:            a.cfg.Meta.AppID,
		AppSecret:        a.cfg.Meta.AppSecret,
		RedirectURL:      a.cfg.Meta.RedirectURL,
		AuthBaseURL:      a.cfg.Meta.AuthBaseURL,
		APIVersion:       a.cfg.Meta.APIVersion,
		BusinessID:       a.cfg.Meta.BusinessID,
		WhatsAppNumberID: a.cfg.WhatsApp.NumberID,
	}, a.logger)

	convRepo := inboxdao.NewConversationPostgres(a.pool)
	msgRepo := inboxdao.NewMessagePostgres(a.pool)
	contactRepo := inboxdao.NewContactPostgres(a.pool)

	whatsapp := channel.NewWhatsApp(graph)
	messenger := channel.NewMessenger(graph)
	instagram := channel.NewInstagram(graph)
	adapters := []channel.Adapter{whatsapp, messenger, instagram}

	ingestorOpts := []inboxservice.IngestorOption{
		inboxservice.WithProfiles(inboxservice.NewGraphProfiles(graph)),
		inboxservice.WithWhatsAppMedia(whatsapp),
	}
	if a.cfg.S3.Enabled {
		a.media = storage.NewMediaStore(storage.S3Config{
			Endpoint:        a.cfg.S3.Endpoint,
			AccessKeyID:     a.cfg.S3.AccessKeyID,
			SecretAccessKey: a.cfg.S3.SecretAccessKey,
			Bucket:          a.cfg.S3.Bucket,
			Region:          a.cfg.S3.Region,
			PublicURL:       a.cfg.S3.PublicURL,
		})
		ingestorOpts = append(ingestorOpts, inboxservice.WithMediaMirror(a.media))
	}

	a.ingestor = inboxservice.NewIngestor(adapters, accountRepo, convRepo, msgRepo, contactRepo, a.logger, ingestorOpts...)
	a.inbox = inboxservice.NewInbox(accountRepo, convRepo, msgRepo)
	a.orchestrator = inboxservice.NewOrchestrator(accountRepo, convRepo, msgRepo, a.buildSenders(adapters, msgRepo), a.logger)
}

// buildSenders picks the delivery strategy per channel: live adapters
// against the Graph API, or the simulated sender in demo mode
func (a *App) buildSenders(adapters []channel.Adapter, msgRepo inboxservice.MessageRepository) map[channel.Type]inboxservice.MessageSender {
	senders := make(map[channel.Type]inboxservice.MessageSender, len(adapters))

	if a.cfg.Demo.Enabled {
		sim := inboxservice.NewSimulatedSender(msgRepo, a.logger)
		for _, adapter := range adapters {
			senders[adapter.Type()] = sim
		}
		a.logger.Warn("demo mode enabled, sends are simulated")
		return senders
	}

	for _, adapter := range adapters {
		live := inboxservice.NewLiveSender(adapter)
		if adapter.Type() == channel.TypeWhatsApp {
			live.TemplateName = a.cfg.WhatsApp.TemplateName
			live.TemplateLang = a.cfg.WhatsApp.TemplateLang
		}
		senders[adapter.Type()] = live
	}
	return senders
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() {
	// Health check
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)

	// Webhook and OAuth endpoints live at the root: their paths are
	// registered verbatim in the Meta app dashboard
	webhookHandler := httpcontroller.NewWebhookHandler(a.ingestor, a.cfg.Meta.AppSecret, a.cfg.Webhook.VerifyToken, a.logger)
	webhookHandler.RegisterRoutes(a.router)

	oauthHandler := httpcontroller.NewOAuthHandler(a.discovery, a.cfg.Meta.UIURL)
	oauthHandler.RegisterRoutes(a.router)

	swaggerHandler := httpcontroller.NewSwaggerHandler("Omni Inbox API", OpenAPISpec)
	swaggerHandler.RegisterRoutes(a.router)

	// API v1
	a.router.Route("/api/v1", func(r chi.Router) {
		inboxHandler := httpcontroller.NewInboxHandler(a.inbox, a.orchestrator)
		inboxHandler.RegisterRoutes(r)

		accountHandler := httpcontroller.NewAccountHandler(a.discovery)
		accountHandler.RegisterRoutes(r)

		if a.media != nil {
			mediaHandler := httpcontroller.NewMediaHandler(a.media, a.logger)
			mediaHandler.RegisterRoutes(r)
		}
	})
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// readyHandler handles readiness check requests
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.Ping(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"database unreachable"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	// Start scheduler if enabled
	if a.scheduler != nil {
		go a.scheduler.Start(ctx)
	}

	// Channel to receive errors from server
	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address())
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	// Stop scheduler
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	if a.pool != nil {
		a.pool.Close()
	}

	a.logger.Info("shutdown complete")
	return nil
}
