package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/adforge/api/internal/auth"
	"github.com/adforge/api/internal/client"
	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/database"
	"github.com/adforge/api/internal/handler"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/middleware"
	"github.com/adforge/api/internal/policy"
	"github.com/adforge/api/internal/rendezvous"
	"github.com/adforge/api/internal/repository"
	"github.com/adforge/api/internal/service"
	ws "github.com/adforge/api/internal/websocket"
	"github.com/adforge/api/internal/worker"
	"github.com/adforge/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	debug := cfg.Server.LogLevel == "debug"

	db, err := database.Open(&cfg.Database, debug)
	if err != nil {
		appLog.Fatal("Failed to open database", "driver", cfg.Database.Driver, "error", err)
	}

	// Redis is optional: without it the service runs single-instance.
	var redisClient *redis.Client
	var asynqOpt asynq.RedisClientOpt
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			appLog.Warn("Redis not available", "addr", cfg.Redis.Addr, "error", err)
		}
		asynqOpt = asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	} else {
		appLog.Warn("Redis not configured; callbacks must reach this instance and the watchdog is disabled")
	}

	validate := validator.New()

	hub := ws.NewHub(appLog)
	go hub.Run()

	// Repositories
	jobRepo := repository.NewJobRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	imageRepo := repository.NewImageRepository(db)
	userRepo := repository.NewUserRepository(db)

	rv := rendezvous.New(rendezvous.Config{
		MaxWait:      cfg.Generation.MaxWait,
		InitialDelay: cfg.Generation.InitialDelay,
		PollInterval: cfg.Generation.PollInterval,
		TTLBuffer:    cfg.Generation.TTLBuffer,
	}, redisClient, appLog)

	workflowClient := client.NewWorkflowClient(&cfg.Workflow, appLog)
	if !workflowClient.IsConfigured() {
		appLog.Warn("Workflow webhooks not configured; starts will fail with DISPATCH_ERROR")
	}
	if cfg.Workflow.CallbackSecret == "" {
		appLog.Warn("WORKFLOW_CALLBACK_SECRET not set; callback route is unauthenticated")
	}

	var storage client.ObjectStore
	r2Client, err := client.NewR2Client(&cfg.R2)
	switch {
	case err != nil:
		appLog.Info("Object storage cleanup disabled", "reason", err)
	case !r2Client.IsConfigured():
		appLog.Info("Object storage cleanup disabled", "reason", "no bucket configured")
	default:
		storage = r2Client
	}

	var watchdog service.WatchdogScheduler
	if redisClient != nil {
		asynqClient := asynq.NewClient(asynqOpt)
		defer asynqClient.Close()
		watchdog = worker.NewScheduler(asynqClient)
	}

	pricing := policy.New(cfg.Pricing)

	// Services
	generationService := service.NewGenerationService(service.GenerationDeps{
		Jobs:          jobRepo,
		Ledger:        ledgerRepo,
		Images:        imageRepo,
		Policy:        pricing,
		Engine:        workflowClient,
		Rendezvous:    rv,
		Watchdog:      watchdog,
		Notifier:      hub,
		Log:           appLog,
		MaxWait:       cfg.Generation.MaxWait,
		WatchdogDelay: cfg.Generation.WatchdogGrace,
	})
	callbackService := service.NewCallbackService(service.CallbackDeps{
		Jobs:       jobRepo,
		Images:     imageRepo,
		Users:      userRepo,
		Policy:     pricing,
		Rendezvous: rv,
		Storage:    storage,
		Notifier:   hub,
		Log:        appLog,
	})
	reconcileService := service.NewReconcileService(jobRepo, ledgerRepo, hub, cfg.Generation.MaxWait, appLog)

	// Auth
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			appLog.Warn("JWKS verification unavailable, using legacy tokens only", "issuer", cfg.Zitadel.Issuer, "error", err)
		} else {
			verifier = jwks
		}
	}
	authMiddleware := middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret)
	authenticate := authMiddleware.Authenticate()
	if cfg.Gateway.Enabled {
		authenticate = middleware.GatewayAuthMiddleware()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, appLog)

	// Handlers
	generationHandler := handler.NewGenerationHandler(generationService, validate, appLog)
	callbackHandler := handler.NewCallbackHandler(callbackService, appLog)
	authHandler := handler.NewAuthHandler(verifier, cfg.JWT.Secret)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
		// Start calls block until the engine calls back.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Generation.MaxWait + time.Minute,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if debug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${error}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	health := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	}
	app.Get("/", health)
	app.Get("/health", health)

	app.Get("/auth/verify", authHandler.Verify)

	// Engine callback
	app.Post(client.CallbackPath,
		middleware.WebhookSecret(cfg.Workflow.SecretHeader, cfg.Workflow.CallbackSecret),
		callbackHandler.Receive,
	)

	// API routes
	api := app.Group("/api", authenticate)

	generations := api.Group("/generations")
	generations.Post("/quick-ads/start", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.StartQuickAds)
	generations.Post("/customized-ads/start", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.StartCustomizedAds)
	generations.Get("/:jobId", generationHandler.Status)

	// WebSocket routes. Browsers cannot set headers on the upgrade, so the
	// token may come as a query parameter.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if token := c.Query("token"); token != "" && c.Get(fiber.HeaderAuthorization) == "" {
			c.Request().Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		}
		return c.Next()
	}, authenticate)

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	g, gctx := errgroup.WithContext(ctx)

	if redisClient != nil {
		if err := startWorkers(gctx, g, asynqOpt, cfg, reconcileService, appLog); err != nil {
			appLog.Fatal("Failed to start workers", "error", err)
		}
	}

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		appLog.Info("Server starting", "addr", addr, "env", cfg.Server.Env)
		return app.Listen(addr)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("Shutting down server...")
		hub.Stop()
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("Server error", "error", err)
	}
}

// startWorkers runs the watchdog queue and the periodic sweep until ctx ends.
func startWorkers(ctx context.Context, g *errgroup.Group, opt asynq.RedisClientOpt, cfg *config.Config, reconciler worker.Reconciler, log *logger.Logger) error {
	srv := worker.NewServer(opt, cfg.Server.LogLevel)

	watchdogWorker := worker.NewWatchdogWorker(reconciler, cfg.Generation.WatchdogGrace, log)
	mux := asynq.NewServeMux()
	watchdogWorker.Register(mux)

	if err := srv.Start(mux); err != nil {
		return err
	}

	scheduler, err := worker.NewSweepScheduler(opt, cfg.Generation.SweepCron)
	if err != nil {
		srv.Shutdown()
		return err
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		scheduler.Shutdown()
		srv.Shutdown()
		return nil
	})
	return nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
