package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/auth"
	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/config"
	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/handler"
	"github.com/nyxel/api/internal/logger"
	"github.com/nyxel/api/internal/metrics"
	"github.com/nyxel/api/internal/middleware"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/service"
	"github.com/nyxel/api/internal/store"
	ws "github.com/nyxel/api/internal/websocket"
	"github.com/nyxel/api/internal/worker"
	"github.com/nyxel/api/pkg/response"
)

// @title          Nyxel API
// @version        1.0
// @description    Image and video generation with credit settlement.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog := logger.New(&cfg.Log)
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Warn("redis not available", zap.Error(err))
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	m := metrics.New()
	validate := validator.New()

	hub := ws.NewHub(zlog)
	go hub.Run(ctx)

	// Stores
	creditStore, recordStore, subStore := newSupabaseStores(&cfg.Supabase, zlog)
	claims := store.NewRedisIdempotencyStore(redisClient, "")
	jobs := store.NewRedisJobStore(redisClient)

	// External clients
	storage := newStorage(cfg, zlog)
	var providers service.Providers
	atlas := client.NewAtlasClient(&cfg.Atlas, zlog)
	if atlas.IsConfigured() {
		providers.Atlas = atlas
	} else {
		zlog.Info("atlas not configured")
	}
	civitai := client.NewCivitaiClient(&cfg.Civitai, zlog)
	if civitai.IsConfigured() {
		providers.Civitai = civitai
	} else {
		zlog.Info("civitai not configured")
	}

	var subVerifier credit.SubscriptionVerifier
	if cfg.Stripe.SecretKey != "" {
		sc, err := client.NewStripeClient(&cfg.Stripe, zlog)
		if err != nil {
			zlog.Warn("stripe client not initialized", zap.Error(err))
		} else {
			subVerifier = sc
		}
	}

	// Services
	catalog := credit.DefaultCatalog()
	ledger := credit.NewLedger(creditStore, claims,
		credit.WithDefaults(model.CreditBalance{Gems: cfg.Credits.DefaultGems, Crystals: cfg.Credits.DefaultCrystals}),
		credit.WithSettleTTL(cfg.Credits.SettleTTL),
		credit.WithLogger(zlog.Named("ledger")),
		credit.WithMetrics(m),
	)
	tiers := credit.NewTierPolicy(subStore, subVerifier, cfg.Credits.FreeCreationTiers, zlog)
	relay := service.NewRelayService(storage, zlog, m)
	queue := service.NewTaskQueue(asynqClient, cfg.Polling.Interval, cfg.Polling.MaxErrors)

	generationService := service.NewGenerationService(service.GenerationDeps{
		Catalog:   catalog,
		Ledger:    ledger,
		Tiers:     tiers,
		Providers: providers,
		Relay:     relay,
		Records:   recordStore,
		Jobs:      jobs,
		Queue:     queue,
		Log:       zlog,
		Metrics:   m,
	})
	reconcileService := service.NewReconcileService(service.ReconcileDeps{
		Ledger:    ledger,
		Providers: providers,
		Relay:     relay,
		Records:   recordStore,
		Jobs:      jobs,
		Claims:    claims,
		Notifier:  hub,
		Log:       zlog,
		Metrics:   m,
	})
	creditService := service.NewCreditService(ledger, jobs)

	// Token verification: JWKS for asymmetric Supabase keys, project secret for HS256
	var chain auth.ChainVerifier
	if cfg.JWKS.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.JWKS)
		if err != nil {
			zlog.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			chain = append(chain, jwksVerifier)
		}
	}
	if cfg.JWT.Secret != "" {
		secretVerifier, err := auth.NewSecretVerifier(cfg.JWT.Secret, cfg.JWKS.Audience)
		if err != nil {
			zlog.Warn("secret verifier not initialized", zap.Error(err))
		} else {
			chain = append(chain, secretVerifier)
		}
	}
	var tokenVerifier auth.TokenVerifier
	if len(chain) > 0 {
		tokenVerifier = chain
		defer chain.Close()
	}

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		zlog.Info("gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(tokenVerifier).Authenticate()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"atlas":   providers.Atlas != nil,
				"civitai": providers.Civitai != nil,
				"storage": storage.Name(),
				"auth":    tokenVerifier != nil || cfg.Gateway.Enabled,
				"stripe":  subVerifier != nil,
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	handler.Register(app, handler.Routes{
		Auth:           apiAuth,
		RateLimiter:    middleware.NewRateLimiter(redisClient, zlog),
		GeneratePerMin: cfg.RateLimit.GeneratePerMin,
		StatusPerMin:   cfg.RateLimit.StatusPerMin,
		Generate:       handler.NewGenerateHandler(generationService, reconcileService, validate, zlog),
		Credits:        handler.NewCreditHandler(creditService, validate, zlog),
		Verify:         handler.NewAuthHandler(tokenVerifier),
		Hub:            hub,
	})

	reconcileWorker := worker.NewReconcileWorker(reconcileService, jobs, queue, cfg.Polling.MaxErrors, zlog)
	workerServer := newWorkerServer(redisOpt, cfg, zlog)
	go func() {
		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeReconcile, reconcileWorker.ProcessTask)
		if err := workerServer.Run(mux); err != nil {
			zlog.Error("asynq worker error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Info("shutting down server")
		workerServer.Shutdown()
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	zlog.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
	if err := app.Listen(addr); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
}

// newSupabaseStores returns the Supabase-backed stores, or in-memory ones
// when Supabase is not configured (local development only).
func newSupabaseStores(cfg *config.SupabaseConfig, zlog *zap.Logger) (credit.Repository, service.RecordStore, credit.SubscriptionReader) {
	if cfg.URL != "" && cfg.ServiceKey != "" {
		sb, err := supabase.NewClient(cfg.URL, cfg.ServiceKey, &supabase.ClientOptions{})
		if err == nil {
			return store.NewSupabaseCreditStore(sb),
				store.NewSupabaseGenerationStore(sb),
				store.NewSupabaseSubscriptionStore(sb)
		}
		zlog.Error("supabase client not initialized", zap.Error(err))
	}
	zlog.Warn("supabase not configured, using in-memory stores")
	return store.NewMemoryCreditStore(), store.NewMemoryGenerationStore(), store.NewMemorySubscriptionStore()
}

// newStorage selects the blob backend for the media relay
func newStorage(cfg *config.Config, zlog *zap.Logger) client.StorageClient {
	if cfg.Storage.Backend == "r2" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			zlog.Fatal("R2 client not initialized", zap.Error(err))
		}
		return r2
	}
	sc, err := client.NewSupabaseStorageClient(&cfg.Supabase, cfg.Storage.Bucket)
	if err != nil {
		zlog.Fatal("supabase storage not initialized", zap.Error(err))
	}
	return sc
}

func newWorkerServer(redisOpt asynq.RedisClientOpt, cfg *config.Config, zlog *zap.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			service.QueueReconcile: 1,
		},
		Logger:   zlog.Named("asynq").Sugar(),
		LogLevel: asynqLogLevel,
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
