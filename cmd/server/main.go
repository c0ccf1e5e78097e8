package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion/internal/config"
	"companion/internal/database"
	"companion/internal/handlers"
	"companion/internal/jobs"
	"companion/internal/logging"
	"companion/internal/middleware"
	"companion/internal/models"
	"companion/internal/services"
	"companion/internal/store"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Companion Autonomy Engine...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, store: %s)", cfg.Port, storeKind(cfg))

	// Prometheus metrics
	services.InitMetrics()

	// Pattern store: MongoDB when configured, SQLite otherwise
	patternStore, mongoDB := openStore(cfg)
	defer patternStore.Close()

	// Optional Redis (distributed learning-cycle lock)
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Redis unavailable, running without cycle lock: %v", err)
			redisService = nil
		} else {
			defer redisService.Close()
		}
	}

	// Core services
	eventBus := services.NewEventBus()
	contextMonitor := services.NewContextMonitor(cfg.Autonomy.ContextEvalInterval)
	contextMonitor.Start()
	defer contextMonitor.Stop()

	personality := services.NewPersonalityService(cfg.PersonalityFile)
	personality.Watch()
	defer personality.Stop()

	obsLog := services.NewObservationLog(cfg.Learning.MaxObservations)
	learning := services.NewLearningService(patternStore, obsLog, cfg.Learning, nil)

	scheduler, err := services.NewSchedulerService()
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}

	autonomy := services.NewAutonomyService(scheduler, eventBus, contextMonitor, personality, learning, nil, cfg.Autonomy)

	overseer := services.NewOverseerService(learning, redisService)

	// Built-in actions
	if err := registerBuiltinActions(autonomy, eventBus, contextMonitor); err != nil {
		log.Fatalf("❌ Failed to register built-in actions: %v", err)
	}

	scheduler.Start()
	autonomy.Start()
	overseer.Start(context.Background())

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("retention_cleanup", jobs.NewRetentionCleanupJob(learning))
	jobScheduler.Start()
	log.Printf("🕐 Background jobs: retention cleanup (daily 2 AM)")

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Companion v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BodyLimit:    10 * 1024 * 1024, // pattern import documents can get large
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("companion")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	registerRoutes(app, learning, autonomy, overseer, contextMonitor, rateLimitConfig)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		jobScheduler.Stop()
		overseer.Stop()
		autonomy.Stop()
		if err := scheduler.Stop(); err != nil {
			log.Printf("⚠️ Error stopping scheduler: %v", err)
		}
		if mongoDB != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := mongoDB.Close(ctx); err != nil {
				log.Printf("⚠️ Error closing MongoDB: %v", err)
			}
			cancel()
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

func storeKind(cfg *config.Config) string {
	if cfg.MongoURI != "" {
		return "mongodb"
	}
	return "sqlite"
}

// openStore picks the pattern store backend from configuration.
func openStore(cfg *config.Config) (store.PatternStore, *database.MongoDB) {
	if cfg.MongoURI != "" {
		mongoDB, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoDB.Initialize(ctx); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
		}
		return store.NewMongo(mongoDB), mongoDB
	}

	sqliteStore, err := store.NewSQLite(cfg.StorePath)
	if err != nil {
		log.Fatalf("❌ Failed to open pattern store: %v", err)
	}
	return sqliteStore, nil
}

// registerRoutes wires the ops surface.
func registerRoutes(
	app *fiber.App,
	learning *services.LearningService,
	autonomy *services.AutonomyService,
	overseer *services.OverseerService,
	monitor *services.ContextMonitor,
	rateLimitConfig *middleware.RateLimitConfig,
) {
	heavy := middleware.HeavyOpRateLimiter(rateLimitConfig)
	healthHandler := handlers.NewHealthHandler(autonomy, learning)
	patternHandler := handlers.NewPatternHandler(learning)
	autonomyHandler := handlers.NewAutonomyHandler(autonomy, monitor)
	reportHandler := handlers.NewReportHandler(overseer)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")

	patterns := api.Group("/patterns")
	patterns.Get("/", patternHandler.List)
	patterns.Get("/stats", patternHandler.Stats)
	patterns.Get("/export", patternHandler.Export)
	patterns.Post("/import", heavy, patternHandler.Import)
	patterns.Post("/prune", heavy, patternHandler.PruneStale)
	patterns.Get("/:id", patternHandler.Get)
	patterns.Delete("/:id", patternHandler.Delete)

	actions := api.Group("/actions")
	actions.Get("/", autonomyHandler.Actions)
	actions.Post("/enabled", autonomyHandler.SetEnabled)
	actions.Post("/:id/enabled", autonomyHandler.SetActionEnabled)
	actions.Post("/:id/trigger", autonomyHandler.Trigger)

	approvals := api.Group("/approvals")
	approvals.Get("/", autonomyHandler.Approvals)
	approvals.Post("/:id/approve", autonomyHandler.Approve)
	approvals.Post("/:id/reject", autonomyHandler.Reject)

	api.Get("/context", autonomyHandler.Context)
	api.Post("/context", autonomyHandler.UpdateContext)

	reports := api.Group("/reports")
	reports.Get("/", reportHandler.List)
	reports.Get("/latest", reportHandler.Latest)
	reports.Post("/run", heavy, reportHandler.RunCycle)
}

// registerBuiltinActions installs the stock behaviors: a morning briefing on
// a cron schedule, a low-battery alert on the event bus, and an inactivity
// check-in on a context predicate.
func registerBuiltinActions(
	autonomy *services.AutonomyService,
	eventBus *services.EventBus,
	monitor *services.ContextMonitor,
) error {
	morning := &models.AutonomousAction{
		ID:      "morning-briefing",
		Name:    "Morning briefing",
		Enabled: true,
		Trigger: models.TriggerCondition{
			Kind:     models.TriggerCron,
			Schedule: "0 8 * * *",
			Cooldown: 12 * time.Hour,
		},
		Handler: func(ctx context.Context, hctx *models.HandlerContext) error {
			eventBus.Emit(ctx, "companion.briefing", map[string]interface{}{
				"timeOfDay": string(hctx.SystemContext.TimeOfDay),
				"dayOfWeek": hctx.SystemContext.DayOfWeek.String(),
			}, nil)
			log.Println("🌅 Good morning! Briefing delivered")
			return nil
		},
	}
	if err := autonomy.RegisterAction(morning); err != nil {
		return err
	}

	lowBattery := &models.AutonomousAction{
		ID:      "low-battery-alert",
		Name:    "Low battery alert",
		Enabled: true,
		Trigger: models.TriggerCondition{
			Kind:      models.TriggerEvent,
			EventType: "battery.low",
			Cooldown:  10 * time.Minute,
		},
		Handler: func(ctx context.Context, hctx *models.HandlerContext) error {
			log.Printf("🔋 Battery low (%.0f%%), heading to the charger", hctx.SystemContext.BatteryLevel)
			monitor.UpdateRobotStatus(models.RobotStatusCharging, "charging")
			return nil
		},
	}
	if err := autonomy.RegisterAction(lowBattery); err != nil {
		return err
	}

	inactivity := &models.AutonomousAction{
		ID:      "inactivity-checkin",
		Name:    "Inactivity check-in",
		Enabled: true,
		Trigger: models.TriggerCondition{
			Kind: models.TriggerContext,
			Predicate: func(sysCtx *models.SystemContext) bool {
				return sysCtx.UserPresent && monitor.IsInactive(120)
			},
			Cooldown: 2 * time.Hour,
		},
		Handler: func(ctx context.Context, hctx *models.HandlerContext) error {
			eventBus.Emit(ctx, "companion.checkin", map[string]interface{}{
				"idleSince": hctx.SystemContext.LastInteraction,
			}, nil)
			log.Println("👋 It's been quiet for a while — checking in")
			return nil
		},
	}
	return autonomy.RegisterAction(inactivity)
}
