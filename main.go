package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contest-engine/config"
	"contest-engine/handlers"
	"contest-engine/middleware"
	"contest-engine/models"
	"contest-engine/repository"
	"contest-engine/services"
	"contest-engine/utils"
	"contest-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration: ", err)
	}

	logLevel := gormlogger.Warn
	if cfg.LogSQL {
		logLevel = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Contest{},
		&models.ContestGame{},
		&models.UserContest{},
		&models.PlayerGameProgress{},
		&models.Profile{},
		&models.WalletTransaction{},
		&models.PrizeDistributionModel{},
		&models.ScoringRule{},
		&models.SpeedBonusRule{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	repo := repository.NewGormRepository(db)
	locks := services.NewOperationLocks()

	var archiver services.ReportArchiver
	r2cfg := utils.R2Config{
		AccountID:       cfg.R2.AccountID,
		AccessKeyID:     cfg.R2.AccessKeyID,
		AccessKeySecret: cfg.R2.AccessKeySecret,
		Bucket:          cfg.R2.Bucket,
	}
	if r2cfg.Enabled() {
		a, err := utils.NewR2Archiver(ctx, r2cfg)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		archiver = a
	} else {
		log.Println("⚠️  R2 not configured, settlement reports will not be archived")
	}

	prizeModels := services.NewPrizeModelCache(repo, clock, cfg.PrizeModelTTL)
	rules := services.NewRulesCache(repo, clock, cfg.PrizeModelTTL)
	leaderboard := services.NewLeaderboardProvider(repo)
	calculator := services.NewPrizeCalculator(prizeModels, leaderboard)
	distributor := services.NewPrizeDistributor(repo, calculator, archiver, clock)
	scoring := services.NewScoringEngine(rules, cfg.RoundDuration)

	contestHandler := &handlers.ContestHandler{
		Contests:           services.NewContestService(repo, leaderboard, distributor, clock),
		Progress:           services.NewContestProgressCoordinator(repo, clock, locks, cfg.RoundDuration),
		Sessions:           services.NewGameSessionHandler(repo, scoring, clock, locks),
		Watcher:            services.NewContestCompletionWatcher(repo, clock),
		Distributor:        distributor,
		Repo:               repo,
		PollInterval:       cfg.PollInterval,
		InvalidateInterval: cfg.InvalidateInterval,
		Clock:              clock,
	}

	scheduler := services.NewContestScheduler(repo, distributor, clock, services.SchedulerConfig{
		StatusInterval: cfg.StatusInterval,
		SweepInterval:  cfg.SettlementSweepInterval,
		RetryAfter:     cfg.SettlementRetryAfter,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler:", err)
	}
	defer scheduler.Stop()

	go workers.PollFailedPayouts(ctx, workers.NewPayoutReconciler(repo, clock, 100), cfg.PayoutReconcileInterval)

	if cfg.ProfileServiceURL != "" {
		workers.NewProfileSyncWorker(repo, cfg.ProfileServiceURL, cfg.ProfileServicePath,
			cfg.GatewayToken, utils.HTTPClient).Start(ctx)
	} else {
		log.Println("⚠️  PROFILE_SERVICE_URL not set, usernames will not be synced")
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-User-ID, X-User-Roles",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken))

	handlers.SetupContestRoutes(app, contestHandler)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ Round duration %s, poll interval %s", cfg.RoundDuration, cfg.PollInterval)
	log.Printf("✅ CORS configured for origins: %s", cfg.AllowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
