package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"mailpulse/config"
	"mailpulse/events"
	"mailpulse/middleware"
	"mailpulse/routes"
	"mailpulse/services"
	"mailpulse/tracking"
	"mailpulse/utils"
	"mailpulse/worker"
)

func main() {
	logger := log.New(os.Stdout, "MAILPULSE: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Printf("Sentry disabled: %v", err)
	}
	defer utils.FlushSentry()

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live updates: the hub serves this instance's sockets. With redis,
	// events go through the channel so every instance sees them.
	hub := events.NewHub()
	liveLogger := log.New(os.Stdout, "LIVE: ", log.LstdFlags)
	var redisClient *redis.Client
	var sink events.Publisher = hub
	if cfg.Redis.Enabled {
		redisClient = middleware.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		sink = events.NewRedisPublisher(redisClient, cfg.Redis.Channel)
		relay := events.NewRedisRelay(redisClient, cfg.Redis.Channel, hub, liveLogger)
		go relay.Start(ctx)
	}
	publisher := events.NewAsyncPublisher(sink, cfg.LiveEventBuffer, liveLogger)
	go publisher.Run(ctx)

	trackingLogger := log.New(os.Stdout, "TRACKING: ", log.LstdFlags)
	rollup := services.NewRollupStore(config.DB, trackingLogger)
	reconciler := services.NewReconciler(config.DB, tracking.NewEngine(), rollup, publisher, trackingLogger)

	transport := utils.NewSMTPTransport(cfg.SMTP)
	dispatcher := services.NewDispatcher(config.DB, reconciler, transport, services.DispatcherConfig{
		BaseURL:        cfg.BaseURL,
		FromEmail:      cfg.SMTP.FromEmail,
		FromName:       cfg.SMTP.FromName,
		WeeklySendHour: cfg.WeeklySendHour,
	}, log.New(os.Stdout, "SENDER: ", log.LstdFlags))
	mailbox := services.NewMailbox(config.DB, reconciler, cfg.UserEmail)
	dashboard := services.NewDashboard(config.DB, rollup)
	accounts := services.NewAccounts(config.DB, log.New(os.Stdout, "ADMIN: ", log.LstdFlags))

	schedulerWorker := worker.NewSchedulerWorker(dispatcher, cfg.SchedulerInterval,
		log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags))
	go schedulerWorker.Start(ctx)

	if cfg.IMAP.Enabled {
		inboxLogger := log.New(os.Stdout, "INBOX: ", log.LstdFlags)
		processor := services.NewInboundProcessor(config.DB, reconciler, cfg.UploadDir, inboxLogger)
		inboxWorker := worker.NewInboxWorker(utils.NewIMAPPoller(cfg.IMAP), processor, cfg.IMAP.PollInterval, inboxLogger)
		go inboxWorker.Start(ctx)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 25 * 1024 * 1024,
	})
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		Reconciler:     reconciler,
		Dispatcher:     dispatcher,
		Mailbox:        mailbox,
		Dashboard:      dashboard,
		Rollup:         rollup,
		Accounts:       accounts,
		Transport:      transport,
		Hub:            hub,
		RateStorage:    middleware.NewRateLimitStorage(redisClient),
		UploadDir:      cfg.UploadDir,
		WeeklySendHour: cfg.WeeklySendHour,
		AppURL:         cfg.AppURL,
		FromEmail:      cfg.SMTP.FromEmail,
		FromName:       cfg.SMTP.FromName,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Println("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	logger.Printf("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	if dropped := publisher.Dropped(); dropped > 0 {
		logger.Printf("Dropped %d live events during this run", dropped)
	}
}
