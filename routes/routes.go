package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	controller "mailpulse/controllers"
	"mailpulse/events"
	"mailpulse/middleware"
	"mailpulse/services"
	"mailpulse/utils"
)

// Deps carries the services the HTTP layer is built on.
type Deps struct {
	Reconciler     *services.Reconciler
	Dispatcher     *services.Dispatcher
	Mailbox        *services.Mailbox
	Dashboard      *services.Dashboard
	Rollup         *services.RollupStore
	Accounts       *services.Accounts
	Transport      utils.Transport
	Hub            *events.Hub
	RateStorage    fiber.Storage
	UploadDir      string
	WeeklySendHour int
	AppURL         string
	FromEmail      string
	FromName       string
}

var accessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

func SetupAuthRoutes(app *fiber.App, deps Deps) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)
	passwordController := controller.NewPasswordController(deps.Transport, deps.AppURL, deps.FromEmail, deps.FromName, authLogger)

	auth := app.Group("/auth", logger.New(logger.Config{
		Format: accessLogFormat,
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)
	auth.Post("/forgot-password", middleware.SendRateLimiter(deps.RateStorage), passwordController.ForgotPassword)
	auth.Post("/reset-password/:token", passwordController.ResetPassword)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", controller.Logout)
	protectedAuth.Get("/me", controller.GetCurrentUser)
	protectedAuth.Post("/change-password", controller.ChangePassword)

	authLogger.Println("Authentication routes initialized successfully")
}

// SetupTrackingRoutes mounts the public pixel and click endpoints. They
// carry no auth and no access log.
func SetupTrackingRoutes(app *fiber.App, deps Deps) {
	trackingController := controller.NewTrackingController(deps.Reconciler,
		log.New(os.Stdout, "TRACKING: ", log.LstdFlags))

	track := app.Group("/track", middleware.TrackingRateLimiter(deps.RateStorage))
	track.Get("/open/:id", trackingController.TrackOpen)
	track.Get("/click/:id", trackingController.TrackClick)
}

func SetupAPIRoutes(app *fiber.App, deps Deps) {
	emailController := controller.NewEmailController(deps.Dispatcher, deps.Mailbox, deps.UploadDir,
		log.New(os.Stdout, "EMAIL: ", log.LstdFlags))
	scheduleController := controller.NewScheduleController(deps.Dispatcher, deps.Mailbox, deps.UploadDir, deps.WeeklySendHour,
		log.New(os.Stdout, "SCHEDULE: ", log.LstdFlags))
	dashboardController := controller.NewDashboardController(deps.Dashboard, deps.Mailbox, deps.Rollup, deps.WeeklySendHour,
		log.New(os.Stdout, "DASHBOARD: ", log.LstdFlags))
	adminController := controller.NewAdminController(deps.Accounts, log.New(os.Stdout, "ADMIN: ", log.LstdFlags))
	liveController := controller.NewLiveController(deps.Hub, log.New(os.Stdout, "LIVE: ", log.LstdFlags))

	// Live updates, registered before the access log so long-lived
	// connections are not logged as requests.
	app.Get("/api/v1/live", middleware.Protected(), liveController.Upgrade, liveController.Stream())

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: accessLogFormat,
	}))

	emails := api.Group("/emails")
	emails.Get("/", emailController.ListEmails)
	emails.Post("/send", middleware.SendRateLimiter(deps.RateStorage), emailController.SendEmail)
	emails.Delete("/trash", emailController.EmptyTrash)
	emails.Get("/:id", emailController.GetEmail)
	emails.Get("/:id/tracking", emailController.GetTracking)
	emails.Post("/:id/reply", middleware.SendRateLimiter(deps.RateStorage), emailController.ReplyEmail)
	emails.Post("/:id/view", emailController.ViewEmail)
	emails.Put("/:id/read", emailController.MarkRead)
	emails.Post("/:id/trash", emailController.TrashEmail)
	emails.Post("/:id/restore", emailController.RestoreEmail)
	emails.Delete("/:id", emailController.DeleteEmail)

	schedule := api.Group("/schedule")
	schedule.Post("/", scheduleController.ScheduleEmail)
	schedule.Get("/", scheduleController.GetScheduled)
	schedule.Delete("/:id", scheduleController.CancelScheduled)

	dashboard := api.Group("/dashboard")
	dashboard.Get("/stats", dashboardController.GetDashboardStats)
	dashboard.Get("/sent-emails", dashboardController.GetSentEmails)
	dashboard.Get("/scheduled", dashboardController.GetScheduledEmails)
	dashboard.Get("/replied", dashboardController.GetRepliedEmails)
	dashboard.Get("/unique-recipients", dashboardController.GetUniqueRecipients)
	dashboard.Get("/recipient-emails/:email", dashboardController.GetRecipientEmails)
	dashboard.Get("/search", dashboardController.Search)

	admin := api.Group("/admin", middleware.AdminOnly())
	admin.Get("/users", adminController.ListUsers)
	admin.Get("/users/:id", adminController.GetUser)
	admin.Put("/users/:id", adminController.UpdateUser)
	admin.Delete("/users/:id", adminController.DeleteUser)
	admin.Get("/analytics", adminController.GetAnalytics)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupTrackingRoutes(app, deps)
	SetupAuthRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
