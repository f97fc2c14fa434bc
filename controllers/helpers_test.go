package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailpulse/config"
	"mailpulse/events"
	"mailpulse/middleware"
	"mailpulse/models"
	"mailpulse/services"
	"mailpulse/tracking"
	"mailpulse/utils"
)

const testPassword = "correct-horse"

var quiet = log.New(io.Discard, "", 0)

type fakeTransport struct {
	mu   sync.Mutex
	sent []utils.Envelope
}

func (f *fakeTransport) Send(_ context.Context, env utils.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

type testServer struct {
	app        *fiber.App
	db         *gorm.DB
	reconciler *services.Reconciler
	transport  *fakeTransport
	hub        *events.Hub
}

// newTestServer wires the handlers against an in-memory database. The
// package-level config.DB is swapped for the duration of the test.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, config.MigrateDB(db))

	prevDB, prevCfg := config.DB, config.AppConfig
	config.DB = db
	config.AppConfig.JWTSecret = "test-secret"
	config.AppConfig.RateLimitTracking = 1000
	config.AppConfig.RateLimitSend = 1000
	t.Cleanup(func() {
		config.DB, config.AppConfig = prevDB, prevCfg
		sqlDB.Close()
	})

	hub := events.NewHub()
	rollup := services.NewRollupStore(db, quiet)
	reconciler := services.NewReconciler(db, tracking.NewEngine(), rollup, hub, quiet)
	transport := &fakeTransport{}
	dispatcher := services.NewDispatcher(db, reconciler, transport, services.DispatcherConfig{
		BaseURL:        "https://t.mailpulse.test",
		FromEmail:      "me@mailpulse.test",
		FromName:       "Me",
		WeeklySendHour: 9,
	}, quiet)
	mailbox := services.NewMailbox(db, reconciler, "me@mailpulse.test")
	dashboard := services.NewDashboard(db, rollup)
	uploadDir := t.TempDir()

	trackingController := NewTrackingController(reconciler, quiet)
	emailController := NewEmailController(dispatcher, mailbox, uploadDir, quiet)
	scheduleController := NewScheduleController(dispatcher, mailbox, uploadDir, 9, quiet)
	dashboardController := NewDashboardController(dashboard, mailbox, rollup, 9, quiet)
	liveController := NewLiveController(hub, quiet)
	passwordController := NewPasswordController(transport, "https://app.mailpulse.test", "me@mailpulse.test", "Me", quiet)
	adminController := NewAdminController(services.NewAccounts(db, quiet), quiet)

	app := fiber.New()
	track := app.Group("/track", middleware.TrackingRateLimiter(nil))
	track.Get("/open/:id", trackingController.TrackOpen)
	track.Get("/click/:id", trackingController.TrackClick)

	auth := app.Group("/auth")
	auth.Post("/register", Register)
	auth.Post("/login", Login)
	auth.Post("/refresh", RefreshToken)
	auth.Post("/logout", middleware.Protected(), Logout)
	auth.Get("/me", middleware.Protected(), GetCurrentUser)
	auth.Post("/forgot-password", passwordController.ForgotPassword)
	auth.Post("/reset-password/:token", passwordController.ResetPassword)
	auth.Post("/change-password", middleware.Protected(), ChangePassword)

	app.Get("/api/v1/live", middleware.Protected(), liveController.Upgrade, liveController.Stream())

	api := app.Group("/api/v1", middleware.Protected())
	api.Get("/emails", emailController.ListEmails)
	api.Post("/emails/send", emailController.SendEmail)
	api.Delete("/emails/trash", emailController.EmptyTrash)
	api.Get("/emails/:id", emailController.GetEmail)
	api.Get("/emails/:id/tracking", emailController.GetTracking)
	api.Post("/emails/:id/reply", emailController.ReplyEmail)
	api.Post("/emails/:id/view", emailController.ViewEmail)
	api.Put("/emails/:id/read", emailController.MarkRead)
	api.Post("/emails/:id/trash", emailController.TrashEmail)
	api.Post("/emails/:id/restore", emailController.RestoreEmail)
	api.Delete("/emails/:id", emailController.DeleteEmail)
	api.Post("/schedule", scheduleController.ScheduleEmail)
	api.Get("/schedule", scheduleController.GetScheduled)
	api.Delete("/schedule/:id", scheduleController.CancelScheduled)
	api.Get("/dashboard/stats", dashboardController.GetDashboardStats)
	api.Get("/dashboard/sent-emails", dashboardController.GetSentEmails)
	api.Get("/dashboard/scheduled", dashboardController.GetScheduledEmails)
	api.Get("/dashboard/replied", dashboardController.GetRepliedEmails)
	api.Get("/dashboard/unique-recipients", dashboardController.GetUniqueRecipients)
	api.Get("/dashboard/recipient-emails/:email", dashboardController.GetRecipientEmails)
	api.Get("/dashboard/search", dashboardController.Search)
	admin := api.Group("/admin", middleware.AdminOnly())
	admin.Get("/users", adminController.ListUsers)
	admin.Get("/users/:id", adminController.GetUser)
	admin.Put("/users/:id", adminController.UpdateUser)
	admin.Delete("/users/:id", adminController.DeleteUser)
	admin.Get("/analytics", adminController.GetAnalytics)

	return &testServer{
		app:        app,
		db:         db,
		reconciler: reconciler,
		transport:  transport,
		hub:        hub,
	}
}

// createUser stores an active user and returns it with an access token.
func (s *testServer) createUser(t *testing.T, email string) (*models.User, string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{Email: email, PasswordHash: string(hash), IsActive: true}
	require.NoError(t, s.db.Create(user).Error)
	access, _, err := utils.GenerateJWTToken(user)
	require.NoError(t, err)
	return user, access
}

func (s *testServer) createAdmin(t *testing.T, email string) (*models.User, string) {
	t.Helper()
	user, token := s.createUser(t, email)
	require.NoError(t, s.db.Model(user).Update("is_admin", true).Error)
	return user, token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// sendOne sends a single message through the API and returns its ID.
func (s *testServer) sendOne(t *testing.T, token, to, subject, body string) uint {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/emails/send", token, fiber.Map{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Emails []struct {
			ID uint `json:"ID"`
		} `json:"emails"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Emails, 1)
	return out.Emails[0].ID
}

// listPage mirrors utils.PaginatedResponse with typed rows.
type listPage[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
