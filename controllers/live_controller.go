package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"mailpulse/events"
)

// LiveController streams engagement events to the dashboard.
type LiveController struct {
	Hub    *events.Hub
	Logger *log.Logger
}

func NewLiveController(hub *events.Hub, logger *log.Logger) *LiveController {
	return &LiveController{Hub: hub, Logger: logger}
}

// Upgrade rejects plain HTTP requests and remembers the caller for the
// websocket handler.
func (lc *LiveController) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("liveUserID", currentUserID(c))
	return c.Next()
}

func (lc *LiveController) Stream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals("liveUserID").(uint)
		if userID == 0 {
			_ = conn.Close()
			return
		}
		lc.Logger.Printf("live connection opened for user %d", userID)
		lc.Hub.Serve(userID, conn)
		lc.Logger.Printf("live connection closed for user %d", userID)
	})
}
