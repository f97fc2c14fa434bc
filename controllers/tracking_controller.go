package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"mailpulse/services"
	"mailpulse/utils"
)

// TrackingController serves the pixel and click endpoints embedded in
// outbound mail. Neither endpoint ever reports a tracking failure.
type TrackingController struct {
	Reconciler *services.Reconciler
	Logger     *log.Logger
}

func NewTrackingController(reconciler *services.Reconciler, logger *log.Logger) *TrackingController {
	return &TrackingController{
		Reconciler: reconciler,
		Logger:     logger,
	}
}

const trackingTimeout = 5 * time.Second

// TrackOpen records a pixel fire and returns the transparent GIF.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	if id := utils.ParseUint(c.Params("id")); id != 0 {
		ctx, cancel := context.WithTimeout(c.UserContext(), trackingTimeout)
		defer cancel()
		if _, _, err := tc.Reconciler.RecordOpen(ctx, id, c.Query("recipient")); err != nil {
			tc.logFailure("open", id, err)
		}
	}

	utils.SetPixelHeaders(c)
	return c.Type("gif").Send(utils.TransparentPixel())
}

// TrackClick records a click and redirects to the original link.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	target := utils.RedirectTarget(c.Query("url"))
	if id := utils.ParseUint(c.Params("id")); id != 0 && target != "/" {
		ctx, cancel := context.WithTimeout(c.UserContext(), trackingTimeout)
		defer cancel()
		if _, _, err := tc.Reconciler.RecordClick(ctx, id, c.Query("recipient"), target); err != nil {
			tc.logFailure("click", id, err)
		}
	}

	return c.Redirect(target, fiber.StatusFound)
}

func (tc *TrackingController) logFailure(kind string, id uint, err error) {
	if errors.Is(err, services.ErrNotFound) {
		tc.Logger.Printf("Ignoring %s for unknown message %d", kind, id)
		return
	}
	utils.LogError("tracking_"+kind, err, map[string]interface{}{"message_id": id})
}
