package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"mailpulse/models"
	"mailpulse/services"
	"mailpulse/utils"
)

func currentUserID(c *fiber.Ctx) uint {
	if user, ok := c.Locals("user").(*models.User); ok && user != nil {
		return user.ID
	}
	return 0
}

// serviceError maps service failures onto HTTP responses.
func serviceError(c *fiber.Ctx, logger *log.Logger, action string, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Email not found",
		})
	case errors.Is(err, services.ErrNotCancellable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Email has already been sent or is being sent",
		})
	case errors.Is(err, services.ErrInvalidSchedule), errors.Is(err, services.ErrNoRecipients):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Printf("Failed to %s: %v", action, err)
	utils.LogError(action, err, map[string]interface{}{
		"user_id": currentUserID(c),
		"path":    c.Path(),
	})
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to " + action,
	})
}

// pageRequest reads the page and limit query parameters.
func pageRequest(c *fiber.Ctx) (services.Page, utils.PaginatedResponse) {
	page, limit, offset := utils.Paginate(c)
	return services.Page{Limit: limit, Offset: offset}, utils.PaginatedResponse{Page: page, Limit: limit}
}

func invalidID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Invalid email ID",
	})
}
