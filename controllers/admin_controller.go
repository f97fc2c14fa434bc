package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"mailpulse/services"
	"mailpulse/utils"
)

type AdminController struct {
	Accounts *services.Accounts
	Logger   *log.Logger
}

func NewAdminController(accounts *services.Accounts, logger *log.Logger) *AdminController {
	return &AdminController{Accounts: accounts, Logger: logger}
}

func (ac *AdminController) accountError(c *fiber.Ctx, action string, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	case errors.Is(err, services.ErrEmailTaken):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Email already registered",
		})
	}
	return serviceError(c, ac.Logger, action, err)
}

func invalidUserID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Invalid user ID",
	})
}

func (ac *AdminController) ListUsers(c *fiber.Ctx) error {
	page, resp := pageRequest(c)
	users, total, err := ac.Accounts.List(c.UserContext(), page)
	if err != nil {
		return ac.accountError(c, "fetch users", err)
	}
	resp.Data = users
	resp.Total = total
	return c.JSON(resp)
}

func (ac *AdminController) GetUser(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidUserID(c)
	}
	user, err := ac.Accounts.Get(c.UserContext(), id)
	if err != nil {
		return ac.accountError(c, "fetch user", err)
	}
	return c.JSON(user)
}

func (ac *AdminController) UpdateUser(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidUserID(c)
	}
	var req services.AccountUpdate
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	user, err := ac.Accounts.Update(c.UserContext(), id, req)
	if err != nil {
		return ac.accountError(c, "update user", err)
	}
	return c.JSON(fiber.Map{
		"message": "User updated successfully",
		"user":    user,
	})
}

// DeleteUser removes an account together with its mail and recipient
// rollups. Admins cannot delete themselves.
func (ac *AdminController) DeleteUser(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidUserID(c)
	}
	if id == currentUserID(c) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot delete your own account",
		})
	}
	if err := ac.Accounts.Delete(c.UserContext(), id); err != nil {
		return ac.accountError(c, "delete user", err)
	}
	utils.LogEvent("user_deleted", map[string]interface{}{
		"user_id":  id,
		"admin_id": currentUserID(c),
	})
	return c.JSON(fiber.Map{
		"message": "User deleted successfully",
	})
}

func (ac *AdminController) GetAnalytics(c *fiber.Ctx) error {
	stats, err := ac.Accounts.Analytics(c.UserContext())
	if err != nil {
		return ac.accountError(c, "fetch analytics", err)
	}
	return c.JSON(stats)
}
