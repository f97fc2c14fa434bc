package controller

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"mailpulse/config"
	"mailpulse/models"
	"mailpulse/utils"
)

type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,mailaddr"`
}

type ResetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

const forgotPasswordReply = "If an account exists, a password reset link has been sent"

const resetEmailTemplate = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
<h2>Password Reset Request</h2>
<p>You requested a password reset. Click the link below to reset your password:</p>
<a href="%s" style="display: inline-block; padding: 10px 20px; background-color: #007bff; color: white; text-decoration: none; border-radius: 5px;">Reset Password</a>
<p>This link will expire in 1 hour.</p>
<p>If you didn't request this, please ignore this email.</p>
</div>`

// PasswordController mails reset links and redeems them.
type PasswordController struct {
	Transport utils.Transport
	AppURL    string
	FromEmail string
	FromName  string
	Logger    *log.Logger
}

func NewPasswordController(transport utils.Transport, appURL, fromEmail, fromName string, logger *log.Logger) *PasswordController {
	return &PasswordController{
		Transport: transport,
		AppURL:    appURL,
		FromEmail: fromEmail,
		FromName:  fromName,
		Logger:    logger,
	}
}

// ForgotPassword answers the same way whether or not the account exists.
func (pc *PasswordController) ForgotPassword(c *fiber.Ctx) error {
	var req ForgotPasswordRequest
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

	var user models.User
	if err := config.DB.Where("email = ?", models.NormalizeAddress(req.Email)).First(&user).Error; err != nil || !user.IsActive {
		return c.JSON(fiber.Map{
			"message": forgotPasswordReply,
		})
	}

	token, err := utils.GenerateSecureToken()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate reset token",
		})
	}
	expires := time.Now().Add(utils.ResetTokenExpiry)
	err = config.DB.Model(&user).Updates(map[string]interface{}{
		"reset_token_hash":       utils.HashResetToken(token),
		"reset_token_expires_at": expires,
	}).Error
	if err != nil {
		utils.LogError("reset_token_save", err, map[string]interface{}{"user_id": user.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save reset token",
		})
	}

	env := utils.Envelope{
		FromEmail: pc.FromEmail,
		FromName:  pc.FromName,
		To:        []string{user.Email},
		Subject:   "Password Reset Request",
		HTMLBody:  fmt.Sprintf(resetEmailTemplate, utils.ResetPasswordURL(pc.AppURL, token)),
	}
	if err := pc.Transport.Send(c.UserContext(), env); err != nil {
		pc.Logger.Printf("Failed to send password reset email to %s: %v", user.Email, err)
		utils.LogError("reset_email_send", err, map[string]interface{}{"user_id": user.ID})
		config.DB.Model(&user).Updates(map[string]interface{}{
			"reset_token_hash":       nil,
			"reset_token_expires_at": nil,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to send reset email",
		})
	}

	utils.LogEvent("password_reset_requested", map[string]interface{}{"user_id": user.ID})
	return c.JSON(fiber.Map{
		"message": forgotPasswordReply,
	})
}

// ResetPassword redeems the emailed token once. Every session issued
// before the reset is revoked.
func (pc *PasswordController) ResetPassword(c *fiber.Ctx) error {
	var req ResetPasswordRequest
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

	hash := utils.HashResetToken(c.Params("token"))
	var user models.User
	err := config.DB.
		Where("reset_token_hash = ? AND reset_token_expires_at > ?", hash, time.Now()).
		First(&user).Error
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid or expired reset token",
		})
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to hash password",
		})
	}

	// The hash condition makes a concurrent second redemption a no-op.
	res := config.DB.Model(&models.User{}).
		Where("id = ? AND reset_token_hash = ?", user.ID, hash).
		Updates(map[string]interface{}{
			"password_hash":          string(hashedPassword),
			"reset_token_hash":       nil,
			"reset_token_expires_at": nil,
			"token_version":          gorm.Expr("token_version + 1"),
		})
	if res.Error != nil {
		utils.LogError("password_reset", res.Error, map[string]interface{}{"user_id": user.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update password",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid or expired reset token",
		})
	}

	utils.LogEvent("password_reset", map[string]interface{}{"user_id": user.ID})
	return c.JSON(fiber.Map{
		"message": "Password reset successful",
	})
}

// ChangePassword replaces the password of the signed-in user and returns
// a fresh token pair, since the old tokens stop working.
func ChangePassword(c *fiber.Ctx) error {
	var req ChangePasswordRequest
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

	user := c.Locals("user").(*models.User)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid current password",
		})
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to hash password",
		})
	}

	err = config.DB.Model(user).Updates(map[string]interface{}{
		"password_hash": string(hashedPassword),
		"token_version": gorm.Expr("token_version + 1"),
	}).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update password",
		})
	}

	var fresh models.User
	if err := config.DB.First(&fresh, user.ID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch user",
		})
	}
	accessToken, refreshToken, err := utils.GenerateJWTToken(&fresh)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate tokens",
		})
	}
	fresh.SanitizeForResponse()
	return c.JSON(AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         &fresh,
	})
}
