package controller

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"mailpulse/models"
	"mailpulse/services"
)

const searchLimit = 20

type DashboardController struct {
	Dashboard      *services.Dashboard
	Mailbox        *services.Mailbox
	Rollup         *services.RollupStore
	WeeklySendHour int
	Logger         *log.Logger
}

func NewDashboardController(dashboard *services.Dashboard, mailbox *services.Mailbox, rollup *services.RollupStore, weeklySendHour int, logger *log.Logger) *DashboardController {
	return &DashboardController{
		Dashboard:      dashboard,
		Mailbox:        mailbox,
		Rollup:         rollup,
		WeeklySendHour: weeklySendHour,
		Logger:         logger,
	}
}

// GetDashboardStats returns the summary counters for the dashboard cards
func (dc *DashboardController) GetDashboardStats(c *fiber.Ctx) error {
	stats, err := dc.Dashboard.Stats(c.UserContext(), currentUserID(c))
	if err != nil {
		return serviceError(c, dc.Logger, "fetch dashboard stats", err)
	}
	return c.JSON(stats)
}

func (dc *DashboardController) GetSentEmails(c *fiber.Ctx) error {
	page, resp := pageRequest(c)
	msgs, total, err := dc.Mailbox.ListPage(c.UserContext(), currentUserID(c), models.FolderSent, page)
	if err != nil {
		return serviceError(c, dc.Logger, "fetch sent emails", err)
	}
	resp.Data = services.SummarizeAll(msgs)
	resp.Total = total
	return c.JSON(resp)
}

func (dc *DashboardController) GetScheduledEmails(c *fiber.Ctx) error {
	page, resp := pageRequest(c)
	msgs, total, err := dc.Mailbox.ScheduledPage(c.UserContext(), currentUserID(c), page)
	if err != nil {
		return serviceError(c, dc.Logger, "fetch scheduled emails", err)
	}
	out := make([]fiber.Map, 0, len(msgs))
	for i := range msgs {
		out = append(out, fiber.Map{
			"email":           services.Summarize(&msgs[i]),
			"scheduleDisplay": services.DisplaySchedule(&msgs[i], dc.WeeklySendHour),
		})
	}
	resp.Data = out
	resp.Total = total
	return c.JSON(resp)
}

func (dc *DashboardController) GetRepliedEmails(c *fiber.Ctx) error {
	page, resp := pageRequest(c)
	msgs, total, err := dc.Mailbox.RepliedPage(c.UserContext(), currentUserID(c), page)
	if err != nil {
		return serviceError(c, dc.Logger, "fetch replied emails", err)
	}
	resp.Data = services.SummarizeAll(msgs)
	resp.Total = total
	return c.JSON(resp)
}

// GetUniqueRecipients lists every address the user has sent to, most
// recently contacted first.
func (dc *DashboardController) GetUniqueRecipients(c *fiber.Ctx) error {
	page, resp := pageRequest(c)
	rows, total, err := dc.Rollup.ListPage(c.UserContext(), currentUserID(c), page)
	if err != nil {
		return serviceError(c, dc.Logger, "fetch unique recipients", err)
	}
	if rows == nil {
		rows = []models.UniqueRecipient{}
	}
	resp.Data = rows
	resp.Total = total
	return c.JSON(resp)
}

// GetRecipientEmails returns the rollup row of one address and the
// messages sent to it. The row is null until a delivery succeeds.
func (dc *DashboardController) GetRecipientEmails(c *fiber.Ctx) error {
	email := models.NormalizeAddress(c.Params("email"))
	if email == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Recipient email is required",
		})
	}

	userID := currentUserID(c)
	recipient, err := dc.Rollup.Get(c.UserContext(), userID, email)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return serviceError(c, dc.Logger, "fetch recipient", err)
	}
	msgs, err := dc.Mailbox.SentTo(c.UserContext(), userID, email)
	if err != nil {
		return serviceError(c, dc.Logger, "fetch recipient emails", err)
	}
	return c.JSON(fiber.Map{
		"recipient": recipient,
		"emails":    services.SummarizeAll(msgs),
	})
}

// Search looks for q across sent mail, pending schedules and recipients.
func (dc *DashboardController) Search(c *fiber.Ctx) error {
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		return c.JSON(fiber.Map{
			"sent":       []services.MessageSummary{},
			"scheduled":  []fiber.Map{},
			"recipients": []models.UniqueRecipient{},
		})
	}

	ctx := c.UserContext()
	userID := currentUserID(c)

	sent, err := dc.Mailbox.SearchSent(ctx, userID, term, searchLimit)
	if err != nil {
		return serviceError(c, dc.Logger, "search sent emails", err)
	}

	pending, err := dc.Mailbox.Scheduled(ctx, userID)
	if err != nil {
		return serviceError(c, dc.Logger, "search scheduled emails", err)
	}
	lower := strings.ToLower(term)
	scheduled := []fiber.Map{}
	for i := range pending {
		msg := &pending[i]
		display := services.DisplaySchedule(msg, dc.WeeklySendHour)
		if !display.Matches(term) &&
			!strings.Contains(strings.ToLower(msg.Subject), lower) &&
			!strings.Contains(strings.ToLower(msg.To), lower) {
			continue
		}
		scheduled = append(scheduled, fiber.Map{
			"email":           services.Summarize(msg),
			"scheduleDisplay": display,
		})
	}

	rows, err := dc.Rollup.List(ctx, userID)
	if err != nil {
		return serviceError(c, dc.Logger, "search recipients", err)
	}
	recipients := []models.UniqueRecipient{}
	for _, r := range rows {
		if strings.Contains(r.RecipientEmail, lower) {
			recipients = append(recipients, r)
		}
	}

	return c.JSON(fiber.Map{
		"sent":       services.SummarizeAll(sent),
		"scheduled":  scheduled,
		"recipients": recipients,
	})
}
