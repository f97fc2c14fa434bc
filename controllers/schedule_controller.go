package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"mailpulse/models"
	"mailpulse/services"
	"mailpulse/utils"
)

type ScheduleController struct {
	Dispatcher     *services.Dispatcher
	Mailbox        *services.Mailbox
	UploadDir      string
	WeeklySendHour int
	Logger         *log.Logger
}

func NewScheduleController(dispatcher *services.Dispatcher, mailbox *services.Mailbox, uploadDir string, weeklySendHour int, logger *log.Logger) *ScheduleController {
	return &ScheduleController{
		Dispatcher:     dispatcher,
		Mailbox:        mailbox,
		UploadDir:      uploadDir,
		WeeklySendHour: weeklySendHour,
		Logger:         logger,
	}
}

type scheduleForm struct {
	ScheduleType  string `json:"scheduleType" form:"scheduleType"`
	ScheduledDate string `json:"scheduledDate" form:"scheduledDate"`
	ScheduledTime string `json:"scheduledTime" form:"scheduledTime"`
	DayOfWeek     *int   `json:"dayOfWeek" form:"dayOfWeek"`
}

// ScheduledEmail is a pending message with its human-readable schedule.
type ScheduledEmail struct {
	models.Message
	ScheduleDisplay services.ScheduleDisplay `json:"scheduleDisplay"`
}

// ScheduleEmail stores a message for later delivery to every recipient.
func (sc *ScheduleController) ScheduleEmail(c *fiber.Ctx) error {
	var form scheduleForm
	if err := c.BodyParser(&form); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	sreq := services.ScheduleRequest{
		Type:      form.ScheduleType,
		Date:      form.ScheduledDate,
		Time:      form.ScheduledTime,
		DayOfWeek: form.DayOfWeek,
	}
	if err := utils.ValidateStruct(sreq); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	req, err := parseCompose(c, sc.UploadDir)
	if err != nil {
		if handled, resp := requestError(c, err); handled {
			return resp
		}
		return serviceError(c, sc.Logger, "store attachments", err)
	}

	msgs, err := sc.Dispatcher.Schedule(c.UserContext(), currentUserID(c), req, sreq)
	if err != nil {
		return serviceError(c, sc.Logger, "schedule email", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Email scheduled",
		"emails":  sc.withDisplay(msgs),
	})
}

// GetScheduled lists pending messages, soonest first.
func (sc *ScheduleController) GetScheduled(c *fiber.Ctx) error {
	msgs, err := sc.Mailbox.Scheduled(c.UserContext(), currentUserID(c))
	if err != nil {
		return serviceError(c, sc.Logger, "fetch scheduled emails", err)
	}
	return c.JSON(sc.withDisplay(msgs))
}

func (sc *ScheduleController) CancelScheduled(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	if err := sc.Dispatcher.Cancel(c.UserContext(), currentUserID(c), id); err != nil {
		return serviceError(c, sc.Logger, "cancel scheduled email", err)
	}
	return c.JSON(fiber.Map{
		"message": "Scheduled email cancelled",
	})
}

func (sc *ScheduleController) withDisplay(msgs []models.Message) []ScheduledEmail {
	out := make([]ScheduledEmail, 0, len(msgs))
	for i := range msgs {
		out = append(out, ScheduledEmail{
			Message:         msgs[i],
			ScheduleDisplay: services.DisplaySchedule(&msgs[i], sc.WeeklySendHour),
		})
	}
	return out
}
