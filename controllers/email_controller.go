package controller

import (
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"mailpulse/models"
	"mailpulse/services"
	"mailpulse/utils"
)

type EmailController struct {
	Dispatcher *services.Dispatcher
	Mailbox    *services.Mailbox
	UploadDir  string
	Logger     *log.Logger
}

func NewEmailController(dispatcher *services.Dispatcher, mailbox *services.Mailbox, uploadDir string, logger *log.Logger) *EmailController {
	return &EmailController{
		Dispatcher: dispatcher,
		Mailbox:    mailbox,
		UploadDir:  uploadDir,
		Logger:     logger,
	}
}

// ComposeForm is the body of send and schedule requests. Recipients may
// be given as "to", as a "recipients" list or as a JSON-encoded
// "bulkRecipients" array, and are merged.
type ComposeForm struct {
	To             string   `json:"to" form:"to"`
	Recipients     []string `json:"recipients" form:"recipients"`
	BulkRecipients string   `json:"bulkRecipients" form:"bulkRecipients"`
	From           string   `json:"from" form:"from"`
	Subject        string   `json:"subject" form:"subject"`
	Body           string   `json:"body" form:"body"`
	Category       string   `json:"category" form:"category"`
}

func (f ComposeForm) recipients() ([]string, error) {
	out := append([]string{}, f.Recipients...)
	if strings.TrimSpace(f.To) != "" {
		out = append([]string{f.To}, out...)
	}
	if strings.TrimSpace(f.BulkRecipients) != "" {
		var bulk []string
		if err := json.Unmarshal([]byte(f.BulkRecipients), &bulk); err != nil {
			return nil, err
		}
		out = append(out, bulk...)
	}
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out, nil
}

// EmailView is a message with its view and click counts.
type EmailView struct {
	models.Message
	ViewCount     int      `json:"viewCount"`
	UniqueViewers []string `json:"uniqueViewers"`
	LinkClicks    int      `json:"linkClicks"`
}

func enrich(msg models.Message) EmailView {
	seen := make(map[string]struct{}, len(msg.Viewers))
	viewers := []string{}
	for _, v := range msg.Viewers {
		if _, ok := seen[v.User]; ok {
			continue
		}
		seen[v.User] = struct{}{}
		viewers = append(viewers, v.User)
	}
	return EmailView{
		Message:       msg,
		ViewCount:     len(msg.Viewers),
		UniqueViewers: viewers,
		LinkClicks:    msg.Tracking.TotalClicks(),
	}
}

func enrichAll(msgs []models.Message) []EmailView {
	out := make([]EmailView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, enrich(m))
	}
	return out
}

// parseCompose reads a JSON or multipart compose request, storing any
// uploaded files under uploadDir.
func parseCompose(c *fiber.Ctx, uploadDir string) (services.ComposeRequest, error) {
	var form ComposeForm
	if err := c.BodyParser(&form); err != nil {
		return services.ComposeRequest{}, fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	recipients, err := form.recipients()
	if err != nil {
		return services.ComposeRequest{}, fiber.NewError(fiber.StatusBadRequest, "bulkRecipients must be a JSON array of addresses")
	}

	req := services.ComposeRequest{
		From:       strings.TrimSpace(form.From),
		Recipients: recipients,
		Subject:    form.Subject,
		Body:       form.Body,
		Category:   form.Category,
	}
	if err := utils.ValidateStruct(req); err != nil {
		return services.ComposeRequest{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	files, err := saveUploads(c, uploadDir)
	if err != nil {
		return services.ComposeRequest{}, err
	}
	req.Files = files
	return req, nil
}

func saveUploads(c *fiber.Ctx, uploadDir string) ([]string, error) {
	if !strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return nil, nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid multipart form")
	}

	var saved []string
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		path, err := utils.SaveAttachment(uploadDir, fh.Filename, data)
		if err != nil {
			return nil, err
		}
		saved = append(saved, path)
	}
	return saved, nil
}

func requestError(c *fiber.Ctx, err error) (bool, error) {
	if fe, ok := err.(*fiber.Error); ok {
		return true, c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return false, nil
}

// SendEmail sends a message to every recipient immediately.
func (ec *EmailController) SendEmail(c *fiber.Ctx) error {
	req, err := parseCompose(c, ec.UploadDir)
	if err != nil {
		if handled, resp := requestError(c, err); handled {
			return resp
		}
		return serviceError(c, ec.Logger, "store attachments", err)
	}

	msgs, err := ec.Dispatcher.Send(c.UserContext(), currentUserID(c), req)
	if err != nil {
		return serviceError(c, ec.Logger, "send email", err)
	}

	failed := 0
	for _, m := range msgs {
		if m.Status == models.StatusFailed {
			failed++
		}
	}
	return c.JSON(fiber.Map{
		"message": "Emails sent",
		"sent":    len(msgs) - failed,
		"failed":  failed,
		"emails":  enrichAll(msgs),
	})
}

// ListEmails returns one page of a folder, newest first.
func (ec *EmailController) ListEmails(c *fiber.Ctx) error {
	folder := c.Query("folder", models.FolderInbox)
	switch folder {
	case models.FolderInbox, models.FolderSent, models.FolderDrafts, models.FolderTrash:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown folder",
		})
	}

	page, resp := pageRequest(c)
	msgs, total, err := ec.Mailbox.ListPage(c.UserContext(), currentUserID(c), folder, page)
	if err != nil {
		return serviceError(c, ec.Logger, "fetch emails", err)
	}
	resp.Data = enrichAll(msgs)
	resp.Total = total
	return c.JSON(resp)
}

func (ec *EmailController) GetEmail(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	msg, err := ec.Mailbox.Get(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return serviceError(c, ec.Logger, "fetch email", err)
	}
	return c.JSON(enrich(*msg))
}

// GetTracking returns the engagement summary of one message.
func (ec *EmailController) GetTracking(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	msg, err := ec.Mailbox.Get(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return serviceError(c, ec.Logger, "fetch tracking", err)
	}
	return c.JSON(fiber.Map{
		"summary":  services.Summarize(msg),
		"tracking": msg.Tracking,
	})
}

// ReplyEmail replies within a message's thread.
func (ec *EmailController) ReplyEmail(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var body struct {
		Body string `json:"body" form:"body" validate:"required"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	files, err := saveUploads(c, ec.UploadDir)
	if err != nil {
		if handled, resp := requestError(c, err); handled {
			return resp
		}
		return serviceError(c, ec.Logger, "store attachments", err)
	}

	msg, err := ec.Dispatcher.ReplyInThread(c.UserContext(), currentUserID(c), id, body.Body, files)
	if err != nil {
		return serviceError(c, ec.Logger, "reply", err)
	}
	return c.JSON(enrich(*msg))
}

// ViewEmail appends an entry to the message's view log.
func (ec *EmailController) ViewEmail(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var body struct {
		User string `json:"user"`
	}
	_ = c.BodyParser(&body)

	msg, err := ec.Mailbox.RecordView(c.UserContext(), currentUserID(c), id, body.User)
	if err != nil {
		return serviceError(c, ec.Logger, "track view", err)
	}
	return c.JSON(enrich(*msg))
}

func (ec *EmailController) MarkRead(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	var body struct {
		Unread bool `json:"unread"`
	}
	_ = c.BodyParser(&body)

	msg, err := ec.Mailbox.SetUnread(c.UserContext(), currentUserID(c), id, body.Unread)
	if err != nil {
		return serviceError(c, ec.Logger, "update email", err)
	}
	return c.JSON(enrich(*msg))
}

// TrashEmail moves a message to Trash.
func (ec *EmailController) TrashEmail(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	msg, err := ec.Mailbox.Trash(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return serviceError(c, ec.Logger, "delete", err)
	}
	return c.JSON(enrich(*msg))
}

func (ec *EmailController) RestoreEmail(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	msg, err := ec.Mailbox.Restore(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return serviceError(c, ec.Logger, "restore", err)
	}
	return c.JSON(enrich(*msg))
}

// DeleteEmail removes a message and its attachments for good.
func (ec *EmailController) DeleteEmail(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalidID(c)
	}
	if err := ec.Mailbox.DeletePermanently(c.UserContext(), currentUserID(c), id); err != nil {
		return serviceError(c, ec.Logger, "permanently delete", err)
	}
	return c.JSON(fiber.Map{
		"message": "Email permanently deleted",
	})
}

func (ec *EmailController) EmptyTrash(c *fiber.Ctx) error {
	n, err := ec.Mailbox.EmptyTrash(c.UserContext(), currentUserID(c))
	if err != nil {
		return serviceError(c, ec.Logger, "empty trash", err)
	}
	return c.JSON(fiber.Map{
		"message": "Trash emptied",
		"deleted": n,
	})
}
