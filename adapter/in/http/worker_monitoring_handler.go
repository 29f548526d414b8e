package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"mailpilot_worker/core/port/in"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/apperr"
)

// PollStatusReader returns the last poll report stored for a connection.
type PollStatusReader interface {
	LastPoll(ctx context.Context, connectionID string) (*out.PollReport, error)
}

type MonitoringHandler struct {
	mailbox in.MailboxService
	status  PollStatusReader
}

// NewMonitoringHandler accepts a nil status reader when no shared store is configured.
func NewMonitoringHandler(mailbox in.MailboxService, status PollStatusReader) *MonitoringHandler {
	return &MonitoringHandler{mailbox: mailbox, status: status}
}

func (h *MonitoringHandler) Register(router fiber.Router) {
	mon := router.Group("/monitoring")

	mon.Get("/", h.Snapshot)
	mon.Get("/:id/last-poll", h.LastPoll)
}

func (h *MonitoringHandler) Snapshot(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	snap, err := h.mailbox.Monitoring(c.UserContext(), userID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, snap)
}

func (h *MonitoringHandler) LastPoll(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	id, err := GetConnectionID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if h.status == nil {
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "poll status store not configured")
	}

	ctx := c.UserContext()
	if err := ensureOwned(ctx, h.mailbox, userID, id); err != nil {
		return AppErrorResponse(c, err)
	}

	report, err := h.status.LastPoll(ctx, id.String())
	if err != nil {
		return AppErrorResponse(c, apperr.InternalWithError(err))
	}
	if report == nil {
		return AppErrorResponse(c, apperr.NotFound("poll report"))
	}
	return SuccessResponse(c, report)
}
