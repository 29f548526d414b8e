package http

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"mailpilot_worker/core/domain"
)

// NotificationLister is the read side of the notification service.
type NotificationLister interface {
	List(ctx context.Context, userID string, limit int) ([]*domain.Notification, error)
}

// NotificationHandler handles notification requests.
type NotificationHandler struct {
	notifications NotificationLister
}

func NewNotificationHandler(notifications NotificationLister) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/notifications", h.ListNotifications)
}

// ListNotifications returns the newest notifications first.
func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if h.notifications == nil {
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "notification service not available")
	}

	limit := GetLimit(c, 50, 200)
	list, err := h.notifications.List(c.UserContext(), userID, limit)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if list == nil {
		list = []*domain.Notification{}
	}
	return SuccessResponse(c, fiber.Map{
		"notifications": list,
		"limit":         limit,
	})
}
