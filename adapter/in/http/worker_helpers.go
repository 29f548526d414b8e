package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailpilot_worker/core/port/in"
	"mailpilot_worker/pkg/apperr"
	"mailpilot_worker/pkg/logger"
)

// GetUserID extracts the authenticated subject set by the auth middleware.
func GetUserID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return "", apperr.Unauthorized("missing authenticated user")
	}
	return userID, nil
}

// GetConnectionID parses the :id route parameter.
func GetConnectionID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("id", "must be a uuid")
	}
	return id, nil
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// APIError represents a standard API error
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse sends a standardized JSON error response
func ErrorResponse(c *fiber.Ctx, status int, message string) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: mapStatusToCode(status), Message: message},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AppErrorResponse handles apperr.AppError and returns appropriate response.
// Unclassified errors are logged and reported as a generic 500.
func AppErrorResponse(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	if appErr.Status >= fiber.StatusInternalServerError {
		logger.WithError(err).
			WithField("path", c.Path()).
			Error("request failed: %s", appErr.Code)
	}
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(appErr.Status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SuccessResponse sends a standardized JSON success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func mapStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeBadRequest
	case 401:
		return apperr.CodeUnauthorized
	case 403:
		return "FORBIDDEN"
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 503:
		return "SERVICE_UNAVAILABLE"
	case 500:
		return apperr.CodeInternalError
	default:
		return "UNKNOWN_ERROR"
	}
}

// GetLimit reads ?limit= clamped to [1, max].
func GetLimit(c *fiber.Ctx, defaultLimit, max int) int {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > max {
		limit = max
	}
	return limit
}

// ensureOwned reports NotFound unless the connection belongs to the user.
func ensureOwned(ctx context.Context, mailbox in.MailboxService, userID string, id uuid.UUID) error {
	summaries, err := mailbox.ListConnections(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if s.ID == id {
			return nil
		}
	}
	return apperr.NotFound("connection")
}
