package http

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/in"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/apperr"
)

// ConnectionHandler exposes the mailbox control surface.
type ConnectionHandler struct {
	mailbox   in.MailboxService
	sent      out.SentHistoryRepository
	pollGuard []fiber.Handler
}

func NewConnectionHandler(mailbox in.MailboxService) *ConnectionHandler {
	return &ConnectionHandler{mailbox: mailbox}
}

// WithSentHistory enables GET /connections/:id/sent.
func (h *ConnectionHandler) WithSentHistory(repo out.SentHistoryRepository) *ConnectionHandler {
	h.sent = repo
	return h
}

// WithPollGuard runs the given middleware in front of the manual poll route.
func (h *ConnectionHandler) WithPollGuard(guards ...fiber.Handler) *ConnectionHandler {
	h.pollGuard = append(h.pollGuard, guards...)
	return h
}

func (h *ConnectionHandler) Register(router fiber.Router) {
	conns := router.Group("/connections")

	conns.Get("/", h.List)
	conns.Post("/", h.Connect)
	conns.Delete("/:id", h.Disconnect)
	conns.Post("/:id/pause", h.Pause)
	conns.Post("/:id/resume", h.Resume)
	conns.Post("/:id/reconnect", h.Reconnect)
	conns.Post("/:id/poll", append(h.pollGuard, h.Poll)...)
	conns.Put("/:id/sync-policy", h.UpdateSyncPolicy)
	conns.Put("/:id/ai-policy", h.UpdateAIPolicy)
	conns.Get("/:id/sent", h.SentHistory)
}

// syncPolicyRequest carries the poll interval in seconds; time.Duration
// would otherwise be exchanged as nanoseconds. An omitted enabled keeps
// syncing on.
type syncPolicyRequest struct {
	Enabled             *bool    `json:"enabled"`
	Folders             []string `json:"folders"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
	MarkAsRead          bool     `json:"mark_as_read"`
}

func (r *syncPolicyRequest) toDomain() domain.SyncPolicy {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return domain.SyncPolicy{
		Enabled:      enabled,
		Folders:      r.Folders,
		PollInterval: time.Duration(r.PollIntervalSeconds) * time.Second,
		MarkAsRead:   r.MarkAsRead,
	}
}

type connectRequest struct {
	Email       string             `json:"email"`
	Provider    string             `json:"provider"`
	Credentials domain.Credentials `json:"credentials"`
	SyncPolicy  *syncPolicyRequest `json:"sync_policy,omitempty"`
	AIPolicy    *domain.AIPolicy   `json:"ai_policy,omitempty"`
}

func (h *ConnectionHandler) List(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	summaries, err := h.mailbox.ListConnections(c.UserContext(), userID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if summaries == nil {
		summaries = []domain.ConnectionSummary{}
	}
	return SuccessResponse(c, fiber.Map{
		"connections": summaries,
		"total":       len(summaries),
	})
}

func (h *ConnectionHandler) Connect(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}
	if strings.TrimSpace(req.Email) == "" {
		return AppErrorResponse(c, apperr.MissingField("email"))
	}
	if req.Provider == "" {
		return AppErrorResponse(c, apperr.MissingField("provider"))
	}

	connReq := &in.ConnectRequest{
		UserID:      userID,
		Email:       req.Email,
		Provider:    domain.ProviderKind(strings.ToLower(req.Provider)),
		Credentials: req.Credentials,
		AI:          req.AIPolicy,
	}
	if req.SyncPolicy != nil {
		sync := req.SyncPolicy.toDomain()
		connReq.Sync = &sync
	}

	conn, err := h.mailbox.Connect(c.UserContext(), connReq)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	c.Status(fiber.StatusCreated)
	return SuccessResponse(c, conn)
}

func (h *ConnectionHandler) Disconnect(c *fiber.Ctx) error {
	return h.control(c, h.mailbox.Disconnect)
}

func (h *ConnectionHandler) Pause(c *fiber.Ctx) error {
	return h.control(c, h.mailbox.Pause)
}

func (h *ConnectionHandler) Resume(c *fiber.Ctx) error {
	return h.control(c, h.mailbox.Resume)
}

func (h *ConnectionHandler) Reconnect(c *fiber.Ctx) error {
	return h.control(c, h.mailbox.Reconnect)
}

func (h *ConnectionHandler) Poll(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	id, err := GetConnectionID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	summary, err := h.mailbox.PollNow(c.UserContext(), userID, id)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, summary)
}

func (h *ConnectionHandler) UpdateSyncPolicy(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	id, err := GetConnectionID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var req syncPolicyRequest
	if err := c.BodyParser(&req); err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}
	if err := h.mailbox.UpdateSyncPolicy(c.UserContext(), userID, id, req.toDomain()); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"updated": true})
}

func (h *ConnectionHandler) UpdateAIPolicy(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	id, err := GetConnectionID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var policy domain.AIPolicy
	if err := c.BodyParser(&policy); err != nil {
		return AppErrorResponse(c, apperr.BadRequest("invalid request body"))
	}
	if err := h.mailbox.UpdateAIPolicy(c.UserContext(), userID, id, policy); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"updated": true})
}

func (h *ConnectionHandler) SentHistory(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	id, err := GetConnectionID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if h.sent == nil {
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "sent history store not configured")
	}
	ctx := c.UserContext()
	if err := ensureOwned(ctx, h.mailbox, userID, id); err != nil {
		return AppErrorResponse(c, err)
	}
	records, err := h.sent.ListByConnection(ctx, id, GetLimit(c, 50, 200))
	if err != nil {
		return AppErrorResponse(c, apperr.InternalWithError(err))
	}
	if records == nil {
		records = []*domain.SentRecord{}
	}
	return SuccessResponse(c, fiber.Map{"sent": records})
}

// control runs a state change that only needs the owner and connection id.
func (h *ConnectionHandler) control(c *fiber.Ctx, fn func(context.Context, string, uuid.UUID) error) error {
	userID, err := GetUserID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	id, err := GetConnectionID(c)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if err := fn(c.UserContext(), userID, id); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"connection_id": id})
}
