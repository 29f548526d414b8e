package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

const alertTimeout = 10 * time.Second

// Service records user notifications and fans alerts out to side channels.
// Nothing here returns an error to the caller.
type Service struct {
	repo  out.NotificationRepository
	sinks []out.AlertSink
	wg    sync.WaitGroup
	now   func() time.Time
}

func NewService(repo out.NotificationRepository, sinks ...out.AlertSink) *Service {
	return &Service{repo: repo, sinks: sinks, now: time.Now}
}

// Notify persists a notification; failures are logged and swallowed.
func (s *Service) Notify(ctx context.Context, userID string, kind domain.NotificationKind, title, message string, metadata map[string]any) {
	if s.repo == nil {
		return
	}
	n := &domain.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		logger.WithFields(map[string]any{"user_id": userID, "kind": string(kind)}).
			WithError(err).Warn("[Notification] failed to persist notification")
	}
}

// Alert sends to every sink in the background. Flush waits for delivery.
func (s *Service) Alert(ctx context.Context, alert *domain.Alert) {
	for _, sink := range s.sinks {
		s.wg.Add(1)
		go func(sink out.AlertSink) {
			defer s.wg.Done()
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
			defer cancel()
			if err := sink.SendAlert(actx, alert); err != nil {
				logger.WithField("sink", sink.Name()).WithError(err).Warn("[Notification] alert delivery failed")
			}
		}(sink)
	}
}

// Flush blocks until in-flight alerts are delivered or have failed.
func (s *Service) Flush() {
	s.wg.Wait()
}

// List returns the user's most recent notifications.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListByUser(ctx, userID, limit)
}
