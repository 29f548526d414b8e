package notification

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/adapter/out/memory"
	"mailpilot_worker/core/domain"
)

type failingRepo struct{}

func (failingRepo) Create(ctx context.Context, n *domain.Notification) error {
	return errors.New("db down")
}

func (failingRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	return nil, errors.New("db down")
}

type countingSink struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *countingSink) Name() string { return s.name }
func (s *countingSink) SendAlert(ctx context.Context, alert *domain.Alert) error {
	s.calls.Add(1)
	return s.err
}

func TestNotifyPersists(t *testing.T) {
	store := memory.NewNotificationStore()
	svc := NewService(store)

	svc.Notify(context.Background(), "u1", domain.NotifyConnectionError, "title", "msg", map[string]any{"k": "v"})
	svc.Notify(context.Background(), "u2", domain.NotifyUrgentMessage, "other", "msg", nil)

	list, err := svc.List(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.NotifyConnectionError, list[0].Kind)
	assert.Equal(t, "v", list[0].Metadata["k"])
}

func TestNotifySwallowsRepositoryErrors(t *testing.T) {
	svc := NewService(failingRepo{})
	assert.NotPanics(t, func() {
		svc.Notify(context.Background(), "u1", domain.NotifyConnectionError, "t", "m", nil)
	})
}

func TestAlertFansOutToAllSinks(t *testing.T) {
	ok := &countingSink{name: "ok"}
	broken := &countingSink{name: "broken", err: errors.New("502")}
	svc := NewService(nil, ok, broken)

	svc.Alert(context.Background(), &domain.Alert{Email: "a@x.com", Health: domain.HealthError})
	svc.Flush()

	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, int32(1), broken.calls.Load())
}
