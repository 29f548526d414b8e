package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/adapter/out/memory"
	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

type recordingNotifier struct {
	mu     sync.Mutex
	kinds  []domain.NotificationKind
	alerts []*domain.Alert
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, kind domain.NotificationKind, title, message string, metadata map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) Alert(ctx context.Context, alert *domain.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

type fixture struct {
	mon      *Monitor
	conns    *memory.ConnectionStore
	logStore *memory.MonitoringLog
	notifier *recordingNotifier
	conn     *domain.Connection
	clock    time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		conns:    memory.NewConnectionStore(),
		logStore: memory.NewMonitoringLog(),
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.conn = &domain.Connection{ID: uuid.New(), UserID: "u1", Email: "a@x.com", Provider: domain.ProviderGmail, Status: domain.StatusActive}
	require.NoError(t, f.conns.Upsert(context.Background(), f.conn))

	f.mon = NewMonitor(cfg, f.logStore, f.conns, f.notifier)
	f.mon.now = func() time.Time { return f.clock }
	f.mon.Track(f.conn)
	return f
}

func (f *fixture) health(t *testing.T) domain.Health {
	t.Helper()
	rec, ok := f.mon.Get(f.conn.ID)
	require.True(t, ok)
	return rec.Health
}

func TestThreeTransientErrorsEscalateToWarning(t *testing.T) {
	f := newFixture(t, Config{TransientEscalation: 3})
	ctx := context.Background()
	transient := out.TransientError("gmail", "503", nil)

	f.mon.RecordSuccess(ctx, f.conn, 2)
	assert.Equal(t, domain.HealthHealthy, f.health(t))

	f.mon.RecordFailure(ctx, f.conn, transient)
	f.mon.RecordFailure(ctx, f.conn, transient)
	assert.Equal(t, domain.HealthHealthy, f.health(t))

	f.mon.RecordFailure(ctx, f.conn, transient)
	assert.Equal(t, domain.HealthWarning, f.health(t))

	rec, _ := f.mon.Get(f.conn.ID)
	assert.Equal(t, int64(3), rec.WarningCount)
	assert.Equal(t, 3, rec.ConsecutiveTransient)
	require.Len(t, rec.Transitions, 2)
	assert.Equal(t, domain.HealthWarning, rec.Transitions[0].To, "most recent first")

	f.mon.RecordSuccess(ctx, f.conn, 0)
	assert.Equal(t, domain.HealthHealthy, f.health(t))
	assert.Contains(t, f.notifier.kinds, domain.NotifyConnectionRecovered)
}

func TestSuccessResetsTransientStreak(t *testing.T) {
	f := newFixture(t, Config{TransientEscalation: 3})
	ctx := context.Background()
	transient := errors.New("i/o timeout")

	f.mon.RecordFailure(ctx, f.conn, transient)
	f.mon.RecordFailure(ctx, f.conn, transient)
	f.mon.RecordSuccess(ctx, f.conn, 0)
	f.mon.RecordFailure(ctx, f.conn, transient)
	f.mon.RecordFailure(ctx, f.conn, transient)

	assert.Equal(t, domain.HealthHealthy, f.health(t))
}

func TestAuthErrorGoesStraightToError(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.mon.RecordSuccess(ctx, f.conn, 0)
	f.mon.RecordFailure(ctx, f.conn, out.AuthError("gmail", "invalid_grant", nil))

	assert.Equal(t, domain.HealthError, f.health(t))
	assert.Equal(t, domain.HealthError, f.mon.Overall())

	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, domain.HealthError, f.notifier.alerts[0].Health)
	assert.Contains(t, f.notifier.kinds, domain.NotifyConnectionError)

	stored, err := f.conns.GetByID(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "auth", stored.LastError.Kind)

	assert.Len(t, f.logStore.Transitions(f.conn.ID), 2)
}

func TestCheckStale(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()

	f.mon.RecordSuccess(ctx, f.conn, 0)
	f.clock = f.clock.Add(5 * time.Minute)
	assert.Empty(t, f.mon.CheckStale(ctx))

	f.clock = f.clock.Add(6 * time.Minute)
	stalled := f.mon.CheckStale(ctx)
	assert.Equal(t, []uuid.UUID{f.conn.ID}, stalled)
	assert.Equal(t, domain.HealthStalled, f.health(t))
	assert.Empty(t, f.mon.CheckStale(ctx), "already stalled")

	stored, _ := f.conns.GetByID(ctx, f.conn.ID)
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.Equal(t, ErrKindStale, stored.LastError.Kind)

	f.mon.RecordSuccess(ctx, f.conn, 1)
	stored, _ = f.conns.GetByID(ctx, f.conn.ID)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Nil(t, stored.LastError)
}

func TestCheckStaleScalesWithPollInterval(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	f.conn.Sync.PollInterval = time.Hour
	f.mon.Track(f.conn)

	f.mon.RecordSuccess(ctx, f.conn, 0)
	f.clock = f.clock.Add(90 * time.Minute)
	assert.Empty(t, f.mon.CheckStale(ctx), "an hourly mailbox is not stale between polls")

	f.clock = f.clock.Add(2 * time.Hour)
	assert.Equal(t, []uuid.UUID{f.conn.ID}, f.mon.CheckStale(ctx))
}

func TestForgottenConnectionIsNeverStale(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute})
	ctx := context.Background()
	f.mon.Forget(f.conn.ID)

	f.clock = f.clock.Add(time.Hour)
	assert.Empty(t, f.mon.CheckStale(ctx))
	assert.Empty(t, f.notifier.alerts)
	stored, _ := f.conns.GetByID(ctx, f.conn.ID)
	assert.Equal(t, domain.StatusActive, stored.Status)
}

func TestHistoryIsCapped(t *testing.T) {
	f := newFixture(t, Config{HistorySize: 5})
	for i := 0; i < 12; i++ {
		f.mon.RecordSuccess(context.Background(), f.conn, i)
	}
	rec, _ := f.mon.Get(f.conn.ID)
	require.Len(t, rec.Events, 5)
	assert.Equal(t, 11, rec.Events[0].Messages)
	assert.Equal(t, int64(12), rec.SuccessCount)
}

func TestSnapshotAggregatesWorstHealth(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	other := &domain.Connection{ID: uuid.New(), UserID: "u1", Email: "b@x.com"}
	third := &domain.Connection{ID: uuid.New(), UserID: "u2", Email: "c@x.com"}

	f.mon.RecordSuccess(ctx, f.conn, 0)
	f.mon.RecordSuccess(ctx, other, 0)
	f.mon.RecordFailure(ctx, third, out.AuthError("imap", "LOGIN failed", nil))

	snap := f.mon.Snapshot("u1")
	assert.Equal(t, domain.HealthHealthy, snap.Overall)
	require.Len(t, snap.Connections, 2)
	assert.Equal(t, "a@x.com", snap.Connections[0].Email)

	assert.Equal(t, domain.HealthError, f.mon.Snapshot("").Overall)
	assert.Equal(t, domain.HealthError, f.mon.Overall())

	f.mon.Forget(third.ID)
	assert.Equal(t, domain.HealthHealthy, f.mon.Snapshot("").Overall)
}
