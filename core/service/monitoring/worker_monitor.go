// Package monitoring tracks per-connection health from poll outcomes.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

// ErrKindStale marks a connection error caused by missing successful polls.
const ErrKindStale = "stale"

type Config struct {
	HistorySize         int
	TransientEscalation int
	StaleAfter          time.Duration
	// StaleIntervals is how many missed poll intervals count as stale when
	// that exceeds StaleAfter.
	StaleIntervals int
}

func (c *Config) defaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.TransientEscalation <= 0 {
		c.TransientEscalation = 3
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.StaleIntervals <= 0 {
		c.StaleIntervals = 3
	}
}

// Notifier is the user- and operator-facing side of a transition.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind domain.NotificationKind, title, message string, metadata map[string]any)
	Alert(ctx context.Context, alert *domain.Alert)
}

// StatusWriter flips the persisted connection status.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastErr *domain.ConnectionError) error
}

type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	records  map[uuid.UUID]*domain.MonitoringRecord
	interval map[uuid.UUID]time.Duration
	overall  domain.Health
	store    out.MonitoringLogRepository
	status   StatusWriter
	notifier Notifier
	now      func() time.Time
	log      *logger.Logger
}

func NewMonitor(cfg Config, store out.MonitoringLogRepository, status StatusWriter, notifier Notifier) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:      cfg,
		records:  make(map[uuid.UUID]*domain.MonitoringRecord),
		interval: make(map[uuid.UUID]time.Duration),
		overall:  domain.HealthHealthy,
		store:    store,
		status:   status,
		notifier: notifier,
		now:      time.Now,
		log:      logger.WithField("component", "monitor"),
	}
}

// Track starts monitoring a scheduled connection in the initializing state.
// Tracking an already known connection keeps its record and picks up a
// changed poll interval.
func (m *Monitor) Track(conn *domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval[conn.ID] = conn.Sync.PollInterval
	if _, ok := m.records[conn.ID]; ok {
		return
	}
	m.records[conn.ID] = m.newRecord(conn)
}

// Reset replaces the record with a fresh initializing one (explicit reconnect).
func (m *Monitor) Reset(conn *domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval[conn.ID] = conn.Sync.PollInterval
	m.records[conn.ID] = m.newRecord(conn)
}

// Forget stops monitoring a connection that is no longer polled.
func (m *Monitor) Forget(connectionID uuid.UUID) {
	m.mu.Lock()
	delete(m.records, connectionID)
	delete(m.interval, connectionID)
	m.mu.Unlock()
}

// staleAfterLocked never flags a connection before it missed several polls.
func (m *Monitor) staleAfterLocked(id uuid.UUID) time.Duration {
	window := time.Duration(m.cfg.StaleIntervals) * m.interval[id]
	if window < m.cfg.StaleAfter {
		return m.cfg.StaleAfter
	}
	return window
}

func (m *Monitor) newRecord(conn *domain.Connection) *domain.MonitoringRecord {
	return &domain.MonitoringRecord{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Email:        conn.Email,
		Health:       domain.HealthInitializing,
		StartedAt:    m.now(),
	}
}

// effect is work done after the lock is released.
type effect struct {
	rec        *domain.MonitoringRecord
	transition *domain.HealthTransition
}

// RecordSuccess notes a completed poll.
func (m *Monitor) RecordSuccess(ctx context.Context, conn *domain.Connection, messages int) {
	m.mu.Lock()
	rec := m.recordLocked(conn)
	now := m.now()
	rec.SuccessCount++
	rec.ConsecutiveTransient = 0
	rec.LastSuccessAt = &now
	m.pushEventLocked(rec, domain.PollEvent{Kind: domain.PollSuccess, Messages: messages, At: now})
	eff := m.transitionLocked(rec, domain.HealthHealthy, "poll succeeded")
	m.mu.Unlock()

	m.apply(ctx, eff)
}

// RecordFailure classifies err and escalates health accordingly.
func (m *Monitor) RecordFailure(ctx context.Context, conn *domain.Connection, err error) {
	kind := out.KindOf(err)

	m.mu.Lock()
	rec := m.recordLocked(conn)
	now := m.now()
	var eff effect

	switch kind {
	case out.ErrKindAuth:
		rec.ErrorCount++
		m.pushEventLocked(rec, domain.PollEvent{Kind: domain.PollAuth, Message: err.Error(), At: now})
		eff = m.transitionLocked(rec, domain.HealthError, "authentication failed: "+err.Error())
	default:
		rec.WarningCount++
		rec.ConsecutiveTransient++
		evKind := domain.PollTransient
		if kind == out.ErrKindProtocol {
			evKind = domain.PollProtocol
		}
		m.pushEventLocked(rec, domain.PollEvent{Kind: evKind, Message: err.Error(), At: now})
		if rec.ConsecutiveTransient >= m.cfg.TransientEscalation && rec.Health.Severity() < domain.HealthWarning.Severity() {
			eff = m.transitionLocked(rec, domain.HealthWarning,
				fmt.Sprintf("%d consecutive poll failures: %v", rec.ConsecutiveTransient, err))
		} else {
			eff = effect{rec: rec.Clone()}
		}
	}
	m.mu.Unlock()

	m.apply(ctx, eff)
}

// CheckStale moves connections without a recent success to stalled and
// returns their ids.
func (m *Monitor) CheckStale(ctx context.Context) []uuid.UUID {
	now := m.now()
	var effects []effect
	var stalled []uuid.UUID

	m.mu.Lock()
	for id, rec := range m.records {
		if rec.Health == domain.HealthError || rec.Health == domain.HealthStalled {
			continue
		}
		since := rec.StartedAt
		if rec.LastSuccessAt != nil {
			since = *rec.LastSuccessAt
		}
		if now.Sub(since) < m.staleAfterLocked(id) {
			continue
		}
		m.pushEventLocked(rec, domain.PollEvent{Kind: domain.PollStale, At: now})
		effects = append(effects, m.transitionLocked(rec, domain.HealthStalled,
			fmt.Sprintf("no successful poll for %v", now.Sub(since).Round(time.Second))))
		stalled = append(stalled, id)
	}
	m.mu.Unlock()

	for _, eff := range effects {
		m.apply(ctx, eff)
	}
	return stalled
}

// Get returns a copy of one record.
func (m *Monitor) Get(connectionID uuid.UUID) (*domain.MonitoringRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connectionID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Snapshot aggregates health; an empty userID covers every connection.
func (m *Monitor) Snapshot(userID string) *domain.MonitoringSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &domain.MonitoringSnapshot{Overall: domain.HealthHealthy}
	worst := -1
	for _, rec := range m.records {
		if userID != "" && rec.UserID != userID {
			continue
		}
		snap.Connections = append(snap.Connections, rec.Clone())
		if s := rec.Health.Severity(); s > worst {
			worst = s
			snap.Overall = rec.Health
		}
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].Email < snap.Connections[j].Email
	})
	return snap
}

// Overall returns the worst health across all connections.
func (m *Monitor) Overall() domain.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overall
}

func (m *Monitor) recordLocked(conn *domain.Connection) *domain.MonitoringRecord {
	rec, ok := m.records[conn.ID]
	if !ok {
		rec = m.newRecord(conn)
		m.records[conn.ID] = rec
	}
	return rec
}

func (m *Monitor) pushEventLocked(rec *domain.MonitoringRecord, ev domain.PollEvent) {
	rec.Events = append([]domain.PollEvent{ev}, rec.Events...)
	if len(rec.Events) > m.cfg.HistorySize {
		rec.Events = rec.Events[:m.cfg.HistorySize]
	}
}

func (m *Monitor) transitionLocked(rec *domain.MonitoringRecord, to domain.Health, reason string) effect {
	if rec.Health == to {
		return effect{rec: rec.Clone()}
	}
	t := domain.HealthTransition{From: rec.Health, To: to, Reason: reason, At: m.now()}
	rec.Health = to
	rec.Transitions = append([]domain.HealthTransition{t}, rec.Transitions...)
	if len(rec.Transitions) > m.cfg.HistorySize {
		rec.Transitions = rec.Transitions[:m.cfg.HistorySize]
	}
	m.recomputeOverallLocked()
	return effect{rec: rec.Clone(), transition: &t}
}

func (m *Monitor) recomputeOverallLocked() {
	next := domain.HealthHealthy
	for _, rec := range m.records {
		if rec.Health.Severity() > next.Severity() {
			next = rec.Health
		}
	}
	if next != m.overall {
		m.log.Info("[Monitor] aggregate health %s -> %s", m.overall, next)
		m.overall = next
	}
}

// apply persists and fans out a transition. Every step is best effort.
func (m *Monitor) apply(ctx context.Context, eff effect) {
	if eff.rec == nil {
		return
	}
	if m.store != nil {
		if err := m.store.SaveSnapshot(ctx, eff.rec); err != nil {
			m.log.WithError(err).Warn("[Monitor] failed to persist snapshot")
		}
	}
	t := eff.transition
	if t == nil {
		return
	}

	rec := eff.rec
	log := m.log.WithFields(map[string]any{"connection": rec.ConnectionID.String(), "email": rec.Email})
	log.Info("[Monitor] %s -> %s: %s", t.From, t.To, t.Reason)

	if m.store != nil {
		if err := m.store.AppendTransition(ctx, rec.ConnectionID, *t); err != nil {
			log.WithError(err).Warn("[Monitor] failed to persist transition")
		}
	}

	switch t.To {
	case domain.HealthError, domain.HealthStalled:
		kind, title, errKind := domain.NotifyConnectionError, "Mailbox connection error", string(out.ErrKindAuth)
		if t.To == domain.HealthStalled {
			kind, title, errKind = domain.NotifyConnectionStalled, "Mailbox sync stalled", ErrKindStale
		}
		if m.notifier != nil {
			m.notifier.Notify(ctx, rec.UserID, kind, title,
				fmt.Sprintf("%s: %s", rec.Email, t.Reason),
				map[string]any{"connection_id": rec.ConnectionID.String(), "health": string(t.To)})
			m.notifier.Alert(ctx, &domain.Alert{
				ConnectionID: rec.ConnectionID,
				UserID:       rec.UserID,
				Email:        rec.Email,
				Health:       t.To,
				Reason:       t.Reason,
				At:           t.At,
			})
		}
		m.writeStatus(ctx, rec.ConnectionID, domain.StatusError, &domain.ConnectionError{
			Kind:    errKind,
			Message: t.Reason,
			At:      t.At,
		}, log)

	case domain.HealthHealthy:
		if t.From == domain.HealthError || t.From == domain.HealthStalled {
			m.writeStatus(ctx, rec.ConnectionID, domain.StatusActive, nil, log)
		}
		if t.From != domain.HealthInitializing && m.notifier != nil {
			m.notifier.Notify(ctx, rec.UserID, domain.NotifyConnectionRecovered, "Mailbox sync recovered",
				rec.Email+" is syncing again", map[string]any{"connection_id": rec.ConnectionID.String()})
		}
	}
}

func (m *Monitor) writeStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastErr *domain.ConnectionError, log *logger.Logger) {
	if m.status == nil {
		return
	}
	if err := m.status.UpdateStatus(ctx, id, status, lastErr); err != nil {
		log.WithError(err).Warn("[Monitor] failed to update connection status")
	}
}
