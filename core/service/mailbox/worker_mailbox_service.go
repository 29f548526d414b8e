// Package mailbox composes the sync pipeline and exposes its control surface.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/in"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/core/service/autoreply"
	"mailpilot_worker/core/service/classification"
	"mailpilot_worker/core/service/ingest"
	"mailpilot_worker/core/service/monitoring"
	"mailpilot_worker/core/service/registry"
	"mailpilot_worker/pkg/apperr"
	"mailpilot_worker/pkg/logger"
)

// ProviderLookup resolves the adapter for a provider kind.
type ProviderLookup interface {
	Get(kind domain.ProviderKind) (out.MailProvider, error)
}

type Config struct {
	PollInterval     time.Duration
	AdapterTimeout   time.Duration
	SchedulerEnabled bool
}

// Deps are the collaborators of the service. Senders, Events and Notifier are
// optional.
type Deps struct {
	Connections out.ConnectionRepository
	Messages    out.MessageRepository
	Senders     out.SenderHistoryStore
	Providers   ProviderLookup
	Registry    *registry.Registry
	Scheduler   in.PollScheduler
	Ingest      *ingest.Service
	Classifier  *classification.Engine
	Responder   *autoreply.Engine
	Monitor     *monitoring.Monitor
	Notifier    monitoring.Notifier
	Events      out.EventPublisher
}

type Service struct {
	cfg Config
	Deps
	now func() time.Time
	log *logger.Logger
}

var _ in.MailboxService = (*Service)(nil)

func NewService(cfg Config, deps Deps) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}
	s := &Service{
		cfg:  cfg,
		Deps: deps,
		now:  time.Now,
		log:  logger.WithField("component", "mailbox"),
	}
	s.Registry.SetReconnect(s.reopen)
	if s.Events != nil {
		s.Registry.AddListener(s.publishEvent)
	}
	return s
}

// Connect verifies the credentials, persists the connection, opens a live
// session and starts polling. Connecting an existing address replaces its
// credentials and session.
func (s *Service) Connect(ctx context.Context, req *in.ConnectRequest) (*domain.Connection, error) {
	conn := &domain.Connection{
		UserID:      req.UserID,
		Email:       req.Email,
		Provider:    req.Provider,
		Credentials: req.Credentials,
		Sync:        domain.DefaultSyncPolicy(s.cfg.PollInterval),
		Status:      domain.StatusActive,
	}
	if req.Sync != nil {
		conn.Sync = s.normalizeSync(*req.Sync)
	}
	if req.AI != nil {
		conn.AI = *req.AI
	}
	if err := conn.Validate(); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	provider, err := s.Providers.Get(conn.Provider)
	if err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	key := conn.Key()
	existing, err := s.Connections.GetByKey(ctx, key)
	switch {
	case err == nil:
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
		conn.Stats = existing.Stats
		conn.LastSyncAt = existing.LastSyncAt
		if req.Sync == nil {
			conn.Sync = existing.Sync
		}
		if req.AI == nil {
			conn.AI = existing.AI
		}
	case errors.Is(err, out.ErrNotFound):
		conn.ID = uuid.New()
	default:
		return nil, apperr.InternalWithError(err)
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	err = provider.Verify(vctx, conn.Credentials)
	cancel()
	if err != nil {
		return nil, providerAppErr(conn.Provider, err)
	}

	// Stop polling the old session before it gets replaced.
	s.Scheduler.Cancel(key)

	octx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	session, err := provider.Open(octx, conn)
	cancel()
	if err != nil {
		return nil, providerAppErr(conn.Provider, err)
	}

	if err := s.Connections.Upsert(ctx, conn); err != nil {
		_ = session.Close()
		return nil, apperr.InternalWithError(err)
	}

	s.Registry.Register(&registry.Entry{
		ConnectionID: conn.ID,
		Key:          key,
		Provider:     conn.Provider,
		Session:      session,
	})
	s.startPolling(conn, true)

	s.log.WithFields(map[string]any{"connection": conn.ID.String(), "provider": string(conn.Provider)}).
		Info("[Mailbox] connected %s", conn.Email)
	return conn, nil
}

// Disconnect stops polling, waits for an in-flight poll, drops the session
// and persists the disconnected status. Idempotent.
func (s *Service) Disconnect(ctx context.Context, userID string, connectionID uuid.UUID) error {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	key := conn.Key()
	s.Scheduler.Cancel(key)
	s.Registry.Remove(key, "disconnected by user")
	s.Monitor.Forget(conn.ID)
	if err := s.Connections.UpdateStatus(ctx, conn.ID, domain.StatusDisconnected, nil); err != nil {
		return apperr.InternalWithError(err)
	}
	s.log.WithField("connection", conn.ID.String()).Info("[Mailbox] disconnected %s", conn.Email)
	return nil
}

// Pause stops polling but keeps the live session.
func (s *Service) Pause(ctx context.Context, userID string, connectionID uuid.UUID) error {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	switch conn.Status {
	case domain.StatusPaused:
		return nil
	case domain.StatusDisconnected:
		return apperr.Conflict("connection is disconnected")
	}
	s.Scheduler.Cancel(conn.Key())
	s.Monitor.Forget(conn.ID)
	if err := s.Connections.UpdateStatus(ctx, conn.ID, domain.StatusPaused, conn.LastError); err != nil {
		return apperr.InternalWithError(err)
	}
	return nil
}

func (s *Service) Resume(ctx context.Context, userID string, connectionID uuid.UUID) error {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if conn.Status != domain.StatusPaused {
		return apperr.Conflict(fmt.Sprintf("connection is %s, not paused", conn.Status))
	}
	if err := s.Connections.UpdateStatus(ctx, conn.ID, domain.StatusActive, nil); err != nil {
		return apperr.InternalWithError(err)
	}
	conn.Status = domain.StatusActive
	s.startPolling(conn, false)
	return nil
}

// Reconnect rebuilds the session from the persisted credentials. It is the
// way back from an auth failure or a stalled sync.
func (s *Service) Reconnect(ctx context.Context, userID string, connectionID uuid.UUID) error {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	key := conn.Key()
	s.Scheduler.Cancel(key)
	s.Registry.Remove(key, "reconnect requested")

	entry, err := s.reopen(ctx, key)
	if err != nil {
		lastErr := &domain.ConnectionError{Kind: string(out.KindOf(err)), Message: err.Error(), At: s.now()}
		if uerr := s.Connections.UpdateStatus(ctx, conn.ID, domain.StatusError, lastErr); uerr != nil {
			s.log.WithError(uerr).Warn("[Mailbox] failed to persist reconnect failure")
		}
		return providerAppErr(conn.Provider, err)
	}
	s.Registry.Register(entry)

	if err := s.Connections.UpdateStatus(ctx, conn.ID, domain.StatusActive, nil); err != nil {
		return apperr.InternalWithError(err)
	}
	conn.Status = domain.StatusActive
	s.startPolling(conn, true)
	return nil
}

// PollNow runs one poll immediately. It fails with a busy error while a
// scheduled poll is in flight.
func (s *Service) PollNow(ctx context.Context, userID string, connectionID uuid.UUID) (*in.PollSummary, error) {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != domain.StatusActive && conn.Status != domain.StatusError {
		return nil, apperr.Conflict(fmt.Sprintf("connection is %s", conn.Status))
	}

	summary := &in.PollSummary{}
	err = s.Scheduler.TriggerNow(withSummary(ctx, summary), conn.Key())
	switch {
	case err == nil:
		return summary, nil
	case errors.Is(err, in.ErrPollBusy):
		return nil, apperr.ConnectionBusy(conn.ID.String())
	case errors.Is(err, in.ErrNotScheduled):
		return nil, apperr.Conflict("connection is not being polled; reconnect it first")
	case out.IsAuthError(err):
		return nil, apperr.ProviderAuth(string(conn.Provider), err)
	case errors.Is(err, in.ErrPollHalted):
		return nil, apperr.Conflict("connection polling was halted")
	default:
		return nil, apperr.ProviderError(string(conn.Provider), err)
	}
}

func (s *Service) UpdateSyncPolicy(ctx context.Context, userID string, connectionID uuid.UUID, policy domain.SyncPolicy) error {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if policy.PollInterval < 0 {
		return apperr.InvalidInput("poll_interval", "must not be negative")
	}
	conn.Sync = s.normalizeSync(policy)
	if err := s.Connections.UpdatePolicies(ctx, conn.ID, conn.Sync, conn.AI); err != nil {
		return apperr.InternalWithError(err)
	}
	if conn.Status == domain.StatusActive {
		s.startPolling(conn, false)
	}
	return nil
}

func (s *Service) UpdateAIPolicy(ctx context.Context, userID string, connectionID uuid.UUID, policy domain.AIPolicy) error {
	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return apperr.InvalidInput("mode", err.Error())
	}
	if err := s.Connections.UpdatePolicies(ctx, conn.ID, conn.Sync, policy); err != nil {
		return apperr.InternalWithError(err)
	}
	return nil
}

func (s *Service) ListConnections(ctx context.Context, userID string) ([]domain.ConnectionSummary, error) {
	conns, err := s.Connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}
	res := make([]domain.ConnectionSummary, 0, len(conns))
	for _, c := range conns {
		_, live := s.Registry.Get(c.Key())
		res = append(res, c.Summary(live))
	}
	return res, nil
}

func (s *Service) Monitoring(ctx context.Context, userID string) (*domain.MonitoringSnapshot, error) {
	return s.Monitor.Snapshot(userID), nil
}

// RestoreAll schedules every active connection after a restart. Sessions are
// derived lazily on the first poll.
func (s *Service) RestoreAll(ctx context.Context) (int, error) {
	conns, err := s.Connections.ListByStatus(ctx, domain.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active connections: %w", err)
	}
	for _, c := range conns {
		s.startPolling(c, false)
	}
	s.log.Info("[Mailbox] restored %d active connection(s)", len(conns))
	return len(conns), nil
}

// HaltStale moves connections without a recent success to stalled and stops
// polling them until an explicit reconnect.
func (s *Service) HaltStale(ctx context.Context) []uuid.UUID {
	stalled := s.Monitor.CheckStale(ctx)
	for _, id := range stalled {
		conn, err := s.Connections.GetByID(ctx, id)
		if err != nil {
			s.log.WithField("connection", id.String()).WithError(err).Warn("[Mailbox] stalled connection not found")
			continue
		}
		key := conn.Key()
		s.Scheduler.Cancel(key)
		s.Registry.Remove(key, "sync stalled")
	}
	return stalled
}

// startPolling schedules the connection and tracks its health, or stops
// both when its policy turns syncing off. Only scheduled connections can go
// stale. fresh discards the previous health record.
func (s *Service) startPolling(conn *domain.Connection, fresh bool) {
	if !s.cfg.SchedulerEnabled || !conn.Sync.Enabled {
		s.Scheduler.Cancel(conn.Key())
		s.Monitor.Forget(conn.ID)
		return
	}
	if fresh {
		s.Monitor.Reset(conn)
	} else {
		s.Monitor.Track(conn)
	}
	s.Scheduler.Schedule(conn.Key(), conn.Sync.PollInterval)
}

func (s *Service) normalizeSync(p domain.SyncPolicy) domain.SyncPolicy {
	if p.PollInterval <= 0 {
		p.PollInterval = s.cfg.PollInterval
	}
	if len(p.Folders) == 0 {
		p.Folders = []string{"INBOX"}
	}
	return p
}

// owned loads the connection and hides other users' connections.
func (s *Service) owned(ctx context.Context, userID string, id uuid.UUID) (*domain.Connection, error) {
	conn, err := s.Connections.GetByID(ctx, id)
	if errors.Is(err, out.ErrNotFound) || (err == nil && conn.UserID != userID) {
		return nil, apperr.NotFound("connection")
	}
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}
	return conn, nil
}

// reopen derives a session from the persisted connection. Installed as the
// registry's reconnect hook.
func (s *Service) reopen(ctx context.Context, key domain.ConnectionKey) (*registry.Entry, error) {
	conn, err := s.Connections.GetByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	provider, err := s.Providers.Get(conn.Provider)
	if err != nil {
		return nil, err
	}
	octx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	defer cancel()
	session, err := provider.Open(octx, conn)
	if err != nil {
		return nil, err
	}
	return &registry.Entry{
		ConnectionID: conn.ID,
		Key:          key,
		Provider:     conn.Provider,
		Session:      session,
	}, nil
}

func (s *Service) publishEvent(evt domain.ConnectionEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Events.PublishConnectionEvent(ctx, &evt); err != nil {
			s.log.WithError(err).Debug("[Mailbox] failed to publish connection event")
		}
	}()
}

func providerAppErr(kind domain.ProviderKind, err error) error {
	if out.IsAuthError(err) {
		return apperr.ProviderAuth(string(kind), err)
	}
	return apperr.ProviderError(string(kind), err)
}
