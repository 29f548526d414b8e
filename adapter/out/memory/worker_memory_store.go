// Package memory provides in-process stores used when no database is
// configured, and as fakes in tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// =============================================================================
// Connections
// =============================================================================

type ConnectionStore struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*domain.Connection
}

func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{conns: make(map[uuid.UUID]*domain.Connection)}
}

func copyConn(c *domain.Connection) *domain.Connection {
	cp := *c
	cp.Sync.Folders = append([]string(nil), c.Sync.Folders...)
	cp.AI.BlockList = append([]string(nil), c.AI.BlockList...)
	cp.AI.AllowList = append([]string(nil), c.AI.AllowList...)
	if c.LastError != nil {
		e := *c.LastError
		cp.LastError = &e
	}
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}

func (s *ConnectionStore) Upsert(ctx context.Context, conn *domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		if id != conn.ID && c.Key() == conn.Key() {
			conn.ID = id
			conn.CreatedAt = c.CreatedAt
		}
	}
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now()
	}
	conn.UpdatedAt = time.Now()
	s.conns[conn.ID] = copyConn(conn)
	return nil
}

func (s *ConnectionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	return copyConn(c), nil
}

func (s *ConnectionStore) GetByKey(ctx context.Context, key domain.ConnectionKey) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		if c.Key() == key {
			return copyConn(c), nil
		}
	}
	return nil, out.ErrNotFound
}

func (s *ConnectionStore) list(match func(*domain.Connection) bool) []*domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.Connection
	for _, c := range s.conns {
		if match(c) {
			res = append(res, copyConn(c))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Email < res[j].Email })
	return res
}

func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return s.list(func(c *domain.Connection) bool { return c.UserID == userID }), nil
}

func (s *ConnectionStore) ListByStatus(ctx context.Context, status domain.ConnectionStatus) ([]*domain.Connection, error) {
	return s.list(func(c *domain.Connection) bool { return c.Status == status }), nil
}

func (s *ConnectionStore) update(id uuid.UUID, fn func(c *domain.Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return out.ErrNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *ConnectionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastErr *domain.ConnectionError) error {
	return s.update(id, func(c *domain.Connection) {
		c.Status = status
		c.LastError = lastErr
	})
}

func (s *ConnectionStore) UpdateCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error {
	return s.update(id, func(c *domain.Connection) { c.Credentials = creds })
}

func (s *ConnectionStore) UpdatePolicies(ctx context.Context, id uuid.UUID, sync domain.SyncPolicy, ai domain.AIPolicy) error {
	return s.update(id, func(c *domain.Connection) {
		c.Sync = sync
		c.AI = ai
	})
}

func (s *ConnectionStore) RecordSync(ctx context.Context, id uuid.UUID, at time.Time, delta domain.ConnectionStats) error {
	return s.update(id, func(c *domain.Connection) {
		t := at
		c.LastSyncAt = &t
		c.Stats.MessagesSeen += delta.MessagesSeen
		c.Stats.ResponsesSent += delta.ResponsesSent
		c.Stats.DraftsCreated += delta.DraftsCreated
	})
}

func (s *ConnectionStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	return nil
}

// SaveCredentials implements out.TokenSaver.
func (s *ConnectionStore) SaveCredentials(ctx context.Context, connectionID string, creds domain.Credentials) error {
	id, err := uuid.Parse(connectionID)
	if err != nil {
		return err
	}
	return s.UpdateCredentials(ctx, id, creds)
}

// =============================================================================
// Messages
// =============================================================================

type MessageStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*domain.InboundMessage
	keys map[string]uuid.UUID
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID: make(map[uuid.UUID]*domain.InboundMessage),
		keys: make(map[string]uuid.UUID),
	}
}

func dedupKey(provider domain.ProviderKind, mailbox, id string) string {
	return string(provider) + ":" + strings.ToLower(mailbox) + ":" + id
}

func (s *MessageStore) Exists(ctx context.Context, provider domain.ProviderKind, mailbox, providerMessageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[dedupKey(provider, mailbox, providerMessageID)]
	return ok, nil
}

func (s *MessageStore) InsertIfAbsent(ctx context.Context, msg *domain.InboundMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := msg.DedupKey()
	if _, ok := s.keys[k]; ok {
		return false, nil
	}
	cp := *msg
	s.byID[msg.ID] = &cp
	s.keys[k] = msg.ID
	return true, nil
}

func (s *MessageStore) UpdateClassification(ctx context.Context, id uuid.UUID, c domain.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return out.ErrNotFound
	}
	m.Classification = c
	return nil
}

func (s *MessageStore) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*domain.InboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.InboundMessage
	for _, m := range s.byID {
		if m.ConnectionID == connectionID {
			cp := *m
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ReceivedAt.After(res[j].ReceivedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// =============================================================================
// Outcomes
// =============================================================================

type OutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[uuid.UUID]*domain.ResponseOutcome
	failures []*domain.ResponseFailure
}

func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{outcomes: make(map[uuid.UUID]*domain.ResponseOutcome)}
}

func (s *OutcomeStore) InsertOutcome(ctx context.Context, o *domain.ResponseOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[o.MessageID]; ok {
		return out.ErrDuplicate
	}
	cp := *o
	s.outcomes[o.MessageID] = &cp
	return nil
}

func (s *OutcomeStore) InsertFailure(ctx context.Context, f *domain.ResponseFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.failures = append(s.failures, &cp)
	return nil
}

func (s *OutcomeStore) GetOutcome(ctx context.Context, messageID uuid.UUID) (*domain.ResponseOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[messageID]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *OutcomeStore) ListFailures(ctx context.Context, connectionID uuid.UUID) ([]*domain.ResponseFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.ResponseFailure
	for _, f := range s.failures {
		if f.ConnectionID == connectionID {
			cp := *f
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *OutcomeStore) OutcomeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}

// =============================================================================
// Notifications
// =============================================================================

type NotificationStore struct {
	mu    sync.RWMutex
	items []*domain.Notification
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{}
}

func (s *NotificationStore) Create(ctx context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.items = append(s.items, &cp)
	return nil
}

// ListByUser returns newest first.
func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.Notification
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].UserID == userID {
			cp := *s.items[i]
			res = append(res, &cp)
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

// =============================================================================
// Sent history, monitoring log, sender history
// =============================================================================

type SentHistoryStore struct {
	mu      sync.RWMutex
	records []*domain.SentRecord
}

func NewSentHistoryStore() *SentHistoryStore {
	return &SentHistoryStore{}
}

func (s *SentHistoryStore) Record(ctx context.Context, rec *domain.SentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *SentHistoryStore) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*domain.SentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.SentRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ConnectionID == connectionID {
			cp := *s.records[i]
			res = append(res, &cp)
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

type MonitoringLog struct {
	mu          sync.RWMutex
	snapshots   map[uuid.UUID]*domain.MonitoringRecord
	transitions map[uuid.UUID][]domain.HealthTransition
}

func NewMonitoringLog() *MonitoringLog {
	return &MonitoringLog{
		snapshots:   make(map[uuid.UUID]*domain.MonitoringRecord),
		transitions: make(map[uuid.UUID][]domain.HealthTransition),
	}
}

func (l *MonitoringLog) SaveSnapshot(ctx context.Context, rec *domain.MonitoringRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[rec.ConnectionID] = rec.Clone()
	return nil
}

func (l *MonitoringLog) AppendTransition(ctx context.Context, connectionID uuid.UUID, t domain.HealthTransition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions[connectionID] = append(l.transitions[connectionID], t)
	return nil
}

func (l *MonitoringLog) Transitions(connectionID uuid.UUID) []domain.HealthTransition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.HealthTransition(nil), l.transitions[connectionID]...)
}

type SenderHistory struct {
	mu   sync.RWMutex
	data map[string]map[domain.Category]int
}

func NewSenderHistory() *SenderHistory {
	return &SenderHistory{data: make(map[string]map[domain.Category]int)}
}

func senderKey(userID, sender string) string {
	return userID + "|" + strings.ToLower(sender)
}

func (h *SenderHistory) Get(ctx context.Context, userID, sender string) (*domain.SenderHistory, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts, ok := h.data[senderKey(userID, sender)]
	if !ok {
		return nil, nil
	}
	cp := make(map[domain.Category]int, len(counts))
	for k, v := range counts {
		cp[k] = v
	}
	return &domain.SenderHistory{Sender: strings.ToLower(sender), Categories: cp}, nil
}

func (h *SenderHistory) Record(ctx context.Context, userID, sender string, category domain.Category) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := senderKey(userID, sender)
	if h.data[k] == nil {
		h.data[k] = make(map[domain.Category]int)
	}
	h.data[k][category]++
	return nil
}

var (
	_ out.ConnectionRepository    = (*ConnectionStore)(nil)
	_ out.TokenSaver              = (*ConnectionStore)(nil)
	_ out.MessageRepository       = (*MessageStore)(nil)
	_ out.OutcomeRepository       = (*OutcomeStore)(nil)
	_ out.NotificationRepository  = (*NotificationStore)(nil)
	_ out.SentHistoryRepository   = (*SentHistoryStore)(nil)
	_ out.MonitoringLogRepository = (*MonitoringLog)(nil)
	_ out.SenderHistoryStore      = (*SenderHistory)(nil)
)
