package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/in"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/core/service/autoreply"
	"mailpilot_worker/core/service/classification"
	"mailpilot_worker/core/service/registry"
	"mailpilot_worker/pkg/logger"
)

type summaryKey struct{}

// withSummary asks the poll to fill in its counters.
func withSummary(ctx context.Context, sum *in.PollSummary) context.Context {
	return context.WithValue(ctx, summaryKey{}, sum)
}

func summaryFrom(ctx context.Context) *in.PollSummary {
	if sum, ok := ctx.Value(summaryKey{}).(*in.PollSummary); ok {
		return sum
	}
	return &in.PollSummary{}
}

// Poll runs one cycle for a connection. It is the scheduler's PollFunc and
// relies on the scheduler for per-connection mutual exclusion.
func (s *Service) Poll(ctx context.Context, key domain.ConnectionKey) error {
	started := s.now()
	conn, err := s.Connections.GetByKey(ctx, key)
	if errors.Is(err, out.ErrNotFound) {
		return in.ErrPollHalted
	}
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn.Status == domain.StatusPaused || conn.Status == domain.StatusDisconnected {
		return in.ErrPollHalted
	}
	log := logger.WithFields(map[string]any{"connection": conn.ID.String(), "email": conn.Email})

	provider, err := s.Providers.Get(conn.Provider)
	if err != nil {
		log.WithError(err).Error("[Mailbox] no adapter for provider")
		return in.ErrPollHalted
	}

	entry, err := s.Registry.GetOrReconnect(ctx, key)
	if err != nil {
		return s.pollFailed(ctx, conn, nil, err, log)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	batch, err := provider.PollNew(pctx, entry.Session, conn.Sync)
	cancel()
	if err != nil {
		return s.pollFailed(ctx, conn, entry, err, log)
	}

	sum := summaryFrom(ctx)
	sum.Fetched = len(batch)

	res := s.Ingest.Ingest(ctx, conn, batch)
	sum.Ingested = len(res.New)
	sum.Duplicates = res.Duplicates
	sum.Failed = len(res.Errors)

	disp := &sessionDispatcher{provider: provider, session: entry.Session, timeout: s.cfg.AdapterTimeout}
	var delta domain.ConnectionStats
	delta.MessagesSeen = int64(len(res.New))

	for _, msg := range res.New {
		s.classify(ctx, conn, msg, log)

		if conn.Sync.MarkAsRead {
			mctx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
			if err := provider.MarkRead(mctx, entry.Session, msg.ProviderMessageID); err != nil {
				log.WithError(err).Debug("[Mailbox] mark read failed for %s", msg.ProviderMessageID)
			}
			cancel()
		}

		if s.Responder == nil {
			continue
		}
		r := s.Responder.Handle(ctx, conn, disp, msg)
		switch r.Kind {
		case autoreply.Responded:
			sum.Responded++
			if r.Outcome.Sent {
				delta.ResponsesSent++
				s.notify(ctx, conn, domain.NotifyResponseSent, "Reply sent", "Replied to "+msg.From.String(), msg)
			} else if r.Outcome.Drafted {
				delta.DraftsCreated++
				s.notify(ctx, conn, domain.NotifyDraftCreated, "Draft ready", "Drafted a reply to "+msg.From.String(), msg)
			}
		case autoreply.Failed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}

	if err := s.Connections.RecordSync(ctx, conn.ID, s.now(), delta); err != nil {
		log.WithError(err).Warn("[Mailbox] failed to record sync stats")
	}
	s.Monitor.RecordSuccess(ctx, conn, len(res.New))
	s.publishReport(ctx, conn, sum, started)

	if sum.Ingested > 0 {
		log.Info("[Mailbox] poll: %d fetched, %d new, %d responded", sum.Fetched, sum.Ingested, sum.Responded)
	}
	return nil
}

// pollFailed records a connection-level failure. Auth failures halt the
// schedule and evict the session that failed.
func (s *Service) pollFailed(ctx context.Context, conn *domain.Connection, entry *registry.Entry, err error, log *logger.Logger) error {
	s.Monitor.RecordFailure(ctx, conn, err)
	if !out.IsAuthError(err) {
		log.WithError(err).Warn("[Mailbox] poll failed")
		return err
	}
	log.WithError(err).Error("[Mailbox] authentication failed, polling halted")
	if entry != nil {
		s.Registry.CompareAndRemove(conn.Key(), entry, "authentication failed")
	}
	return fmt.Errorf("%w: %w", in.ErrPollHalted, err)
}

func (s *Service) classify(ctx context.Context, conn *domain.Connection, msg *domain.InboundMessage, log *logger.Logger) {
	sender := msg.From.Email
	var history *domain.SenderHistory
	if s.Senders != nil && sender != "" {
		h, err := s.Senders.Get(ctx, conn.UserID, sender)
		if err != nil && !errors.Is(err, out.ErrNotFound) {
			log.WithError(err).Debug("[Mailbox] sender history unavailable")
		}
		history = h
	}

	msg.Classification = s.Classifier.Classify(classification.Input{
		Subject: msg.Subject,
		Body:    msg.BodyText,
		Sender:  sender,
		History: history,
	})
	if err := s.Messages.UpdateClassification(ctx, msg.ID, msg.Classification); err != nil {
		log.WithError(err).Warn("[Mailbox] failed to store classification for %s", msg.ProviderMessageID)
	}

	if s.Senders != nil && sender != "" {
		if err := s.Senders.Record(ctx, conn.UserID, sender, msg.Classification.Category); err != nil {
			log.WithError(err).Debug("[Mailbox] failed to record sender history")
		}
	}

	if msg.Classification.Priority == domain.PriorityUrgent {
		s.notify(ctx, conn, domain.NotifyUrgentMessage, "Urgent message", msg.From.String()+": "+msg.Subject, msg)
	}
}

func (s *Service) notify(ctx context.Context, conn *domain.Connection, kind domain.NotificationKind, title, message string, msg *domain.InboundMessage) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(ctx, conn.UserID, kind, title, message, map[string]any{
		"connection_id": conn.ID.String(),
		"message_id":    msg.ID.String(),
	})
}

func (s *Service) publishReport(ctx context.Context, conn *domain.Connection, sum *in.PollSummary, started time.Time) {
	if s.Events == nil {
		return
	}
	report := &out.PollReport{
		ConnectionID: conn.ID.String(),
		UserID:       conn.UserID,
		Email:        conn.Email,
		Fetched:      sum.Fetched,
		Ingested:     sum.Ingested,
		Duplicates:   sum.Duplicates,
		Responded:    sum.Responded,
		Failed:       sum.Failed,
		DurationMS:   s.now().Sub(started).Milliseconds(),
	}
	if err := s.Events.PublishPollReport(ctx, report); err != nil {
		s.log.WithError(err).Debug("[Mailbox] failed to publish poll report")
	}
}

// sessionDispatcher binds the responder to one live session.
type sessionDispatcher struct {
	provider out.MailProvider
	session  out.Session
	timeout  time.Duration
}

func (d *sessionDispatcher) Send(ctx context.Context, msg *out.DraftSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.provider.Send(ctx, d.session, msg)
}

func (d *sessionDispatcher) CreateDraft(ctx context.Context, msg *out.DraftSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.provider.CreateDraft(ctx, d.session, msg)
}
