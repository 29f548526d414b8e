// Package autoreply decides whether to answer a message and commits the reply
// as a draft or a sent message according to the mailbox's AI policy.
package autoreply

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

type ResultKind string

const (
	Responded ResultKind = "responded"
	Skipped   ResultKind = "skipped"
	Failed    ResultKind = "failed"
)

const (
	SkipPolicyDisabled     = "ai_policy_disabled"
	SkipNoResponseRequired = "no_response_required"
	SkipSenderBlocked      = "sender_blocked"
	SkipSenderNotAllowed   = "sender_not_allowed"
	SkipSelfSender         = "self_sender"
	SkipAutoSubmitted      = "auto_submitted"
	SkipGenerationFailed   = "generation_failed"
	SkipEmptyReply         = "empty_reply"
)

// Result replaces exceptions: exactly one of the kinds applies.
type Result struct {
	Kind       ResultKind
	Outcome    *domain.ResponseOutcome
	SkipReason string
	Err        error
}

// Dispatcher commits a reply through the connection's live session.
type Dispatcher interface {
	Send(ctx context.Context, msg *out.DraftSpec) (string, error)
	CreateDraft(ctx context.Context, msg *out.DraftSpec) (string, error)
}

type Engine struct {
	generator    out.ReplyGenerator
	outcomes     out.OutcomeRepository
	sent         out.SentHistoryRepository
	replyTimeout time.Duration
	now          func() time.Time
}

func NewEngine(generator out.ReplyGenerator, outcomes out.OutcomeRepository, sent out.SentHistoryRepository, replyTimeout time.Duration) *Engine {
	if replyTimeout <= 0 {
		replyTimeout = 60 * time.Second
	}
	return &Engine{
		generator:    generator,
		outcomes:     outcomes,
		sent:         sent,
		replyTimeout: replyTimeout,
		now:          time.Now,
	}
}

// Handle runs the decision chain for one classified message.
func (e *Engine) Handle(ctx context.Context, conn *domain.Connection, d Dispatcher, msg *domain.InboundMessage) Result {
	log := logger.WithFields(map[string]any{
		"connection": conn.ID.String(),
		"message":    msg.ProviderMessageID,
	})

	if !conn.AI.Active() || e.generator == nil {
		return Result{Kind: Skipped, SkipReason: SkipPolicyDisabled}
	}
	if !msg.Classification.ResponseRequired {
		return Result{Kind: Skipped, SkipReason: SkipNoResponseRequired}
	}
	sender := msg.From.Email
	// replying to ourselves or to another responder would loop
	if strings.EqualFold(strings.TrimSpace(sender), strings.TrimSpace(conn.Email)) {
		return Result{Kind: Skipped, SkipReason: SkipSelfSender}
	}
	if msg.AutoSubmitted {
		return Result{Kind: Skipped, SkipReason: SkipAutoSubmitted}
	}
	if newSenderList(conn.AI.BlockList).matches(sender) {
		return Result{Kind: Skipped, SkipReason: SkipSenderBlocked}
	}
	if allow := newSenderList(conn.AI.AllowList); !allow.empty() && !allow.matches(sender) {
		return Result{Kind: Skipped, SkipReason: SkipSenderNotAllowed}
	}

	reply, err := e.generate(ctx, conn, msg)
	if err != nil {
		genErr := out.NewProviderError("llm", out.ErrKindGeneration, "reply generation failed", err)
		e.recordFailure(ctx, conn, msg, domain.FailureGeneration, genErr)
		log.WithError(err).Warn("[AutoReply] generation failed, skipping")
		return Result{Kind: Skipped, SkipReason: SkipGenerationFailed, Err: genErr}
	}
	if strings.TrimSpace(reply) == "" {
		return Result{Kind: Skipped, SkipReason: SkipEmptyReply}
	}

	spec := e.buildReply(conn, msg, reply)
	outcome := &domain.ResponseOutcome{
		ID:           uuid.New(),
		MessageID:    msg.ID,
		ConnectionID: conn.ID,
		Generated:    true,
		ReplyText:    spec.Body,
		CreatedAt:    e.now(),
	}

	switch conn.AI.Mode {
	case domain.AIModeDraft:
		ref, err := d.CreateDraft(ctx, spec)
		if err != nil {
			return e.fail(ctx, conn, msg, err, log)
		}
		outcome.Drafted = true
		outcome.ProviderRef = ref
	case domain.AIModeAutoSend:
		ref, err := d.Send(ctx, spec)
		if err != nil {
			return e.fail(ctx, conn, msg, err, log)
		}
		outcome.Sent = true
		outcome.ProviderRef = ref
		e.recordSent(ctx, conn, msg, spec, ref, log)
	}

	if err := e.outcomes.InsertOutcome(ctx, outcome); err != nil {
		log.WithError(err).Error("[AutoReply] failed to persist outcome")
	}
	log.Info("[AutoReply] reply committed (sent=%v drafted=%v)", outcome.Sent, outcome.Drafted)
	return Result{Kind: Responded, Outcome: outcome}
}

func (e *Engine) generate(ctx context.Context, conn *domain.Connection, msg *domain.InboundMessage) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, e.replyTimeout)
	defer cancel()
	return e.generator.GenerateReply(gctx, &out.ReplyRequest{
		From:           msg.From,
		Subject:        msg.Subject,
		Body:           msg.BodyText,
		Classification: msg.Classification,
		VoiceProfile:   conn.AI.VoiceProfile,
		Signature:      conn.AI.Signature,
		MailboxOwner:   conn.Email,
	})
}

func (e *Engine) buildReply(conn *domain.Connection, msg *domain.InboundMessage, reply string) *out.DraftSpec {
	body := strings.TrimSpace(reply)
	if sig := strings.TrimSpace(conn.AI.Signature); sig != "" && !strings.Contains(body, sig) {
		body += "\n\n" + sig
	}

	var refs []string
	refs = append(refs, msg.References...)
	if msg.MessageIDHeader != "" {
		refs = append(refs, msg.MessageIDHeader)
	}

	return &out.DraftSpec{
		From:       domain.Address{Email: conn.Email},
		To:         []domain.Address{msg.From},
		Subject:    replySubject(msg.Subject),
		Body:       body,
		ThreadID:   msg.ThreadID,
		InReplyTo:  msg.MessageIDHeader,
		References: refs,
	}
}

func replySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func (e *Engine) fail(ctx context.Context, conn *domain.Connection, msg *domain.InboundMessage, err error, log *logger.Logger) Result {
	sendErr := out.NewProviderError(string(conn.Provider), out.ErrKindSend, "reply dispatch failed", err)
	e.recordFailure(ctx, conn, msg, domain.FailureSend, sendErr)
	log.WithError(err).Error("[AutoReply] dispatch failed")
	return Result{Kind: Failed, Err: sendErr}
}

func (e *Engine) recordFailure(ctx context.Context, conn *domain.Connection, msg *domain.InboundMessage, kind domain.FailureKind, err error) {
	f := &domain.ResponseFailure{
		ID:           uuid.New(),
		MessageID:    msg.ID,
		ConnectionID: conn.ID,
		Kind:         kind,
		Error:        err.Error(),
		CreatedAt:    e.now(),
	}
	if ierr := e.outcomes.InsertFailure(ctx, f); ierr != nil {
		logger.WithError(ierr).Error("[AutoReply] failed to persist failure record")
	}
}

// recordSent is best effort; the reply is already out.
func (e *Engine) recordSent(ctx context.Context, conn *domain.Connection, msg *domain.InboundMessage, spec *out.DraftSpec, ref string, log *logger.Logger) {
	if e.sent == nil {
		return
	}
	rec := &domain.SentRecord{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		MessageID:    msg.ID,
		ProviderRef:  ref,
		To:           msg.From.Email,
		Subject:      spec.Subject,
		Body:         spec.Body,
		SentAt:       e.now(),
	}
	if err := e.sent.Record(ctx, rec); err != nil {
		log.WithError(err).Warn("[AutoReply] failed to record sent history")
	}
}
