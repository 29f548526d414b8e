package autoreply

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/adapter/out/memory"
	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

type fakeGenerator struct {
	reply string
	err   error
	calls int
	last  *out.ReplyRequest
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, req *out.ReplyRequest) (string, error) {
	g.calls++
	g.last = req
	return g.reply, g.err
}

type fakeDispatcher struct {
	sendErr error
	sent    []*out.DraftSpec
	drafts  []*out.DraftSpec
}

func (d *fakeDispatcher) Send(ctx context.Context, msg *out.DraftSpec) (string, error) {
	if d.sendErr != nil {
		return "", d.sendErr
	}
	d.sent = append(d.sent, msg)
	return "sent-1", nil
}

func (d *fakeDispatcher) CreateDraft(ctx context.Context, msg *out.DraftSpec) (string, error) {
	if d.sendErr != nil {
		return "", d.sendErr
	}
	d.drafts = append(d.drafts, msg)
	return "draft-1", nil
}

type fixture struct {
	engine   *Engine
	gen      *fakeGenerator
	disp     *fakeDispatcher
	outcomes *memory.OutcomeStore
	sent     *memory.SentHistoryStore
}

func newFixture() *fixture {
	f := &fixture{
		gen:      &fakeGenerator{reply: "Sure, Thursday works."},
		disp:     &fakeDispatcher{},
		outcomes: memory.NewOutcomeStore(),
		sent:     memory.NewSentHistoryStore(),
	}
	f.engine = NewEngine(f.gen, f.outcomes, f.sent, 0)
	return f
}

func conn(mode domain.AIMode) *domain.Connection {
	return &domain.Connection{
		ID:       uuid.New(),
		UserID:   "u1",
		Email:    "me@example.com",
		Provider: domain.ProviderGmail,
		AI:       domain.AIPolicy{Enabled: mode != domain.AIModeDisabled, Mode: mode, Signature: "-- Me"},
	}
}

func message(from string, responseRequired bool) *domain.InboundMessage {
	return &domain.InboundMessage{
		ID:                uuid.New(),
		ProviderMessageID: "m1",
		ThreadID:          "t1",
		MessageIDHeader:   "<m1@mail>",
		From:              domain.Address{Email: from},
		Subject:           "Meeting",
		BodyText:          "Can we meet Thursday?",
		Classification:    domain.Classification{ResponseRequired: responseRequired},
	}
}

func TestAutoSendScenario(t *testing.T) {
	f := newFixture()
	c := conn(domain.AIModeAutoSend)
	msg := message("bob@partner.com", true)

	res := f.engine.Handle(context.Background(), c, f.disp, msg)

	require.Equal(t, Responded, res.Kind)
	require.Len(t, f.disp.sent, 1)
	assert.Empty(t, f.disp.drafts)

	spec := f.disp.sent[0]
	assert.Equal(t, "Re: Meeting", spec.Subject)
	assert.Equal(t, "<m1@mail>", spec.InReplyTo)
	assert.Equal(t, []string{"<m1@mail>"}, spec.References)
	assert.Equal(t, "bob@partner.com", spec.To[0].Email)
	assert.Equal(t, "Sure, Thursday works.\n\n-- Me", spec.Body)

	assert.True(t, res.Outcome.Sent)
	assert.False(t, res.Outcome.Drafted)
	assert.Equal(t, "sent-1", res.Outcome.ProviderRef)

	stored, err := f.outcomes.GetOutcome(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Sent)

	history, err := f.sent.ListByConnection(context.Background(), c.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestBlockedSenderScenario(t *testing.T) {
	tests := []struct {
		name  string
		block []string
	}{
		{"exact address", []string{"Spam@Bad.com"}},
		{"bare domain", []string{"bad.com"}},
		{"at domain", []string{"@bad.com"}},
		{"wildcard domain", []string{"*@bad.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c := conn(domain.AIModeAutoSend)
			c.AI.BlockList = tt.block

			res := f.engine.Handle(context.Background(), c, f.disp, message("spam@bad.com", true))

			assert.Equal(t, Skipped, res.Kind)
			assert.Equal(t, SkipSenderBlocked, res.SkipReason)
			assert.Zero(t, f.gen.calls)
			assert.Empty(t, f.disp.sent)
			assert.Zero(t, f.outcomes.OutcomeCount())
		})
	}
}

func TestDraftModeScenario(t *testing.T) {
	f := newFixture()
	c := conn(domain.AIModeDraft)
	msg := message("bob@partner.com", true)

	res := f.engine.Handle(context.Background(), c, f.disp, msg)

	require.Equal(t, Responded, res.Kind)
	assert.Empty(t, f.disp.sent)
	require.Len(t, f.disp.drafts, 1)
	assert.True(t, res.Outcome.Drafted)
	assert.False(t, res.Outcome.Sent)
	assert.Equal(t, "draft-1", res.Outcome.ProviderRef)

	history, _ := f.sent.ListByConnection(context.Background(), c.ID, 10)
	assert.Empty(t, history, "drafts are not sent history")
}

func TestPolicyGating(t *testing.T) {
	tests := []struct {
		name   string
		policy domain.AIPolicy
	}{
		{"disabled flag", domain.AIPolicy{Enabled: false, Mode: domain.AIModeAutoSend}},
		{"disabled mode", domain.AIPolicy{Enabled: true, Mode: domain.AIModeDisabled}},
		{"zero policy", domain.AIPolicy{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c := conn(domain.AIModeAutoSend)
			c.AI = tt.policy

			res := f.engine.Handle(context.Background(), c, f.disp, message("bob@partner.com", true))

			assert.Equal(t, Skipped, res.Kind)
			assert.Equal(t, SkipPolicyDisabled, res.SkipReason)
			assert.Empty(t, f.disp.sent)
			assert.Empty(t, f.disp.drafts)
			assert.Zero(t, f.gen.calls)
		})
	}
}

func TestNoResponseRequired(t *testing.T) {
	f := newFixture()
	res := f.engine.Handle(context.Background(), conn(domain.AIModeAutoSend), f.disp, message("bob@partner.com", false))
	assert.Equal(t, SkipNoResponseRequired, res.SkipReason)
	assert.Zero(t, f.gen.calls)
}

func TestAllowList(t *testing.T) {
	f := newFixture()
	c := conn(domain.AIModeAutoSend)
	c.AI.AllowList = []string{"partner.com"}

	res := f.engine.Handle(context.Background(), c, f.disp, message("eve@elsewhere.com", true))
	assert.Equal(t, SkipSenderNotAllowed, res.SkipReason)

	res = f.engine.Handle(context.Background(), c, f.disp, message("bob@partner.com", true))
	assert.Equal(t, Responded, res.Kind)
}

func TestReplyLoopGuards(t *testing.T) {
	self := message("Me@Example.com ", true)
	self.Subject = "Re: Pricing?"
	auto := message("responder@partner.com", true)
	auto.AutoSubmitted = true

	tests := []struct {
		name string
		msg  *domain.InboundMessage
		want string
	}{
		{"mail from the mailbox itself", self, SkipSelfSender},
		{"auto-submitted mail", auto, SkipAutoSubmitted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			res := f.engine.Handle(context.Background(), conn(domain.AIModeAutoSend), f.disp, tt.msg)
			assert.Equal(t, Skipped, res.Kind)
			assert.Equal(t, tt.want, res.SkipReason)
			assert.Empty(t, f.disp.sent)
			assert.Zero(t, f.gen.calls)
		})
	}
}

func TestGenerationFailureIsSkip(t *testing.T) {
	f := newFixture()
	f.gen.err = errors.New("model overloaded")
	c := conn(domain.AIModeAutoSend)

	res := f.engine.Handle(context.Background(), c, f.disp, message("bob@partner.com", true))

	assert.Equal(t, Skipped, res.Kind)
	assert.Equal(t, SkipGenerationFailed, res.SkipReason)
	assert.Equal(t, out.ErrKindGeneration, out.KindOf(res.Err))
	assert.Empty(t, f.disp.sent)

	failures, err := f.outcomes.ListFailures(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.FailureGeneration, failures[0].Kind)
	assert.Zero(t, f.outcomes.OutcomeCount())
}

func TestSendFailureIsFailedWithoutOutcome(t *testing.T) {
	f := newFixture()
	f.disp.sendErr = errors.New("smtp 554")
	c := conn(domain.AIModeAutoSend)
	msg := message("bob@partner.com", true)

	res := f.engine.Handle(context.Background(), c, f.disp, msg)

	assert.Equal(t, Failed, res.Kind)
	assert.Equal(t, out.ErrKindSend, out.KindOf(res.Err))
	assert.Zero(t, f.outcomes.OutcomeCount())

	failures, _ := f.outcomes.ListFailures(context.Background(), c.ID)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.FailureSend, failures[0].Kind)
	assert.True(t, msg.Classification.ResponseRequired, "classification is untouched")
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", replySubject("Hello"))
	assert.Equal(t, "RE: Hello", replySubject("RE: Hello"))
	assert.Equal(t, "Re: ", replySubject(""))
}
