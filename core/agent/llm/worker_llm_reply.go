package llm

import (
	"context"
	"fmt"
	"strings"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

const maxPromptBody = 4000

// ReplyGenerator implements out.ReplyGenerator on top of the chat client.
type ReplyGenerator struct {
	client *Client
}

func NewReplyGenerator(client *Client) *ReplyGenerator {
	return &ReplyGenerator{client: client}
}

func (g *ReplyGenerator) GenerateReply(ctx context.Context, req *out.ReplyRequest) (string, error) {
	return g.client.CompleteWithSystem(ctx, replySystemPrompt(req), replyUserPrompt(req))
}

func replySystemPrompt(req *out.ReplyRequest) string {
	var b strings.Builder
	b.WriteString("You are an email assistant writing a reply on behalf of the mailbox owner")
	if req.MailboxOwner != "" {
		fmt.Fprintf(&b, " (%s)", req.MailboxOwner)
	}
	b.WriteString(".\n")
	b.WriteString(toneFor(req.Classification))
	if v := strings.TrimSpace(req.VoiceProfile); v != "" {
		fmt.Fprintf(&b, "\nMatch this writing style:\n%s\n", v)
	}
	if len(req.Classification.ActionItems) > 0 {
		b.WriteString("\nAcknowledge these requests explicitly:\n")
		for _, item := range req.Classification.ActionItems {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	b.WriteString("\nOnly output the reply body, without a subject line or signature.")
	return b.String()
}

func toneFor(c domain.Classification) string {
	switch {
	case c.Priority == domain.PriorityUrgent:
		return "The message is urgent: be brief and confirm next steps with a time frame."
	case c.Sentiment == domain.SentimentNegative:
		return "The sender is unhappy: be calm and solution-focused."
	case c.Sentiment == domain.SentimentPositive:
		return "Keep a warm, friendly tone."
	default:
		return "Keep a professional, concise tone."
	}
}

func replyUserPrompt(req *out.ReplyRequest) string {
	return fmt.Sprintf("Original email from %s\nSubject: %s\n\n%s\n\nWrite the reply:",
		req.From.String(), req.Subject, truncateBody(req.Body, maxPromptBody))
}

var _ out.ReplyGenerator = (*ReplyGenerator)(nil)
