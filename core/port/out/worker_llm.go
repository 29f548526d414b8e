package out

import (
	"context"

	"mailpilot_worker/core/domain"
)

// ReplyRequest carries everything the generator may use for a reply.
type ReplyRequest struct {
	From           domain.Address
	Subject        string
	Body           string
	Classification domain.Classification
	VoiceProfile   string
	Signature      string
	MailboxOwner   string
}

// ReplyGenerator produces reply text. Failures are returned, never panicked.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req *ReplyRequest) (string, error)
}
