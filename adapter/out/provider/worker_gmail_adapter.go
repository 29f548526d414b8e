package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/httputil"
	"mailpilot_worker/pkg/logger"
)

const (
	gmailPageSize         = 50
	gmailFetchConcurrency = 10
)

// GmailAdapter talks to the Gmail REST API with OAuth credentials.
type GmailAdapter struct {
	config     *oauth2.Config
	saver      out.TokenSaver
	httpClient *http.Client
	endpoint   string
	now        func() time.Time
}

func NewGmailAdapter(cfg *GmailConfig, saver out.TokenSaver) *GmailAdapter {
	return &GmailAdapter{
		config:     gmailOAuthConfig(cfg),
		saver:      saver,
		httpClient: httputil.NewOptimizedClient(httputil.GmailClientConfig()),
		now:        time.Now,
	}
}

// WithEndpoint points the adapter at a different API root.
func (a *GmailAdapter) WithEndpoint(endpoint string) *GmailAdapter {
	a.endpoint = endpoint
	return a
}

type gmailSession struct {
	*oauthSession
	svc *gmail.Service
}

func (a *GmailAdapter) Kind() domain.ProviderKind { return domain.ProviderGmail }

func (a *GmailAdapter) Verify(ctx context.Context, creds domain.Credentials) error {
	tctx := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	ts, err := newTokenSource(tctx, a.config, domain.ProviderGmail, "", creds, nil)
	if err != nil {
		return err
	}
	svc, err := a.service(ctx, option.WithHTTPClient(oauth2.NewClient(tctx, ts)))
	if err != nil {
		return err
	}
	// one-off check outside any session breaker
	return execute(nil, "gmail", func() error {
		_, err := svc.Users.GetProfile("me").Context(ctx).Do()
		return a.wrapError(err, "verify credentials")
	})
}

func (a *GmailAdapter) Open(ctx context.Context, conn *domain.Connection) (out.Session, error) {
	sess, err := newOAuthSession(a.config, conn, a.saver, a.httpClient)
	if err != nil {
		return nil, err
	}
	svc, err := a.service(ctx, option.WithHTTPClient(sess.client))
	if err != nil {
		return nil, err
	}
	return &gmailSession{oauthSession: sess, svc: svc}, nil
}

func (a *GmailAdapter) service(ctx context.Context, opts ...option.ClientOption) (*gmail.Service, error) {
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.ProtocolError("gmail", "create service", err)
	}
	return svc, nil
}

func (a *GmailAdapter) session(s out.Session) (*gmailSession, error) {
	gs, ok := s.(*gmailSession)
	if !ok {
		return nil, out.ProtocolError("gmail", "session belongs to another provider", nil)
	}
	return gs, nil
}

// PollNew lists unread messages per label and fetches them in full.
func (a *GmailAdapter) PollNew(ctx context.Context, s out.Session, policy domain.SyncPolicy) ([]out.ProviderMessage, error) {
	gs, err := a.session(s)
	if err != nil {
		return nil, err
	}

	var batch []out.ProviderMessage
	for _, folder := range policy.Folders {
		label := gmailLabel(folder)
		var refs []*gmail.Message
		err := execute(gs.cb, "gmail", func() error {
			resp, err := gs.svc.Users.Messages.List("me").
				Q("is:unread").
				LabelIds(label).
				MaxResults(gmailPageSize).
				Context(ctx).Do()
			if err != nil {
				return a.wrapError(err, "list messages")
			}
			refs = resp.Messages
			return nil
		})
		if err != nil {
			return nil, err
		}

		msgs, err := a.fetchFull(ctx, gs, refs, folder)
		if err != nil {
			return nil, err
		}
		batch = append(batch, msgs...)
	}
	return batch, nil
}

// fetchFull downloads messages concurrently. A message that fails to load is
// skipped; it is still unread and comes back next poll. Auth failures abort.
func (a *GmailAdapter) fetchFull(ctx context.Context, gs *gmailSession, refs []*gmail.Message, folder string) ([]out.ProviderMessage, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	results := make([]*out.ProviderMessage, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gmailFetchConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			var msg *gmail.Message
			err := execute(gs.cb, "gmail", func() error {
				m, err := gs.svc.Users.Messages.Get("me", ref.Id).Format("full").Context(gctx).Do()
				if err != nil {
					return a.wrapError(err, "get message")
				}
				msg = m
				return nil
			})
			if err != nil {
				if out.IsAuthError(err) {
					return err
				}
				logger.WithField("message", ref.Id).WithError(err).Warn("[GmailAdapter] skipping message")
				return nil
			}
			pm := convertGmailMessage(msg, folder)
			results[i] = &pm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	msgs := make([]out.ProviderMessage, 0, len(results))
	for _, r := range results {
		if r != nil {
			msgs = append(msgs, *r)
		}
	}
	return msgs, nil
}

func (a *GmailAdapter) Send(ctx context.Context, s out.Session, spec *out.DraftSpec) (string, error) {
	gs, err := a.session(s)
	if err != nil {
		return "", err
	}
	raw, _, err := composeMessage(spec, a.now())
	if err != nil {
		return "", out.ProtocolError("gmail", "compose reply", err)
	}

	var id string
	err = execute(gs.cb, "gmail", func() error {
		sent, err := gs.svc.Users.Messages.Send("me", &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: spec.ThreadID,
		}).Context(ctx).Do()
		if err != nil {
			return a.wrapError(err, "send message")
		}
		id = sent.Id
		return nil
	})
	return id, err
}

func (a *GmailAdapter) CreateDraft(ctx context.Context, s out.Session, spec *out.DraftSpec) (string, error) {
	gs, err := a.session(s)
	if err != nil {
		return "", err
	}
	raw, _, err := composeMessage(spec, a.now())
	if err != nil {
		return "", out.ProtocolError("gmail", "compose draft", err)
	}

	var id string
	err = execute(gs.cb, "gmail", func() error {
		draft, err := gs.svc.Users.Drafts.Create("me", &gmail.Draft{
			Message: &gmail.Message{
				Raw:      base64.URLEncoding.EncodeToString(raw),
				ThreadId: spec.ThreadID,
			},
		}).Context(ctx).Do()
		if err != nil {
			return a.wrapError(err, "create draft")
		}
		id = draft.Id
		return nil
	})
	return id, err
}

func (a *GmailAdapter) MarkRead(ctx context.Context, s out.Session, providerMessageID string) error {
	gs, err := a.session(s)
	if err != nil {
		return err
	}
	return execute(gs.cb, "gmail", func() error {
		_, err := gs.svc.Users.Messages.Modify("me", providerMessageID, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Context(ctx).Do()
		return a.wrapError(err, "mark read")
	})
}

func (a *GmailAdapter) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		detail := msg
		if apiErr.Message != "" {
			detail = msg + ": " + apiErr.Message
		}
		return httpStatusError(domain.ProviderGmail, apiErr.Code, detail, err)
	}
	return out.TransientError("gmail", msg, err)
}

// gmailLabel maps folder names onto Gmail system labels.
func gmailLabel(folder string) string {
	switch strings.ToUpper(folder) {
	case "INBOX", "SENT", "DRAFT", "SPAM", "TRASH", "IMPORTANT", "STARRED":
		return strings.ToUpper(folder)
	}
	return folder
}

func convertGmailMessage(msg *gmail.Message, folder string) out.ProviderMessage {
	pm := out.ProviderMessage{
		ProviderMessageID: msg.Id,
		ThreadID:          msg.ThreadId,
		Folder:            folder,
	}
	if msg.InternalDate > 0 {
		pm.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return pm
	}

	headers := msg.Payload.Headers
	pm.Subject = gmailHeader(headers, "Subject")
	pm.MessageIDHeader = gmailHeader(headers, "Message-ID")
	if pm.MessageIDHeader == "" {
		pm.MessageIDHeader = gmailHeader(headers, "Message-Id")
	}
	pm.References = strings.Fields(gmailHeader(headers, "References"))
	if from := parseAddressList(gmailHeader(headers, "From")); len(from) > 0 {
		pm.From = from[0]
	}
	pm.To = parseAddressList(gmailHeader(headers, "To"))
	pm.Cc = parseAddressList(gmailHeader(headers, "Cc"))
	pm.AutoSubmitted = isAutoSubmitted(gmailHeader(headers, "Auto-Submitted"), gmailHeader(headers, "Precedence"))

	extractGmailBody(msg.Payload, &pm)
	return pm
}

func extractGmailBody(part *gmail.MessagePart, pm *out.ProviderMessage) {
	if part == nil {
		return
	}
	if part.Filename != "" {
		att := domain.Attachment{Filename: part.Filename, MimeType: part.MimeType}
		if part.Body != nil {
			att.Size = part.Body.Size
		}
		pm.Attachments = append(pm.Attachments, att)
	} else if part.Body != nil && part.Body.Data != "" {
		data, err := decodeGmailData(part.Body.Data)
		if err == nil {
			switch {
			case part.MimeType == "text/plain" && pm.BodyText == "":
				pm.BodyText = string(data)
			case part.MimeType == "text/html" && pm.BodyHTML == "":
				pm.BodyHTML = string(data)
			}
		}
	}
	for _, p := range part.Parts {
		extractGmailBody(p, pm)
	}
}

// decodeGmailData accepts both padded and unpadded base64url.
func decodeGmailData(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func gmailHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func parseAddressList(s string) []domain.Address {
	if s == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return []domain.Address{{Email: strings.ToLower(strings.TrimSpace(s))}}
	}
	addrs := make([]domain.Address, len(list))
	for i, a := range list {
		addrs[i] = domain.Address{Name: a.Name, Email: strings.ToLower(a.Address)}
	}
	return addrs
}

var _ out.MailProvider = (*GmailAdapter)(nil)
