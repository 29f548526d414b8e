package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/httputil"
	"mailpilot_worker/pkg/logger"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

const graphMessageFields = "id,conversationId,internetMessageId,internetMessageHeaders,subject,body,from,toRecipients,ccRecipients,hasAttachments,receivedDateTime"

// OutlookAdapter talks to Microsoft Graph with OAuth credentials.
type OutlookAdapter struct {
	config     *oauth2.Config
	saver      out.TokenSaver
	httpClient *http.Client
	baseURL    string
	now        func() time.Time
}

func NewOutlookAdapter(cfg *OutlookConfig, saver out.TokenSaver) *OutlookAdapter {
	return &OutlookAdapter{
		config:     outlookOAuthConfig(cfg),
		saver:      saver,
		httpClient: httputil.NewOptimizedClient(httputil.OutlookClientConfig()),
		baseURL:    graphBaseURL,
		now:        time.Now,
	}
}

// WithBaseURL points the adapter at a different Graph root.
func (a *OutlookAdapter) WithBaseURL(base string) *OutlookAdapter {
	a.baseURL = strings.TrimRight(base, "/")
	return a
}

func (a *OutlookAdapter) Kind() domain.ProviderKind { return domain.ProviderOutlook }

func (a *OutlookAdapter) Verify(ctx context.Context, creds domain.Credentials) error {
	tctx := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	ts, err := newTokenSource(tctx, a.config, domain.ProviderOutlook, "", creds, nil)
	if err != nil {
		return err
	}
	client := oauth2.NewClient(tctx, ts)

	var user struct {
		ID   string `json:"id"`
		Mail string `json:"mail"`
	}
	return execute(nil, "outlook", func() error {
		return a.doGet(ctx, client, a.baseURL+"/me", &user)
	})
}

func (a *OutlookAdapter) Open(ctx context.Context, conn *domain.Connection) (out.Session, error) {
	return newOAuthSession(a.config, conn, a.saver, a.httpClient)
}

func (a *OutlookAdapter) session(s out.Session) (*oauthSession, error) {
	sess, ok := s.(*oauthSession)
	if !ok || sess.kind != domain.ProviderOutlook {
		return nil, out.ProtocolError("outlook", "session belongs to another provider", nil)
	}
	return sess, nil
}

func (a *OutlookAdapter) PollNew(ctx context.Context, s out.Session, policy domain.SyncPolicy) ([]out.ProviderMessage, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}

	var batch []out.ProviderMessage
	for _, folder := range policy.Folders {
		q := url.Values{}
		q.Set("$filter", "isRead eq false")
		q.Set("$top", "50")
		q.Set("$select", graphMessageFields)
		endpoint := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", a.baseURL, url.PathEscape(graphFolder(folder)), q.Encode())

		var resp struct {
			Value []graphMessage `json:"value"`
		}
		if err := execute(sess.cb, "outlook", func() error {
			return a.doGet(ctx, sess.client, endpoint, &resp)
		}); err != nil {
			return nil, err
		}

		for i := range resp.Value {
			pm := convertGraphMessage(&resp.Value[i], folder)
			if resp.Value[i].HasAttachments {
				atts, err := a.listAttachments(ctx, sess.client, pm.ProviderMessageID)
				if err != nil {
					if out.IsAuthError(err) {
						return nil, err
					}
					logger.WithField("message", pm.ProviderMessageID).WithError(err).Debug("[OutlookAdapter] attachment listing failed")
				}
				pm.Attachments = atts
			}
			batch = append(batch, pm)
		}
	}
	return batch, nil
}

func (a *OutlookAdapter) listAttachments(ctx context.Context, client *http.Client, messageID string) ([]domain.Attachment, error) {
	var resp struct {
		Value []struct {
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
			Size        int64  `json:"size"`
		} `json:"value"`
	}
	endpoint := fmt.Sprintf("%s/me/messages/%s/attachments?$select=name,contentType,size", a.baseURL, url.PathEscape(messageID))
	if err := a.doGet(ctx, client, endpoint, &resp); err != nil {
		return nil, err
	}
	atts := make([]domain.Attachment, 0, len(resp.Value))
	for _, v := range resp.Value {
		atts = append(atts, domain.Attachment{Filename: v.Name, MimeType: v.ContentType, Size: v.Size})
	}
	return atts, nil
}

// Send posts the composed MIME message so threading headers survive. Graph
// does not return an id for sendMail, so the generated Message-ID is used.
func (a *OutlookAdapter) Send(ctx context.Context, s out.Session, spec *out.DraftSpec) (string, error) {
	sess, err := a.session(s)
	if err != nil {
		return "", err
	}
	raw, messageID, err := composeMessage(spec, a.now())
	if err != nil {
		return "", out.ProtocolError("outlook", "compose reply", err)
	}
	err = execute(sess.cb, "outlook", func() error {
		return a.doPostMIME(ctx, sess.client, a.baseURL+"/me/sendMail", raw, nil)
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

func (a *OutlookAdapter) CreateDraft(ctx context.Context, s out.Session, spec *out.DraftSpec) (string, error) {
	sess, err := a.session(s)
	if err != nil {
		return "", err
	}
	raw, _, err := composeMessage(spec, a.now())
	if err != nil {
		return "", out.ProtocolError("outlook", "compose draft", err)
	}

	var created struct {
		ID string `json:"id"`
	}
	err = execute(sess.cb, "outlook", func() error {
		return a.doPostMIME(ctx, sess.client, a.baseURL+"/me/messages", raw, &created)
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (a *OutlookAdapter) MarkRead(ctx context.Context, s out.Session, providerMessageID string) error {
	sess, err := a.session(s)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/me/messages/%s", a.baseURL, url.PathEscape(providerMessageID))
	return execute(sess.cb, "outlook", func() error {
		return a.doPatch(ctx, sess.client, endpoint, map[string]any{"isRead": true})
	})
}

func (a *OutlookAdapter) doGet(ctx context.Context, client *http.Client, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return out.ProtocolError("outlook", "build request", err)
	}
	return a.do(client, req, result)
}

// doPostMIME sends a base64 MIME body, which Graph accepts for sendMail and
// message creation.
func (a *OutlookAdapter) doPostMIME(ctx context.Context, client *http.Client, endpoint string, raw []byte, result any) error {
	body := base64.StdEncoding.EncodeToString(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return out.ProtocolError("outlook", "build request", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	return a.do(client, req, result)
}

func (a *OutlookAdapter) doPatch(ctx context.Context, client *http.Client, endpoint string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return out.ProtocolError("outlook", "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(data))
	if err != nil {
		return out.ProtocolError("outlook", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(client, req, nil)
}

func (a *OutlookAdapter) do(client *http.Client, req *http.Request, result any) error {
	resp, err := client.Do(req)
	if err != nil {
		return a.wrapError(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}
	if result == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return out.ProtocolError("outlook", "decode response", err)
	}
	return nil
}

func (a *OutlookAdapter) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	// token failures arrive wrapped in *url.Error
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return out.TransientError("outlook", msg, err)
}

func (a *OutlookAdapter) wrapHTTPError(statusCode int, body string) error {
	msg := fmt.Sprintf("HTTP %d", statusCode)
	var ge struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &ge) == nil && ge.Error.Code != "" {
		msg = fmt.Sprintf("HTTP %d %s: %s", statusCode, ge.Error.Code, ge.Error.Message)
	}
	return httpStatusError(domain.ProviderOutlook, statusCode, msg, nil)
}

// graphFolder maps IMAP-style names onto Graph well-known folders.
func graphFolder(folder string) string {
	switch strings.ToUpper(folder) {
	case "INBOX":
		return "inbox"
	case "SENT":
		return "sentitems"
	case "DRAFTS", "DRAFT":
		return "drafts"
	case "JUNK", "SPAM":
		return "junkemail"
	}
	return folder
}

func convertGraphMessage(msg *graphMessage, folder string) out.ProviderMessage {
	pm := out.ProviderMessage{
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ConversationID,
		MessageIDHeader:   msg.InternetMessageID,
		Subject:           msg.Subject,
		Folder:            folder,
		From:              msg.From.address(),
		To:                graphAddresses(msg.ToRecipients),
		Cc:                graphAddresses(msg.CcRecipients),
	}
	var autoSubmitted, precedence string
	for _, h := range msg.InternetMessageHeaders {
		switch {
		case strings.EqualFold(h.Name, "References"):
			pm.References = strings.Fields(h.Value)
		case strings.EqualFold(h.Name, "Auto-Submitted"):
			autoSubmitted = h.Value
		case strings.EqualFold(h.Name, "Precedence"):
			precedence = h.Value
		}
	}
	pm.AutoSubmitted = isAutoSubmitted(autoSubmitted, precedence)
	if strings.EqualFold(msg.Body.ContentType, "html") {
		pm.BodyHTML = msg.Body.Content
	} else {
		pm.BodyText = msg.Body.Content
	}
	if t, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
		pm.ReceivedAt = t.UTC()
	}
	return pm
}

func graphAddresses(list []graphRecipient) []domain.Address {
	if len(list) == 0 {
		return nil
	}
	addrs := make([]domain.Address, 0, len(list))
	for _, r := range list {
		addrs = append(addrs, r.address())
	}
	return addrs
}

// Graph API types

type graphMessage struct {
	ID                     string           `json:"id"`
	ConversationID         string           `json:"conversationId"`
	InternetMessageID      string           `json:"internetMessageId"`
	InternetMessageHeaders []graphHeader    `json:"internetMessageHeaders"`
	Subject                string           `json:"subject"`
	Body                   graphBody        `json:"body"`
	From                   graphRecipient   `json:"from"`
	ToRecipients           []graphRecipient `json:"toRecipients"`
	CcRecipients           []graphRecipient `json:"ccRecipients"`
	HasAttachments         bool             `json:"hasAttachments"`
	ReceivedDateTime       string           `json:"receivedDateTime"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

func (r graphRecipient) address() domain.Address {
	return domain.Address{Name: r.EmailAddress.Name, Email: strings.ToLower(r.EmailAddress.Address)}
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

var _ out.MailProvider = (*OutlookAdapter)(nil)
