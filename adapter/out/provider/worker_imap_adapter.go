package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

const (
	imapFetchLimit   = 50
	imapDraftsFolder = "Drafts"
)

// IMAPConfig tunes the raw IMAP/SMTP adapter.
type IMAPConfig struct {
	DialTimeout time.Duration
	// Plaintext disables TLS on both protocols. Only for local relays.
	Plaintext bool
}

// IMAPAdapter reads over IMAP and sends over SMTP with password auth.
type IMAPAdapter struct {
	cfg IMAPConfig
	now func() time.Time
}

func NewIMAPAdapter(cfg IMAPConfig) *IMAPAdapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &IMAPAdapter{cfg: cfg, now: time.Now}
}

func (a *IMAPAdapter) Kind() domain.ProviderKind { return domain.ProviderIMAPSMTP }

// Verify logs in over IMAP and immediately logs out.
func (a *IMAPAdapter) Verify(ctx context.Context, creds domain.Credentials) error {
	c, err := a.dial(ctx, creds)
	if err != nil {
		return err
	}
	_ = c.Logout()
	return nil
}

func (a *IMAPAdapter) Open(ctx context.Context, conn *domain.Connection) (out.Session, error) {
	s := &imapSession{
		adapter: a,
		creds:   conn.Credentials,
		mailbox: strings.ToLower(conn.Email),
	}
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *IMAPAdapter) dial(ctx context.Context, creds domain.Credentials) (*client.Client, error) {
	if creds.IMAPHost == "" || creds.Username == "" {
		return nil, out.ProtocolError("imap", "imap host and username are required", nil)
	}
	port := creds.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(creds.IMAPHost, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout}
	var conn net.Conn
	var err error
	if a.cfg.Plaintext || port == 143 {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: creds.IMAPHost})
	}
	if err != nil {
		return nil, out.TransientError("imap", "connect "+addr, err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, out.TransientError("imap", "greeting", err)
	}
	c.Timeout = commandTimeout(ctx, a.cfg.DialTimeout)

	if port == 143 && !a.cfg.Plaintext {
		if err := c.StartTLS(&tls.Config{ServerName: creds.IMAPHost}); err != nil {
			_ = c.Logout()
			return nil, out.TransientError("imap", "starttls", err)
		}
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		_ = c.Logout()
		if isConnError(err) {
			return nil, out.TransientError("imap", "login", err)
		}
		return nil, out.AuthError("imap", "login rejected", err)
	}
	return c, nil
}

// imapSession owns one logged-in client and re-dials after the server drops it.
type imapSession struct {
	adapter *IMAPAdapter
	creds   domain.Credentials
	mailbox string

	mu sync.Mutex
	c  *client.Client
	// marks holds the highest UID already returned per folder.
	marks map[string]uidMark
}

type uidMark struct {
	validity uint32
	last     uint32
}

func (s *imapSession) Provider() domain.ProviderKind { return domain.ProviderIMAPSMTP }
func (s *imapSession) Mailbox() string               { return s.mailbox }

func (s *imapSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}

// ensure must be called with mu held, or before the session is shared.
func (s *imapSession) ensure(ctx context.Context) error {
	if s.c != nil && s.c.State() != imap.LogoutState {
		s.c.Timeout = commandTimeout(ctx, s.adapter.cfg.DialTimeout)
		return nil
	}
	c, err := s.adapter.dial(ctx, s.creds)
	if err != nil {
		return err
	}
	s.c = c
	return nil
}

func (a *IMAPAdapter) session(ctx context.Context, s out.Session) (*imapSession, error) {
	is, ok := s.(*imapSession)
	if !ok {
		return nil, out.ProtocolError("imap", "session belongs to another provider", nil)
	}
	is.mu.Lock()
	if err := is.ensure(ctx); err != nil {
		is.mu.Unlock()
		return nil, err
	}
	return is, nil
}

// PollNew searches each folder for unseen messages above the session's UID
// mark and fetches them with BODY.PEEK, oldest first, so a backlog larger
// than one batch drains over successive polls.
func (a *IMAPAdapter) PollNew(ctx context.Context, s out.Session, policy domain.SyncPolicy) ([]out.ProviderMessage, error) {
	is, err := a.session(ctx, s)
	if err != nil {
		return nil, err
	}
	defer is.mu.Unlock()

	var batch []out.ProviderMessage
	for _, folder := range policy.Folders {
		msgs, err := is.pollFolder(folder)
		if err != nil {
			return nil, err
		}
		batch = append(batch, msgs...)
	}
	return batch, nil
}

func (s *imapSession) pollFolder(folder string) ([]out.ProviderMessage, error) {
	c := s.c
	mbox, err := c.Select(folder, false)
	if err != nil {
		return nil, imapError("select "+folder, err)
	}

	mark := s.marks[folder]
	if mark.validity != mbox.UidValidity {
		mark = uidMark{validity: mbox.UidValidity}
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if mark.last > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(mark.last+1, 0)
	}
	found, err := c.UidSearch(criteria)
	if err != nil {
		return nil, imapError("search "+folder, err)
	}
	// "n:*" always matches the highest UID, even below n
	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		if uid > mark.last {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > imapFetchLimit {
		uids = uids[:imapFetchLimit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var batch []out.ProviderMessage
	for msg := range messages {
		pm, err := convertIMAPMessage(msg, section, folder, mbox.UidValidity)
		if err != nil {
			logger.WithField("uid", msg.Uid).WithError(err).Warn("[IMAPAdapter] failed to parse message")
			continue
		}
		batch = append(batch, pm)
	}
	if err := <-done; err != nil {
		return nil, imapError("fetch "+folder, err)
	}

	mark.last = uids[len(uids)-1]
	if s.marks == nil {
		s.marks = make(map[string]uidMark)
	}
	s.marks[folder] = mark
	return batch, nil
}

func (a *IMAPAdapter) MarkRead(ctx context.Context, s out.Session, providerMessageID string) error {
	folder, uid, err := parseIMAPMessageID(providerMessageID)
	if err != nil {
		return out.ProtocolError("imap", "bad message id", err)
	}
	is, err := a.session(ctx, s)
	if err != nil {
		return err
	}
	defer is.mu.Unlock()

	if _, err := is.c.Select(folder, false); err != nil {
		return imapError("select "+folder, err)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	flags := []interface{}{imap.SeenFlag}
	if err := is.c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return imapError("store", err)
	}
	return nil
}

// CreateDraft appends to the Drafts folder, creating it on first use.
func (a *IMAPAdapter) CreateDraft(ctx context.Context, s out.Session, spec *out.DraftSpec) (string, error) {
	raw, messageID, err := composeMessage(spec, a.now())
	if err != nil {
		return "", out.ProtocolError("imap", "compose draft", err)
	}
	is, err := a.session(ctx, s)
	if err != nil {
		return "", err
	}
	defer is.mu.Unlock()

	appendDraft := func() error {
		return is.c.Append(imapDraftsFolder, []string{imap.DraftFlag}, a.now(), bytes.NewBuffer(raw))
	}
	if err := appendDraft(); err != nil {
		if cerr := is.c.Create(imapDraftsFolder); cerr != nil {
			return "", imapError("append draft", err)
		}
		if err := appendDraft(); err != nil {
			return "", imapError("append draft", err)
		}
	}
	return messageID, nil
}

// Send delivers over SMTP. It does not need the IMAP session beyond its
// credentials.
func (a *IMAPAdapter) Send(ctx context.Context, s out.Session, spec *out.DraftSpec) (string, error) {
	is, ok := s.(*imapSession)
	if !ok {
		return "", out.ProtocolError("smtp", "session belongs to another provider", nil)
	}
	raw, messageID, err := composeMessage(spec, a.now())
	if err != nil {
		return "", out.ProtocolError("smtp", "compose reply", err)
	}
	from := spec.From.Email
	if from == "" {
		from = is.mailbox
	}
	rcpts := make([]string, 0, len(spec.To))
	for _, to := range spec.To {
		rcpts = append(rcpts, to.Email)
	}
	if err := a.sendSMTP(ctx, is.creds, from, rcpts, raw); err != nil {
		return "", err
	}
	return messageID, nil
}

func (a *IMAPAdapter) sendSMTP(ctx context.Context, creds domain.Credentials, from string, rcpts []string, raw []byte) error {
	if creds.SMTPHost == "" {
		return out.ProtocolError("smtp", "smtp host is required", nil)
	}
	port := creds.SMTPPort
	if port == 0 {
		port = 465
		if creds.SMTPStartTLS {
			port = 587
		}
	}
	addr := net.JoinHostPort(creds.SMTPHost, strconv.Itoa(port))
	tlsCfg := &tls.Config{ServerName: creds.SMTPHost}

	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout}
	var conn net.Conn
	var err error
	if a.cfg.Plaintext || creds.SMTPStartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	}
	if err != nil {
		return out.TransientError("smtp", "connect "+addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if creds.SMTPStartTLS && !a.cfg.Plaintext {
		c, err = smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			return startTLSError(err)
		}
	} else {
		c = smtp.NewClient(conn)
		if err := c.Hello("localhost"); err != nil {
			c.Close()
			return smtpError("EHLO", err)
		}
	}
	defer c.Close()

	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(sasl.NewPlainClient("", creds.Username, creds.Password)); err != nil {
			return smtpError("AUTH", err)
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return smtpError("MAIL FROM", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return smtpError("RCPT TO", err)
		}
	}
	wc, err := c.Data()
	if err != nil {
		return smtpError("DATA", err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return smtpError("DATA", err)
	}
	if err := wc.Close(); err != nil {
		return smtpError("DATA", err)
	}
	if err := c.Quit(); err != nil {
		logger.WithError(err).Debug("[IMAPAdapter] SMTP QUIT failed after delivery")
	}
	return nil
}

// commandTimeout bounds each IMAP command by the caller's deadline.
func commandTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}

// imapError separates dropped connections from NO/BAD replies, which the
// client reports as plain errors.
func imapError(op string, err error) error {
	if isConnError(err) {
		return out.TransientError("imap", op, err)
	}
	return out.ProtocolError("imap", op, err)
}

func isConnError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "connection closed")
}

func smtpError(op string, err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch {
		case se.Code == 535 || se.Code == 530 || se.Code == 534:
			return out.AuthError("smtp", op+" rejected credentials", err)
		case se.Code >= 400 && se.Code < 500:
			return out.TransientError("smtp", op, err)
		default:
			return out.ProtocolError("smtp", op, err)
		}
	}
	return out.TransientError("smtp", op, err)
}

// startTLSError treats a server that never offers STARTTLS as misconfigured
// rather than retrying it forever.
func startTLSError(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) || isConnError(err) {
		return smtpError("STARTTLS", err)
	}
	return out.ProtocolError("smtp", "STARTTLS", err)
}

// IMAP message ids are folder:uidvalidity:uid. A UIDVALIDITY change yields
// new ids, so messages are re-ingested rather than silently confused.
func formatIMAPMessageID(folder string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", folder, uidValidity, uid)
}

func parseIMAPMessageID(id string) (string, uint32, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed imap message id %q", id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("malformed imap uid in %q", id)
	}
	rest := id[:i]
	j := strings.LastIndex(rest, ":")
	if j <= 0 {
		return "", 0, fmt.Errorf("malformed imap message id %q", id)
	}
	if _, err := strconv.ParseUint(rest[j+1:], 10, 32); err != nil {
		return "", 0, fmt.Errorf("malformed uidvalidity in %q", id)
	}
	return rest[:j], uint32(uid), nil
}

func convertIMAPMessage(msg *imap.Message, section *imap.BodySectionName, folder string, uidValidity uint32) (out.ProviderMessage, error) {
	pm := out.ProviderMessage{
		ProviderMessageID: formatIMAPMessageID(folder, uidValidity, msg.Uid),
		Folder:            folder,
		ReceivedAt:        msg.InternalDate.UTC(),
	}
	if env := msg.Envelope; env != nil {
		pm.Subject = env.Subject
		pm.MessageIDHeader = env.MessageId
		if len(env.From) > 0 {
			pm.From = domain.Address{Name: env.From[0].PersonalName, Email: strings.ToLower(env.From[0].Address())}
		}
		pm.To = envelopeAddresses(env.To)
		pm.Cc = envelopeAddresses(env.Cc)
		if pm.ReceivedAt.IsZero() && !env.Date.IsZero() {
			pm.ReceivedAt = env.Date.UTC()
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return pm, fmt.Errorf("server returned no body")
	}
	parsed, err := parseMessage(io.Reader(body))
	if parsed == nil {
		return pm, err
	}
	if err != nil {
		logger.WithField("uid", msg.Uid).WithError(err).Debug("[IMAPAdapter] partial MIME parse")
	}
	pm.BodyText = parsed.Text
	pm.BodyHTML = parsed.HTML
	pm.Attachments = parsed.Attachments
	pm.References = parsed.References
	pm.AutoSubmitted = parsed.AutoSubmitted
	if pm.MessageIDHeader == "" {
		pm.MessageIDHeader = parsed.MessageID
	}
	if pm.From.Email == "" {
		pm.From = parsed.From
	}
	// The References chain lets replies land in the right thread.
	if len(parsed.References) > 0 {
		pm.ThreadID = parsed.References[0]
	} else {
		pm.ThreadID = pm.MessageIDHeader
	}
	return pm, nil
}

func envelopeAddresses(list []*imap.Address) []domain.Address {
	if len(list) == 0 {
		return nil
	}
	addrs := make([]domain.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, domain.Address{Name: a.PersonalName, Email: strings.ToLower(a.Address())})
	}
	return addrs
}

var _ out.MailProvider = (*IMAPAdapter)(nil)
