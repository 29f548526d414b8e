package provider

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// composeMessage renders a reply as RFC 5322 text with threading headers.
// It returns the generated Message-ID alongside the bytes.
func composeMessage(spec *out.DraftSpec, now time.Time) ([]byte, string, error) {
	if len(spec.To) == 0 {
		return nil, "", fmt.Errorf("reply has no recipients")
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{toMailAddress(spec.From)})
	to := make([]*mail.Address, 0, len(spec.To))
	for _, a := range spec.To {
		to = append(to, toMailAddress(a))
	}
	h.SetAddressList("To", to)
	h.SetSubject(spec.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message id: %w", err)
	}
	messageID, _ := h.MessageID()
	if spec.InReplyTo != "" {
		h.Set("In-Reply-To", angle(spec.InReplyTo))
	}
	if refs := referencesHeader(spec); refs != "" {
		h.Set("References", refs)
	}
	// RFC 3834: other responders must not answer this message
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create mime writer: %w", err)
	}
	if _, err := io.WriteString(w, spec.Body); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

func referencesHeader(spec *out.DraftSpec) string {
	refs := make([]string, 0, len(spec.References)+1)
	seen := make(map[string]bool)
	for _, r := range append(append([]string{}, spec.References...), spec.InReplyTo) {
		if r == "" {
			continue
		}
		r = angle(r)
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	return strings.Join(refs, " ")
}

// isAutoSubmitted reports whether the header values mark a message as sent
// by a machine: any Auto-Submitted other than "no", or a bulk, list, junk or
// auto-reply Precedence.
func isAutoSubmitted(autoSubmitted, precedence string) bool {
	if v := strings.ToLower(strings.TrimSpace(autoSubmitted)); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(precedence)) {
	case "bulk", "list", "junk", "auto_reply":
		return true
	}
	return false
}

func angle(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func toMailAddress(a domain.Address) *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Email}
}

func fromMailAddresses(list []*mail.Address) []domain.Address {
	if len(list) == 0 {
		return nil
	}
	addrs := make([]domain.Address, 0, len(list))
	for _, a := range list {
		if a == nil {
			continue
		}
		addrs = append(addrs, domain.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return addrs
}

// parsedBody is what parseMessage extracts from a raw RFC 5322 message.
type parsedBody struct {
	MessageID   string
	References  []string
	From        domain.Address
	To          []domain.Address
	Cc          []domain.Address
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []domain.Attachment

	// AutoSubmitted marks machine-generated mail that must not be answered.
	AutoSubmitted bool
}

// parseMessage walks the MIME tree, keeping the first text/plain and
// text/html parts and recording attachments by name.
func parseMessage(r io.Reader) (*parsedBody, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	p := &parsedBody{}
	h := mr.Header
	if id, err := h.MessageID(); err == nil {
		p.MessageID = id
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		p.References = refs
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = fromMailAddresses(from)[0]
	}
	if to, err := h.AddressList("To"); err == nil {
		p.To = fromMailAddresses(to)
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		p.Cc = fromMailAddresses(cc)
	}
	if subject, err := h.Subject(); err == nil {
		p.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		p.Date = date
	}
	p.AutoSubmitted = isAutoSubmitted(h.Get("Auto-Submitted"), h.Get("Precedence"))

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return p, fmt.Errorf("read part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return p, fmt.Errorf("read inline part: %w", err)
			}
			switch {
			case ct == "text/plain" && p.Text == "":
				p.Text = string(body)
			case ct == "text/html" && p.HTML == "":
				p.HTML = string(body)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			p.Attachments = append(p.Attachments, domain.Attachment{Filename: name, MimeType: ct, Size: n})
		}
	}
	return p, nil
}
