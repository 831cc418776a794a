// Package compose assembles the MIME document and SMTP envelope for a
// queued message.
package compose

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/relaypost/relaypost/internal/attachment"
	"github.com/relaypost/relaypost/internal/repository"
)

// MailIDHeader carries the message's surrogate key so later bounce
// processing can correlate returned mail with the queue row.
const MailIDHeader = "X-Mail-ID"

// Envelope is the SMTP transaction addressing: MAIL FROM and the full
// recipient set including Bcc.
type Envelope struct {
	From       string
	Recipients []string
}

// Build renders a queued message into wire form. Bcc recipients appear in
// the envelope but never in the headers.
func Build(msg *repository.Message, atts []attachment.Resolved, now time.Time) ([]byte, Envelope, error) {
	p := &msg.Payload

	env := Envelope{From: bareAddress(p.From)}
	if p.ReturnPath != "" {
		env.From = bareAddress(p.ReturnPath)
	}
	for _, rcpt := range [][]string{p.To, p.Cc, p.Bcc} {
		for _, addr := range rcpt {
			env.Recipients = append(env.Recipients, bareAddress(addr))
		}
	}
	if len(env.Recipients) == 0 {
		return nil, Envelope{}, fmt.Errorf("message %s has no recipients", msg.ID)
	}

	var h mail.Header
	// Custom headers go in first so the fields the relay owns, Date,
	// Subject, the correlation id and the address lists, always win.
	for key, value := range p.Headers {
		h.Set(key, value)
	}
	h.SetDate(now)
	h.SetSubject(p.Subject)
	h.Set(MailIDHeader, msg.PK.String())
	if err := h.GenerateMessageID(); err != nil {
		return nil, Envelope{}, fmt.Errorf("generate message id: %w", err)
	}
	if err := setAddressHeader(&h, "From", []string{p.From}); err != nil {
		return nil, Envelope{}, err
	}
	if err := setAddressHeader(&h, "To", p.To); err != nil {
		return nil, Envelope{}, err
	}
	if len(p.Cc) > 0 {
		if err := setAddressHeader(&h, "Cc", p.Cc); err != nil {
			return nil, Envelope{}, err
		}
	}
	if p.ReplyTo != "" {
		if err := setAddressHeader(&h, "Reply-To", []string{p.ReplyTo}); err != nil {
			return nil, Envelope{}, err
		}
	}
	var buf bytes.Buffer
	if len(atts) == 0 {
		if err := writeInlineOnly(&buf, h, p); err != nil {
			return nil, Envelope{}, err
		}
		return buf.Bytes(), env, nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("create mime writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, Envelope{}, err
	}
	pw, err := tw.CreatePart(inlineHeader(p.ContentType))
	if err != nil {
		return nil, Envelope{}, err
	}
	if _, err := io.WriteString(pw, p.Body); err != nil {
		return nil, Envelope{}, err
	}
	if err := pw.Close(); err != nil {
		return nil, Envelope{}, err
	}
	if err := tw.Close(); err != nil {
		return nil, Envelope{}, err
	}

	for _, att := range atts {
		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		ah.SetContentType(att.MIMEType, nil)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, Envelope{}, fmt.Errorf("attach %q: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			return nil, Envelope{}, fmt.Errorf("attach %q: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, Envelope{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, Envelope{}, err
	}
	return buf.Bytes(), env, nil
}

func writeInlineOnly(buf *bytes.Buffer, h mail.Header, p *repository.Payload) error {
	h.SetContentType(bodyMIME(p.ContentType), map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(buf, h)
	if err != nil {
		return fmt.Errorf("create inline writer: %w", err)
	}
	if _, err := io.WriteString(w, p.Body); err != nil {
		return err
	}
	return w.Close()
}

// bodyMIME maps the payload content type ("plain" or "html") to the body
// media type.
func bodyMIME(contentType string) string {
	if strings.EqualFold(contentType, "html") {
		return "text/html"
	}
	return "text/plain"
}

func inlineHeader(contentType string) mail.InlineHeader {
	var ih mail.InlineHeader
	ih.SetContentType(bodyMIME(contentType), map[string]string{"charset": "utf-8"})
	return ih
}

// bareAddress strips any display name for use in the SMTP envelope.
func bareAddress(raw string) string {
	if parsed, err := netmail.ParseAddress(raw); err == nil {
		return parsed.Address
	}
	return raw
}

// setAddressHeader parses the given addresses and sets them as a list
// header. Addresses that do not parse are passed through verbatim so a
// submission server can apply its own policy.
func setAddressHeader(h *mail.Header, field string, raw []string) error {
	addrs := make([]*mail.Address, 0, len(raw))
	for _, value := range raw {
		parsed, err := netmail.ParseAddress(value)
		if err != nil {
			addrs = append(addrs, &mail.Address{Address: value})
			continue
		}
		addrs = append(addrs, (*mail.Address)(parsed))
	}
	h.SetAddressList(field, addrs)
	return nil
}
