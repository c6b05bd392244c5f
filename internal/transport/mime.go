package transport

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"renewal-mail-engine/internal/parser"
)

// OutgoingAttachment is a file to attach to an outgoing message
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// OutgoingMessage is everything rendered into the MIME document. Message
// ids are given without angle brackets. BCC never appears in headers.
type OutgoingMessage struct {
	MessageID   string
	From        string
	FromName    string
	To          []string
	CC          []string
	ReplyTo     string
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Headers     map[string]string
	Attachments []OutgoingAttachment
	Date        time.Time
}

const htmlOnlyNotice = "This message is best viewed in an HTML capable mail client."

// BuildMIME renders the message as multipart/alternative, wrapped in
// multipart/mixed when there are attachments. A plain text part is always
// present.
func BuildMIME(m *OutgoingMessage) ([]byte, error) {
	var h mail.Header
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: m.FromName, Address: m.From}})
	h.SetAddressList("To", addresses(m.To))
	if len(m.CC) > 0 {
		h.SetAddressList("Cc", addresses(m.CC))
	}
	if m.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: m.ReplyTo}})
	}
	h.SetSubject(m.Subject)
	if m.MessageID != "" {
		h.SetMessageID(m.MessageID)
	}
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", "<"+m.InReplyTo+">")
	}
	if len(m.References) > 0 {
		var refs bytes.Buffer
		for i, ref := range m.References {
			if i > 0 {
				refs.WriteByte(' ')
			}
			refs.WriteString("<" + ref + ">")
		}
		h.Set("References", refs.String())
	}
	for k, v := range m.Headers {
		h.Set(k, v)
	}

	text := m.TextBody
	if text == "" {
		text = parser.HTMLToText(m.HTMLBody)
	}
	if text == "" && m.HTMLBody != "" {
		text = htmlOnlyNotice
	}

	var buf bytes.Buffer
	if len(m.Attachments) == 0 {
		iw, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message: %w", err)
		}
		if err := writeAlternatives(iw, text, m.HTMLBody); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeAlternatives(iw, text, m.HTMLBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.Set("Content-Type", contentType)
		ah.Set("Content-Transfer-Encoding", "base64")
		ah.SetFilename(att.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAlternatives(iw *mail.InlineWriter, text, html string) error {
	if err := writeInline(iw, "text/plain", text); err != nil {
		return err
	}
	if html == "" {
		return nil
	}
	return writeInline(iw, "text/html", html)
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func addresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
