// Package parser turns raw RFC 5322 messages into structured emails.
package parser

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
)

// Attachment is a decoded file part
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ParsedEmail is the decoded form of one raw message
type ParsedEmail struct {
	MessageID   string
	InReplyTo   string
	References  []string
	From        string
	FromName    string
	To          []string
	CC          []string
	BCC         []string
	ReplyTo     string
	Subject     string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Parse decodes a raw message. Header decoding is lenient: unknown
// charsets and malformed address lists degrade to raw text instead of
// failing the whole message.
func Parse(raw []byte) (*ParsedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	h := mr.Header
	email := &ParsedEmail{
		MessageID:  trimMsgID(h.Get("Message-Id")),
		InReplyTo:  trimMsgID(h.Get("In-Reply-To")),
		References: splitMsgIDs(h.Get("References")),
		To:         addressList(h, "To"),
		CC:         addressList(h, "Cc"),
		BCC:        addressList(h, "Bcc"),
	}

	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = strings.ToLower(from[0].Address)
		email.FromName = from[0].Name
	} else if fallback := addressList(h, "From"); len(fallback) > 0 {
		email.From = fallback[0]
	}

	if replyTo := addressList(h, "Reply-To"); len(replyTo) > 0 {
		email.ReplyTo = replyTo[0]
	}

	if date, err := h.Date(); err == nil {
		email.Date = date
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			logrus.WithField("message_id", email.MessageID).Warnf("Stopped reading message parts: %v", err)
			break
		}
		if p == nil {
			break
		}
		readPart(p, email)
	}

	return email, nil
}

func readPart(p *mail.Part, email *ParsedEmail) {
	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		contentType, params, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			logrus.Warnf("Failed to read inline part: %v", err)
			return
		}

		// inline parts carrying a file name are attachments for our purposes
		if name := params["name"]; name != "" && !strings.HasPrefix(contentType, "text/") {
			email.Attachments = append(email.Attachments, Attachment{
				Filename:    name,
				ContentType: contentType,
				Content:     body,
			})
			return
		}

		switch contentType {
		case "text/plain":
			if email.TextBody == "" {
				email.TextBody = string(body)
			}
		case "text/html":
			if email.HTMLBody == "" {
				email.HTMLBody = string(body)
			}
		}
	case *mail.AttachmentHeader:
		filename, _ := h.Filename()
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			logrus.Warnf("Failed to read attachment %q: %v", filename, err)
			return
		}
		email.Attachments = append(email.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			Content:     body,
		})
	}
}

// PlainText returns the text body, falling back to the HTML body stripped
// of markup.
func (e *ParsedEmail) PlainText() string {
	if strings.TrimSpace(e.TextBody) != "" {
		return e.TextBody
	}
	return HTMLToText(e.HTMLBody)
}

func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	return SplitAddresses(h.Get(key))
}

// SplitAddresses splits a comma separated header value into bare
// lowercase addresses.
func SplitAddresses(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if i := strings.LastIndex(part, "<"); i >= 0 {
			part = strings.TrimSuffix(part[i+1:], ">")
		}
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func trimMsgID(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

func splitMsgIDs(v string) []string {
	var ids []string
	for _, f := range strings.Fields(v) {
		if id := trimMsgID(f); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

var (
	textPolicy  = bluemonday.StrictPolicy()
	blockBreaks = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/tr|/h[1-6])[^>]*>`)
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	lineRuns    = regexp.MustCompile(`\n\s*\n+`)
)

// HTMLToText strips markup, keeping block boundaries as line breaks
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}
	s = blockBreaks.ReplaceAllString(s, "$0\n")
	s = html.UnescapeString(textPolicy.Sanitize(s))
	s = spaceRuns.ReplaceAllString(s, " ")
	s = lineRuns.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
