package sender

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/transport"
)

// ReplyRequest answers a stored message
type ReplyRequest struct {
	OriginalID  uint
	AccountID   *uint
	ReplyAll    bool
	CC          []string
	BCC         []string
	HTMLBody    string
	TextBody    string
	Attachments []transport.OutgoingAttachment
}

// ForwardRequest forwards a stored message with its attachments
type ForwardRequest struct {
	OriginalID uint
	AccountID  *uint
	To         []string
	CC         []string
	BCC        []string
	Message    string
}

// Reply sends a reply and marks the original replied
func (s *Sender) Reply(ctx context.Context, r ReplyRequest) (*Result, error) {
	original, err := s.repo.GetMessage(r.OriginalID)
	if err != nil {
		return nil, err
	}

	to := original.ReplyTo
	if to == "" {
		to = original.FromEmail
	}
	cc := r.CC
	if r.ReplyAll {
		cc = append(append([]string{}, cc...), original.ToEmails...)
		cc = append(cc, original.CCEmails...)
	}

	req := &Request{
		OwnerID:     original.OwnerID,
		AccountID:   r.AccountID,
		To:          []string{to},
		CC:          cc,
		BCC:         r.BCC,
		Subject:     prefixed("Re: ", original.Subject),
		HTMLBody:    r.HTMLBody,
		TextBody:    r.TextBody,
		Attachments: r.Attachments,
		InReplyTo:   original.MessageID,
		References:  references(original),
		ParentID:    &original.ID,
		Original:    original,
	}

	account, err := s.accountFor(req)
	if err != nil {
		return nil, err
	}
	drop := append([]string{}, req.To...)
	if account != nil {
		req.AccountID = &account.ID
		drop = append(drop, account.EmailAddress)
	}
	if r.ReplyAll {
		req.CC = without(req.CC, drop)
	}

	res, err := s.Send(ctx, req)
	if err != nil {
		return res, err
	}
	s.markOriginal(original, model.StatusReplied)
	return res, nil
}

// Forward sends the original below a short message and marks it forwarded
func (s *Sender) Forward(ctx context.Context, r ForwardRequest) (*Result, error) {
	original, err := s.repo.GetMessage(r.OriginalID)
	if err != nil {
		return nil, err
	}

	originalHTML := original.HTMLContent
	if originalHTML == "" {
		originalHTML = strings.ReplaceAll(html.EscapeString(original.TextContent), "\n", "<br>")
	}
	forwardHeader := fmt.Sprintf("---------- Forwarded message ----------\nFrom: %s\nSubject: %s", original.FromEmail, original.Subject)

	var attachments []transport.OutgoingAttachment
	stored, err := s.repo.ListAttachments(original.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range stored {
		attachments = append(attachments, transport.OutgoingAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	res, err := s.Send(ctx, &Request{
		OwnerID:     original.OwnerID,
		AccountID:   r.AccountID,
		To:          r.To,
		CC:          r.CC,
		BCC:         r.BCC,
		Subject:     prefixed("Fwd: ", original.Subject),
		HTMLBody:    html.EscapeString(r.Message) + "<br><hr><br>" + strings.ReplaceAll(html.EscapeString(forwardHeader), "\n", "<br>") + "<br><br>" + originalHTML,
		TextBody:    r.Message + "\n---\n" + forwardHeader + "\n\n" + original.TextContent,
		Attachments: attachments,
		ParentID:    &original.ID,
		Original:    original,
	})
	if err != nil {
		return res, err
	}
	s.markOriginal(original, model.StatusForwarded)
	return res, nil
}

func (s *Sender) markOriginal(original *model.Message, status string) {
	fields := map[string]any{"status": status}
	if status == model.StatusReplied {
		fields["replied_at"] = s.now()
	}
	if err := s.repo.UpdateMessage(original.ID, fields); err != nil {
		logrus.WithField("message_id", original.MessageID).Errorf("Failed to mark original as %s: %v", status, err)
	}
}

func prefixed(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

func references(original *model.Message) []string {
	var refs []string
	if original.InReplyTo != "" {
		refs = append(refs, original.InReplyTo)
	}
	return append(refs, original.MessageID)
}

func without(list, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[strings.ToLower(d)] = struct{}{}
	}
	var out []string
	for _, a := range list {
		if _, ok := skip[strings.ToLower(a)]; !ok {
			out = append(out, a)
		}
	}
	return out
}
