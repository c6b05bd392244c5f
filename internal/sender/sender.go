// Package sender resolves the sending identity for outbound mail and
// transmits it.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/classifier"
	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/transport"
)

var (
	// ErrNoSendingMethod means no transport could be resolved for a send
	ErrNoSendingMethod = errors.New("no sending method could be resolved")
	ErrNoRecipients    = errors.New("message has no recipients")
	// ErrNoSenderAccount means no account and no fallback address exist
	ErrNoSenderAccount = errors.New("no sender account available")
)

// Request is one outbound message
type Request struct {
	OwnerID     uint
	AccountID   *uint
	To          []string
	CC          []string
	BCC         []string
	ReplyTo     string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []transport.OutgoingAttachment
	Headers     map[string]string
	// UniqueArgs are attached as X-SMTPAPI unique_args when the route is a
	// SendGrid relay.
	UniqueArgs map[string]string
	InReplyTo  string
	References []string
	ParentID   *uint
	// Original is the message being replied to or forwarded
	Original *model.Message
}

// Result is the outcome of a send
type Result struct {
	Sent              bool           `json:"sent"`
	Method            string         `json:"method"`
	From              string         `json:"from"`
	ProviderMessageID string         `json:"provider_message_id"`
	Message           *model.Message `json:"message"`
}

// Sender is the outbound mail service
type Sender struct {
	repo            *repository.Repository
	vault           transport.Decrypter
	tx              Transmitter
	metrics         *metrics.Metrics
	defaultProvider *Provider
	fallbackFrom    string
	now             func() time.Time
}

// NewSender creates a sender. defaultProvider is the system-wide relay and
// may be nil.
func NewSender(repo *repository.Repository, vault transport.Decrypter, tx Transmitter, m *metrics.Metrics,
	defaultProvider *Provider, fallbackFrom string) *Sender {
	return &Sender{
		repo:            repo,
		vault:           vault,
		tx:              tx,
		metrics:         m,
		defaultProvider: defaultProvider,
		fallbackFrom:    fallbackFrom,
		now:             time.Now,
	}
}

// Send resolves the account and transport, transmits, and stores the
// outbound message as sent or failed. Resolution errors are returned
// without storing anything.
func (s *Sender) Send(ctx context.Context, req *Request) (*Result, error) {
	if len(req.To)+len(req.CC)+len(req.BCC) == 0 {
		return nil, ErrNoRecipients
	}

	account, err := s.accountFor(req)
	if err != nil {
		return nil, err
	}
	route, err := s.resolveRoute(account)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if len(req.UniqueArgs) > 0 && route.Provider.IsSendGrid() {
		smtpAPI, err := json.Marshal(map[string]any{"unique_args": req.UniqueArgs})
		if err == nil {
			headers["X-SMTPAPI"] = string(smtpAPI)
		}
	}

	now := s.now()
	messageID := transport.NewMessageID(route.From)
	raw, err := transport.BuildMIME(&transport.OutgoingMessage{
		MessageID:   messageID,
		From:        route.From,
		FromName:    route.FromName,
		To:          req.To,
		CC:          req.CC,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		TextBody:    req.TextBody,
		HTMLBody:    req.HTMLBody,
		InReplyTo:   req.InReplyTo,
		References:  req.References,
		Headers:     headers,
		Attachments: req.Attachments,
		Date:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{
		"from":       route.From,
		"method":     route.Method,
		"message_id": messageID,
	})

	start := time.Now()
	providerID, sendErr := s.tx.Transmit(ctx, route, transport.Envelope{
		From:       route.From,
		Recipients: recipients(req),
		Data:       raw,
	})
	s.metrics.SendDuration.Observe(time.Since(start).Seconds())
	if providerID == "" {
		providerID = messageID
	}

	msg := &model.Message{
		OwnerID:           req.OwnerID,
		MessageID:         messageID,
		ProviderMessageID: providerID,
		Direction:         model.DirectionOutbound,
		FromEmail:         route.From,
		FromName:          route.FromName,
		ToEmails:          req.To,
		CCEmails:          req.CC,
		BCCEmails:         req.BCC,
		ReplyTo:           req.ReplyTo,
		Subject:           req.Subject,
		HTMLContent:       req.HTMLBody,
		TextContent:       req.TextBody,
		InReplyTo:         req.InReplyTo,
		ParentMessageID:   req.ParentID,
		Category:          model.CategoryUncategorized,
		Priority:          model.PriorityNormal,
		Sentiment:         model.SentimentNeutral,
	}
	if account != nil {
		msg.AccountID = &account.ID
	}

	folderType := model.FolderSent
	if sendErr != nil {
		folderType = model.FolderDrafts
		msg.Status = model.StatusFailed
		msg.DeliveryStatus = model.DeliveryFailed
		msg.ErrorMessage = sendErr.Error()
		s.metrics.SendsFailed.Inc()
	} else {
		msg.Status = model.StatusRead
		msg.DeliveryStatus = model.DeliverySent
		msg.SentAt = &now
		msg.ReadAt = &now
		s.metrics.SendsSucceeded.Inc()
	}
	if folder, err := s.repo.GetOrCreateFolder(req.OwnerID, folderType); err == nil {
		msg.FolderID = &folder.ID
	} else {
		log.Warnf("Failed to resolve %s folder: %v", folderType, err)
	}

	if err := s.repo.CreateMessage(msg); err != nil {
		log.Errorf("Failed to store outbound message: %v", err)
		if sendErr == nil {
			return &Result{Sent: true, Method: route.Method, From: route.From, ProviderMessageID: providerID}, err
		}
	}

	result := &Result{
		Sent:              sendErr == nil,
		Method:            route.Method,
		From:              route.From,
		ProviderMessageID: providerID,
		Message:           msg,
	}
	if sendErr != nil {
		log.Warnf("Send failed: %v", sendErr)
		return result, fmt.Errorf("failed to send message: %w", sendErr)
	}

	if key := classifier.ThreadKey(msg.Subject); key != "" && msg.ID != 0 {
		if _, err := s.repo.LinkConversation(msg, key); err != nil {
			log.Warnf("Thread linking failed: %v", err)
		}
	}
	log.Info("Message sent")
	return result, nil
}

// accountFor applies the resolution order: explicit account, an account
// addressed by the original message, the owner's default sender. A nil
// account means the system fallback.
func (s *Sender) accountFor(req *Request) (*model.MailAccount, error) {
	if req.AccountID != nil {
		account, err := s.repo.GetAccount(*req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSenderAccount, err)
		}
		if account.OwnerID != req.OwnerID {
			return nil, fmt.Errorf("%w: account %d belongs to another owner", ErrNoSenderAccount, account.ID)
		}
		return account, nil
	}

	if req.Original != nil {
		addresses := append(append([]string{}, req.Original.ToEmails...), req.Original.CCEmails...)
		account, err := s.repo.FindOwnerAccountByAddresses(req.OwnerID, addresses)
		switch {
		case err == nil:
			return account, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}

	account, err := s.repo.DefaultSenderAccount(req.OwnerID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// CheckAccount authenticates against the account's outbound transport
// without sending.
func (s *Sender) CheckAccount(ctx context.Context, account *model.MailAccount) error {
	route, err := s.resolveRoute(account)
	if err != nil {
		return err
	}
	return s.tx.Check(ctx, route)
}

func recipients(req *Request) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{req.To, req.CC, req.BCC} {
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			key := strings.ToLower(addr)
			if addr == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
