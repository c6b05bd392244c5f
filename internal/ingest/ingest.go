// Package ingest stores raw or parsed emails as classified, threaded
// messages.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/classifier"
	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/parser"
	"renewal-mail-engine/internal/repository"
)

// Source describes where a message came from
type Source struct {
	OwnerID   uint
	AccountID *uint
	// AccountAddress marks messages sent by the account itself as its own
	// sent copy.
	AccountAddress    string
	AccountName       string
	FolderHint        string
	ProviderMessageID string
	Channel           string
}

// Result is the outcome of one ingestion
type Result struct {
	ID             uint                      `json:"id"`
	MessageID      string                    `json:"message_id"`
	Skipped        bool                      `json:"skipped"`
	Classification classifier.Classification `json:"classification"`
	Message        *model.Message            `json:"-"`
}

// Pipeline turns parsed emails into stored messages
type Pipeline struct {
	repo     *repository.Repository
	notifier *Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPipeline creates the pipeline. notifier may be nil.
func NewPipeline(repo *repository.Repository, notifier *Notifier, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		repo:     repo,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

// IngestRaw parses raw RFC 5322 content and ingests it
func (p *Pipeline) IngestRaw(ctx context.Context, raw []byte, src Source) (*Result, error) {
	email, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return p.Ingest(ctx, email, src)
}

// Ingest stores one message. A message id that already exists returns a
// skipped result with no side effects.
func (p *Pipeline) Ingest(ctx context.Context, email *parser.ParsedEmail, src Source) (*Result, error) {
	if email.MessageID == "" {
		email.MessageID = uuid.NewString() + "@mail-engine.local"
	}

	log := logrus.WithFields(logrus.Fields{
		"message_id": email.MessageID,
		"owner_id":   src.OwnerID,
	})

	exists, err := p.repo.MessageExists(email.MessageID)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Debug("Message already exists, skipped")
		p.metrics.MessagesSkipped.Inc()
		return &Result{MessageID: email.MessageID, Skipped: true}, nil
	}

	now := p.now()
	ownCopy := src.AccountAddress != "" && strings.EqualFold(email.From, src.AccountAddress)

	folderType := src.FolderHint
	if folderType == "" {
		folderType = model.FolderInbox
		if ownCopy {
			folderType = model.FolderSent
		}
	}
	folder, err := p.repo.GetOrCreateFolder(src.OwnerID, folderType)
	if err != nil {
		return nil, err
	}

	received := now
	if !email.Date.IsZero() {
		received = email.Date
	}

	body := email.PlainText()
	msg := &model.Message{
		OwnerID:           src.OwnerID,
		AccountID:         src.AccountID,
		MessageID:         email.MessageID,
		ProviderMessageID: src.ProviderMessageID,
		Direction:         model.DirectionInbound,
		FromEmail:         email.From,
		FromName:          email.FromName,
		ToEmails:          email.To,
		CCEmails:          email.CC,
		BCCEmails:         email.BCC,
		ReplyTo:           email.ReplyTo,
		Subject:           email.Subject,
		HTMLContent:       email.HTMLBody,
		TextContent:       body,
		InReplyTo:         email.InReplyTo,
		FolderID:          &folder.ID,
		Folder:            folder,
		Status:            model.StatusUnread,
		ReceivedAt:        &received,
	}
	if ownCopy {
		msg.Direction = model.DirectionOutbound
		msg.Status = model.StatusRead
		msg.ReadAt = &now
		msg.SentAt = &received
	}

	// classification precedes filters so rules can match on its output
	class := classifier.Classify(msg.Subject, body)
	msg.Category = class.Category
	msg.Priority = class.Priority
	msg.Sentiment = class.Sentiment

	p.applyFilters(msg, body, now, log)

	if err := p.repo.CreateMessage(msg); err != nil {
		// a concurrent ingest of the same message won the insert
		if exists, _ := p.repo.MessageExists(email.MessageID); exists {
			p.metrics.MessagesSkipped.Inc()
			return &Result{MessageID: email.MessageID, Skipped: true}, nil
		}
		return nil, err
	}
	p.metrics.MessagesIngested.Inc()

	p.storeAttachments(msg, email.Attachments, log)
	p.linkThread(msg, log)

	if p.notifier != nil && !ownCopy {
		p.notifier.NewMail(ctx, msg, src.AccountName)
	}

	log.WithFields(logrus.Fields{
		"id":       msg.ID,
		"category": msg.Category,
		"priority": msg.Priority,
	}).Info("Message ingested")

	return &Result{
		ID:             msg.ID,
		MessageID:      msg.MessageID,
		Classification: class,
		Message:        msg,
	}, nil
}

func (p *Pipeline) applyFilters(msg *model.Message, body string, now time.Time, log *logrus.Entry) {
	rules, err := p.repo.ActiveFilterRules(msg.OwnerID)
	if err != nil {
		log.Warnf("Skipping filter rules: %v", err)
		return
	}
	rule := classifier.FirstMatch(rules, classifier.TargetOf(msg, body))
	if rule == nil {
		return
	}
	if err := classifier.Apply(rule, msg, p.repo, now); err != nil {
		log.WithField("rule_id", rule.ID).Warnf("Failed to apply filter action: %v", err)
		return
	}
	p.metrics.FilterMatches.Inc()
	if err := p.repo.RecordRuleMatch(rule.ID, now); err != nil {
		log.Warnf("Failed to record rule match: %v", err)
	}
}

func (p *Pipeline) storeAttachments(msg *model.Message, attachments []parser.Attachment, log *logrus.Entry) {
	for _, a := range attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		att := &model.Attachment{
			MessageRefID: msg.ID,
			Filename:     a.Filename,
			ContentType:  contentType,
			Size:         len(a.Content),
			Content:      a.Content,
		}
		if err := p.repo.CreateAttachment(att); err != nil {
			log.Warnf("Failed to store attachment %q: %v", a.Filename, err)
		}
	}
}

func (p *Pipeline) linkThread(msg *model.Message, log *logrus.Entry) {
	key := classifier.ThreadKey(msg.Subject)
	if key == "" {
		return
	}
	if _, err := p.repo.LinkConversation(msg, key); err != nil {
		log.Warnf("Thread linking failed: %v", err)
	}
}
