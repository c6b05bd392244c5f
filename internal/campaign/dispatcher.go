// Package campaign sends mail-merge campaigns to their recipients.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/sender"
)

// DefaultCompanyName fills company_name when the campaign sets none
const DefaultCompanyName = "RenewIQ"

// Mailer transmits one campaign message
type Mailer interface {
	Send(ctx context.Context, req *sender.Request) (*sender.Result, error)
}

// Options tune a dispatcher
type Options struct {
	Workers         int
	RatePerSecond   float64
	Budget          time.Duration
	RecipientBudget time.Duration
	TrackingBaseURL string
}

// Summary is the outcome of one dispatch
type Summary struct {
	CampaignID uint   `json:"campaign_id"`
	Status     string `json:"status"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Pending    int    `json:"pending"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

// Dispatcher claims campaigns and sends them on a bounded worker pool. The
// limiter is shared by every campaign.
type Dispatcher struct {
	repo    *repository.Repository
	mailer  Mailer
	metrics *metrics.Metrics
	limiter *rate.Limiter
	opts    Options
	now     func() time.Time
}

func NewDispatcher(repo *repository.Repository, mailer Mailer, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Dispatcher{
		repo:    repo,
		mailer:  mailer,
		metrics: m,
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
		now:     time.Now,
	}
}

// DispatchDue sends every scheduled campaign whose time has come
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	campaigns, err := d.repo.DueCampaigns(d.now().UTC())
	if err != nil {
		return err
	}
	for i := range campaigns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := d.Dispatch(ctx, campaigns[i].ID); err != nil {
			logrus.WithField("campaign_id", campaigns[i].ID).Errorf("Campaign dispatch failed: %v", err)
		}
	}
	return nil
}

// Dispatch sends a draft or scheduled campaign to its pending recipients.
// A campaign that runs out of budget goes back to scheduled with the rest
// of its recipients still pending.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID uint) (*Summary, error) {
	claimed, err := d.repo.ClaimCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		c, err := d.repo.GetCampaign(campaignID)
		if err != nil {
			return nil, err
		}
		return &Summary{CampaignID: campaignID, Status: c.Status, Skipped: true,
			Reason: fmt.Sprintf("campaign is %s", c.Status)}, nil
	}

	c, err := d.repo.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "campaign": c.Name})

	// recipients stranded by an interrupted run are retried
	if n, err := d.repo.ResetQueuedRecipients(c.ID); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warnf("Re-queued %d recipients from an interrupted run", n)
	}

	total, err := d.repo.CountRecipients(c.ID)
	if err != nil {
		return nil, err
	}
	if err := d.repo.UpdateCampaign(c.ID, map[string]any{"total_recipients": total}); err != nil {
		return nil, err
	}
	recipients, err := d.repo.PendingRecipients(c.ID)
	if err != nil {
		return nil, err
	}
	log.Infof("Dispatching campaign to %d pending recipients", len(recipients))

	runCtx := ctx
	if d.opts.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.opts.Budget)
		defer cancel()
	}
	runCtx, abort := context.WithCancel(runCtx)
	defer abort()

	var (
		sent, failed atomic.Int64
		fatalOnce    sync.Once
		fatal        error
	)
	jobs := make(chan *model.CampaignRecipient)
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				if err := d.limiter.Wait(runCtx); err != nil {
					continue
				}
				ok, err := d.sendOne(runCtx, c, rec)
				switch {
				case ok:
					sent.Add(1)
				case err != nil && isConfigError(err):
					failed.Add(1)
					fatalOnce.Do(func() {
						fatal = err
						abort()
					})
				case err != nil:
					failed.Add(1)
				}
			}
		}()
	}
feed:
	for i := range recipients {
		select {
		case <-runCtx.Done():
			break feed
		case jobs <- &recipients[i]:
		}
	}
	close(jobs)
	wg.Wait()

	summary := &Summary{CampaignID: c.ID, Sent: int(sent.Load()), Failed: int(failed.Load())}
	remaining, err := d.repo.PendingRecipients(c.ID)
	if err != nil {
		return nil, err
	}
	summary.Pending = len(remaining)

	now := d.now().UTC()
	fields := map[string]any{}
	switch {
	case fatal != nil:
		summary.Status = model.CampaignFailed
		fields["error_message"] = fatal.Error()
	case summary.Pending > 0:
		// out of budget or cancelled; the next sweep resumes it
		summary.Status = model.CampaignScheduled
		fields["scheduled_at"] = now
		fields["error_message"] = fmt.Sprintf("%d recipients still pending", summary.Pending)
	default:
		final, err := d.repo.GetCampaign(c.ID)
		if err != nil {
			return nil, err
		}
		summary.Status = model.CampaignCompleted
		if final.SentCount == 0 && final.FailedCount > 0 {
			summary.Status = model.CampaignFailed
			fields["error_message"] = "every recipient failed"
		} else {
			fields["error_message"] = ""
		}
		fields["sent_at"] = now
	}
	fields["status"] = summary.Status
	if err := d.repo.UpdateCampaign(c.ID, fields); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status":  summary.Status,
		"sent":    summary.Sent,
		"failed":  summary.Failed,
		"pending": summary.Pending,
	}).Info("Campaign dispatch finished")
	return summary, nil
}

// sendOne claims the recipient, sends, and records the outcome. It reports
// true when the message went out.
func (d *Dispatcher) sendOne(ctx context.Context, c *model.Campaign, rec *model.CampaignRecipient) (bool, error) {
	claimed, err := d.repo.TransitionRecipient(rec.ID, "email_status = ?", []any{model.RecipientPending},
		map[string]any{"email_status": model.RecipientQueued})
	if err != nil || !claimed {
		return false, err
	}

	data := MergeData(c, rec)
	req := &sender.Request{
		OwnerID:  c.OwnerID,
		To:       []string{rec.Email},
		Subject:  sender.Render(c.Subject, data),
		HTMLBody: d.htmlBody(sender.Render(c.HTMLTemplate, data), rec),
		TextBody: sender.Render(c.TextTemplate, data),
		Headers:  map[string]string{"X-Campaign-ID": strconv.FormatUint(uint64(c.ID), 10)},
		UniqueArgs: map[string]string{
			"campaign_id":  strconv.FormatUint(uint64(c.ID), 10),
			"recipient_id": strconv.FormatUint(uint64(rec.ID), 10),
			"tracking_id":  rec.TrackingID,
		},
	}

	sendCtx := ctx
	if d.opts.RecipientBudget > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.opts.RecipientBudget)
		defer cancel()
	}
	res, sendErr := d.mailer.Send(sendCtx, req)

	log := logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "recipient_id": rec.ID})
	if sendErr != nil && res != nil && res.Sent {
		// the email left; only its local record is missing
		log.Errorf("Campaign email sent but not stored: %v", sendErr)
		sendErr = nil
	}
	if sendErr != nil && ctx.Err() != nil {
		// the run itself stopped; leave the recipient for the next one
		_, err := d.repo.TransitionRecipient(rec.ID, "email_status = ?", []any{model.RecipientQueued},
			map[string]any{"email_status": model.RecipientPending})
		return false, err
	}

	if sendErr != nil {
		d.metrics.CampaignFailed.Inc()
		log.Warnf("Campaign send failed: %v", sendErr)
		updates := map[string]any{
			"email_status":  model.RecipientFailed,
			"error_message": sendErr.Error(),
		}
		if res != nil && res.Message != nil && res.Message.ID != 0 {
			updates["message_ref_id"] = res.Message.ID
		}
		if ok, err := d.repo.TransitionRecipient(rec.ID, "email_status = ?", []any{model.RecipientQueued}, updates); err != nil {
			return false, err
		} else if ok {
			if err := d.repo.IncrementCampaignCounters(c.ID, map[string]int{"failed_count": 1}); err != nil {
				return false, err
			}
		}
		return false, sendErr
	}

	now := d.now().UTC()
	updates := map[string]any{
		"email_status":        model.RecipientSent,
		"sent_at":             now,
		"provider_message_id": res.ProviderMessageID,
		"error_message":       "",
	}
	if res.Message != nil && res.Message.ID != 0 {
		updates["message_ref_id"] = res.Message.ID
	}
	ok, err := d.repo.TransitionRecipient(rec.ID, "email_status = ?", []any{model.RecipientQueued}, updates)
	if err != nil {
		return true, err
	}
	if ok {
		d.metrics.CampaignSent.Inc()
		if err := d.repo.IncrementCampaignCounters(c.ID, map[string]int{"sent_count": 1}); err != nil {
			return true, err
		}
	}
	return true, nil
}

// MergeData is the recipient's merge record completed with the standard
// fields. Values the recipient carries win over the defaults.
func MergeData(c *model.Campaign, rec *model.CampaignRecipient) map[string]any {
	company := c.CompanyName
	if company == "" {
		company = DefaultCompanyName
	}
	data := map[string]any{
		"customer_name":  rec.Name,
		"customer_email": rec.Email,
		"email":          rec.Email,
		"company_name":   company,
		"campaign_name":  c.Name,
	}
	for k, v := range rec.MergeData {
		if v != nil && v != "" {
			data[k] = v
		}
	}
	return data
}

// htmlBody wraps plain content in a minimal document and appends the open
// pixel when tracking is configured.
func (d *Dispatcher) htmlBody(body string, rec *model.CampaignRecipient) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	if !strings.Contains(strings.ToLower(body), "<html") {
		body = "<html><body>" + body + "</body></html>"
	}
	if d.opts.TrackingBaseURL == "" || rec.TrackingID == "" {
		return body
	}
	pixel := fmt.Sprintf(`<img src="%s/track/open?t=%s" width="1" height="1" alt="" style="display:none"/>`,
		strings.TrimRight(d.opts.TrackingBaseURL, "/"), html.EscapeString(rec.TrackingID))
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

func isConfigError(err error) bool {
	return errors.Is(err, sender.ErrNoSendingMethod) || errors.Is(err, sender.ErrNoSenderAccount)
}
