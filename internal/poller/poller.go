// Package poller fetches unseen mail for every sync-enabled account and
// feeds it into the ingestion pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/ingest"
	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/transport"
)

// ErrAccountBusy is returned when the account is already being polled
var ErrAccountBusy = errors.New("account poll already in progress")

// AutomationTrigger is notified of every newly stored inbound message. It
// must not block the poll.
type AutomationTrigger interface {
	MessageReceived(msg *model.Message)
}

// AccountResult summarizes one account poll
type AccountResult struct {
	AccountID uint   `json:"account_id"`
	Email     string `json:"email"`
	Fetched   int    `json:"fetched"`
	Ingested  int    `json:"ingested"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Poller runs poll cycles across accounts on a bounded worker pool
type Poller struct {
	repo        *repository.Repository
	dialer      transport.Dialer
	pipeline    *ingest.Pipeline
	automations AutomationTrigger
	metrics     *metrics.Metrics
	workers     int
	budget      time.Duration
	locks       sync.Map
}

// NewPoller creates a poller. automations may be nil.
func NewPoller(repo *repository.Repository, dialer transport.Dialer, pipeline *ingest.Pipeline,
	automations AutomationTrigger, m *metrics.Metrics, workers int, budget time.Duration) *Poller {
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		repo:        repo,
		dialer:      dialer,
		pipeline:    pipeline,
		automations: automations,
		metrics:     m,
		workers:     workers,
		budget:      budget,
	}
}

// Cycle polls every sync-enabled account. A failing account never aborts
// the others.
func (p *Poller) Cycle(ctx context.Context) error {
	start := time.Now()
	p.metrics.PollCycles.Inc()
	defer func() {
		p.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	accounts, err := p.repo.ListSyncAccounts()
	if err != nil {
		return err
	}
	logrus.Infof("Starting poll cycle for %d accounts", len(accounts))

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for i := range accounts {
		account := &accounts[i]
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := p.PollAccount(ctx, account); err != nil && !errors.Is(err, ErrAccountBusy) {
				logrus.WithField("account_id", account.ID).Warnf("Account poll failed: %v", err)
			}
		}()
	}
	wg.Wait()

	logrus.Infof("Poll cycle completed in %v", time.Since(start))
	return nil
}

// SyncAccount polls one account immediately
func (p *Poller) SyncAccount(ctx context.Context, accountID uint) (*AccountResult, error) {
	account, err := p.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	return p.PollAccount(ctx, account)
}

// PollAccount fetches, ingests and marks seen each unseen message in turn.
// Connection failures are recorded on the account and returned.
func (p *Poller) PollAccount(ctx context.Context, account *model.MailAccount) (*AccountResult, error) {
	lock, _ := p.locks.LoadOrStore(account.ID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrAccountBusy
	}
	defer mu.Unlock()

	if p.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.budget)
		defer cancel()
	}

	log := logrus.WithFields(logrus.Fields{
		"account_id": account.ID,
		"email":      account.EmailAddress,
	})
	result := &AccountResult{AccountID: account.ID, Email: account.EmailAddress}

	mailbox, err := p.dialer.Dial(ctx, account)
	if err != nil {
		return result, p.fail(account, result, err, log)
	}
	defer mailbox.Close()

	ids, err := mailbox.UnseenIDs(ctx)
	if err != nil {
		return result, p.fail(account, result, err, log)
	}
	result.Fetched = len(ids)

	src := ingest.Source{
		OwnerID:        account.OwnerID,
		AccountID:      &account.ID,
		AccountAddress: account.EmailAddress,
		AccountName:    account.AccountName,
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return result, p.fail(account, result, fmt.Errorf("poll abandoned after %d of %d messages: %w", result.Ingested+result.Skipped, len(ids), ctx.Err()), log)
		}

		raw, err := mailbox.FetchRaw(ctx, id)
		if err != nil {
			log.Warnf("Failed to fetch message %s: %v", id, err)
			result.Failed++
			continue
		}

		src.ProviderMessageID = id
		res, err := p.pipeline.IngestRaw(ctx, raw, src)
		if err != nil {
			// left unseen so the next cycle retries it
			log.Warnf("Failed to ingest message %s: %v", id, err)
			result.Failed++
			continue
		}

		if err := mailbox.MarkSeen(ctx, id); err != nil {
			log.Warnf("Failed to mark message %s as seen: %v", id, err)
		}

		if res.Skipped {
			result.Skipped++
			continue
		}
		result.Ingested++
		if p.automations != nil {
			p.automations.MessageReceived(res.Message)
		}
	}

	summary := fmt.Sprintf("Fetched %d, ingested %d, skipped %d, failed %d", result.Fetched, result.Ingested, result.Skipped, result.Failed)
	if err := p.repo.RecordSyncSuccess(account.ID, time.Now(), summary); err != nil {
		log.Errorf("Failed to record sync status: %v", err)
	}
	log.Info(summary)
	return result, nil
}

func (p *Poller) fail(account *model.MailAccount, result *AccountResult, err error, log *logrus.Entry) error {
	p.metrics.AccountPollFailures.Inc()
	result.Error = err.Error()
	if rerr := p.repo.RecordSyncFailure(account.ID, err.Error()); rerr != nil {
		log.Errorf("Failed to record sync failure: %v", rerr)
	}
	log.Warnf("Account poll failed: %v", err)
	return err
}
