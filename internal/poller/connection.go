package poller

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/model"
)

// OutboundChecker authenticates against an account's outbound transport
type OutboundChecker interface {
	CheckAccount(ctx context.Context, account *model.MailAccount) error
}

// ConnectionResult is the outcome of a connection test
type ConnectionResult struct {
	AccountID uint   `json:"account_id"`
	Success   bool   `json:"success"`
	Inbound   string `json:"inbound"`
	Outbound  string `json:"outbound,omitempty"`
}

// TestConnection logs in to the account's mailbox and, when outbound is not
// nil, authenticates against its outbound transport. The outcome is
// recorded on the account either way.
func (p *Poller) TestConnection(ctx context.Context, accountID uint, outbound OutboundChecker) (*ConnectionResult, error) {
	account, err := p.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if p.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.budget)
		defer cancel()
	}

	result := &ConnectionResult{AccountID: account.ID, Success: true, Inbound: "ok"}
	var notes []string

	mailbox, err := p.dialer.Dial(ctx, account)
	if err != nil {
		result.Success = false
		result.Inbound = err.Error()
		notes = append(notes, "inbound: "+err.Error())
	} else {
		mailbox.Close()
	}

	if outbound != nil {
		result.Outbound = "ok"
		if err := outbound.CheckAccount(ctx, account); err != nil {
			result.Success = false
			result.Outbound = err.Error()
			notes = append(notes, "outbound: "+err.Error())
		}
	}

	note := "Connection test succeeded"
	if !result.Success {
		note = "Connection test failed: " + strings.Join(notes, "; ")
	}
	if err := p.repo.RecordConnectionStatus(account.ID, result.Success, note); err != nil {
		return result, err
	}
	logrus.WithFields(logrus.Fields{
		"account_id": account.ID,
		"success":    result.Success,
	}).Info(note)
	return result, nil
}
