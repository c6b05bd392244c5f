// Package transport opens IMAP, Gmail API and SMTP sessions for mail accounts.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"renewal-mail-engine/internal/model"
)

// Mailbox is one open session on an account's incoming folder
type Mailbox interface {
	// UnseenIDs lists messages not yet flagged as seen
	UnseenIDs(ctx context.Context) ([]string, error)
	// FetchRaw returns the full RFC 5322 content without marking it seen
	FetchRaw(ctx context.Context, id string) ([]byte, error)
	MarkSeen(ctx context.Context, id string) error
	Close() error
}

// Dialer opens a Mailbox for an account
type Dialer interface {
	Dial(ctx context.Context, account *model.MailAccount) (Mailbox, error)
}

// Decrypter opens stored credentials
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Options bounds every network operation
type Options struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 60 * time.Second
	}
	return o
}

// AccountDialer picks the IMAP or Gmail API session for an account
type AccountDialer struct {
	vault  Decrypter
	opts   Options
	folder string
	gmail  *oauth2.Config
}

// NewAccountDialer creates a dialer. gmailOAuth may be nil when no account
// uses OAuth2.
func NewAccountDialer(vault Decrypter, opts Options, folder string, gmailOAuth *oauth2.Config) *AccountDialer {
	if folder == "" {
		folder = "INBOX"
	}
	return &AccountDialer{
		vault:  vault,
		opts:   opts.withDefaults(),
		folder: folder,
		gmail:  gmailOAuth,
	}
}

// Dial decrypts the account credential and opens a session
func (d *AccountDialer) Dial(ctx context.Context, account *model.MailAccount) (Mailbox, error) {
	secret, err := d.vault.Decrypt(account.AccessCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential for %s: %w", account.EmailAddress, err)
	}

	if account.AuthType == model.AuthTypeOAuth2 {
		if d.gmail == nil {
			return nil, fmt.Errorf("account %s uses oauth2 but no Gmail client is configured", account.EmailAddress)
		}
		return NewGmailMailbox(ctx, d.gmail, secret, d.opts)
	}

	return DialIMAP(ctx, IMAPEndpoint{
		Host:     account.IMAPServer,
		Port:     account.IMAPPort,
		UseTLS:   account.UseSSLTLS,
		Username: account.EmailAddress,
		Password: secret,
		Folder:   d.folder,
	}, d.opts)
}

// NewMessageID returns a unique message id in the sender's domain, without
// angle brackets.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = strings.ToLower(from[i+1:])
	}
	return uuid.NewString() + "@" + domain
}
