package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const gmailUser = "me"

// GmailOAuthConfig builds the OAuth2 client used for Gmail accounts
func GmailOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
}

// GmailMailbox reads and sends through the Gmail API with a refresh token
type GmailMailbox struct {
	service *gmail.Service
}

// NewGmailMailbox creates a Gmail API session from a refresh token
func NewGmailMailbox(ctx context.Context, cfg *oauth2.Config, refreshToken string, opts Options) (*GmailMailbox, error) {
	opts = opts.withDefaults()
	if refreshToken == "" {
		return nil, fmt.Errorf("missing Gmail refresh token")
	}

	httpCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: opts.OperationTimeout})
	tokenSource := cfg.TokenSource(httpCtx, &oauth2.Token{RefreshToken: refreshToken})

	service, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(httpCtx, tokenSource)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &GmailMailbox{service: service}, nil
}

// UnseenIDs lists unread inbox messages
func (m *GmailMailbox) UnseenIDs(ctx context.Context) ([]string, error) {
	var ids []string
	call := m.service.Users.Messages.List(gmailUser).Q("is:unread in:inbox").MaxResults(100)
	err := call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return ids, nil
}

// FetchRaw downloads the message in raw format
func (m *GmailMailbox) FetchRaw(ctx context.Context, id string) ([]byte, error) {
	msg, err := m.service.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(msg.Raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return raw, nil
}

// MarkSeen removes the UNREAD label
func (m *GmailMailbox) MarkSeen(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	if _, err := m.service.Users.Messages.Modify(gmailUser, id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to mark message %s as read: %w", id, err)
	}
	return nil
}

// Send submits a raw message, retrying with backoff on quota errors
func (m *GmailMailbox) Send(ctx context.Context, raw []byte) (string, error) {
	message := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		sent, err := m.service.Users.Messages.Send(gmailUser, message).Context(ctx).Do()
		if err == nil {
			return sent.Id, nil
		}
		lastErr = err
		logrus.Warnf("Failed to send through Gmail (attempt %d/3): %v", attempt, err)

		if !strings.Contains(err.Error(), "quota") && !strings.Contains(err.Error(), "rate") {
			break
		}
		wait := time.Duration(attempt*attempt) * time.Second
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("failed to send through Gmail: %w", lastErr)
}

// Profile returns the address the token belongs to
func (m *GmailMailbox) Profile(ctx context.Context) (string, error) {
	profile, err := m.service.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to test Gmail API connection: %w", err)
	}
	return profile.EmailAddress, nil
}

// Close is a no-op for the Gmail API
func (m *GmailMailbox) Close() error {
	return nil
}
