package sender

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"renewal-mail-engine/internal/transport"
)

// Transmitter puts a rendered message on the wire and returns the
// provider's message id, if it reports one.
type Transmitter interface {
	Transmit(ctx context.Context, route *Route, env transport.Envelope) (string, error)
	Check(ctx context.Context, route *Route) error
}

// NetworkTransmitter sends over SMTP, or through the Gmail API for OAuth
// accounts.
type NetworkTransmitter struct {
	smtp  *transport.SMTPClient
	gmail *oauth2.Config
	opts  transport.Options
}

func NewNetworkTransmitter(smtp *transport.SMTPClient, gmailOAuth *oauth2.Config, opts transport.Options) *NetworkTransmitter {
	return &NetworkTransmitter{smtp: smtp, gmail: gmailOAuth, opts: opts}
}

func (t *NetworkTransmitter) Transmit(ctx context.Context, route *Route, env transport.Envelope) (string, error) {
	if route.GmailRefreshToken != "" {
		mailbox, err := t.gmailMailbox(ctx, route)
		if err != nil {
			return "", err
		}
		return mailbox.Send(ctx, env.Data)
	}
	return "", t.smtp.Send(ctx, route.Endpoint, env)
}

func (t *NetworkTransmitter) Check(ctx context.Context, route *Route) error {
	if route.GmailRefreshToken != "" {
		mailbox, err := t.gmailMailbox(ctx, route)
		if err != nil {
			return err
		}
		_, err = mailbox.Profile(ctx)
		return err
	}
	return t.smtp.Check(ctx, route.Endpoint)
}

func (t *NetworkTransmitter) gmailMailbox(ctx context.Context, route *Route) (*transport.GmailMailbox, error) {
	if t.gmail == nil {
		return nil, errors.New("gmail OAuth client is not configured")
	}
	return transport.NewGmailMailbox(ctx, t.gmail, route.GmailRefreshToken, t.opts)
}
