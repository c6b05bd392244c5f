package sender

import (
	"fmt"
	"strings"

	"renewal-mail-engine/internal/config"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/transport"
)

// Provider is an SMTP relay with plaintext credentials
type Provider struct {
	Name      string
	Type      string
	Endpoint  transport.SMTPEndpoint
	FromEmail string
	FromName  string
}

// IsSendGrid reports whether the relay understands the X-SMTPAPI header
func (p *Provider) IsSendGrid() bool {
	return p != nil && strings.EqualFold(p.Type, "sendgrid")
}

// ProviderFromConfig returns the inline default provider, or nil when no
// host is configured.
func ProviderFromConfig(cfg config.ProviderConfig) *Provider {
	if cfg.Host == "" {
		return nil
	}
	return &Provider{
		Name: cfg.Name,
		Type: cfg.Type,
		Endpoint: transport.SMTPEndpoint{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			UseTLS:   cfg.UseTLS,
		},
		FromEmail: cfg.FromEmail,
		FromName:  cfg.FromName,
	}
}

// ProviderFromModel opens a stored provider's sealed password
func ProviderFromModel(p *model.EmailProvider, vault transport.Decrypter) (*Provider, error) {
	password := ""
	if p.SMTPPassword != "" {
		var err error
		password, err = vault.Decrypt(p.SMTPPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt password of provider %s: %w", p.Name, err)
		}
	}
	return &Provider{
		Name: p.Name,
		Type: p.ProviderType,
		Endpoint: transport.SMTPEndpoint{
			Host:     p.SMTPHost,
			Port:     p.SMTPPort,
			Username: p.SMTPUsername,
			Password: password,
			UseTLS:   p.UseTLS,
		},
		FromEmail: p.FromEmail,
		FromName:  p.FromName,
	}, nil
}

// Route is the resolved sending identity and transport for one message
type Route struct {
	Method   string
	Account  *model.MailAccount
	Provider *Provider
	Endpoint transport.SMTPEndpoint
	From     string
	FromName string
	// GmailRefreshToken is set for OAuth accounts sending directly
	GmailRefreshToken string
}

// resolveRoute picks the transport for account, or the system default
// provider when account is nil.
func (s *Sender) resolveRoute(account *model.MailAccount) (*Route, error) {
	if account == nil {
		if s.defaultProvider == nil {
			return nil, fmt.Errorf("%w: no sending account and no system default provider", ErrNoSendingMethod)
		}
		from := s.fallbackFrom
		if from == "" {
			from = s.defaultProvider.FromEmail
		}
		if from == "" {
			return nil, fmt.Errorf("%w: no fallback sender address configured", ErrNoSenderAccount)
		}
		return &Route{
			Method:   model.SendingMethodSystemDefault,
			Provider: s.defaultProvider,
			Endpoint: s.defaultProvider.Endpoint,
			From:     from,
			FromName: s.defaultProvider.FromName,
		}, nil
	}

	route := &Route{
		Method:   account.SendingMethod,
		Account:  account,
		From:     account.EmailAddress,
		FromName: account.AccountName,
	}

	switch account.SendingMethod {
	case model.SendingMethodDirectSMTP, "":
		route.Method = model.SendingMethodDirectSMTP
		secret, err := s.vault.Decrypt(account.AccessCredential)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential for %s: %w", account.EmailAddress, err)
		}
		if account.AuthType == model.AuthTypeOAuth2 {
			route.GmailRefreshToken = secret
			return route, nil
		}
		if account.SMTPServer == "" || account.SMTPPort == 0 {
			return nil, fmt.Errorf("%w: account %s has no SMTP server", ErrNoSendingMethod, account.EmailAddress)
		}
		route.Endpoint = transport.SMTPEndpoint{
			Host:     account.SMTPServer,
			Port:     account.SMTPPort,
			Username: account.EmailAddress,
			Password: secret,
			UseTLS:   account.UseSSLTLS,
		}
	case model.SendingMethodSpecificProvider:
		if account.SpecificProviderID == nil {
			return nil, fmt.Errorf("%w: account %s has no provider selected", ErrNoSendingMethod, account.EmailAddress)
		}
		stored, err := s.repo.GetProvider(*account.SpecificProviderID)
		if err != nil {
			return nil, fmt.Errorf("%w: provider %d for %s: %v", ErrNoSendingMethod, *account.SpecificProviderID, account.EmailAddress, err)
		}
		provider, err := ProviderFromModel(stored, s.vault)
		if err != nil {
			return nil, err
		}
		route.Provider = provider
		route.Endpoint = provider.Endpoint
	case model.SendingMethodSystemDefault:
		if s.defaultProvider == nil {
			return nil, fmt.Errorf("%w: account %s uses the system default provider but none is configured", ErrNoSendingMethod, account.EmailAddress)
		}
		route.Provider = s.defaultProvider
		route.Endpoint = s.defaultProvider.Endpoint
	default:
		return nil, fmt.Errorf("%w: unknown sending method %q", ErrNoSendingMethod, account.SendingMethod)
	}
	return route, nil
}
