package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPEndpoint is an authenticated submission server
type SMTPEndpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// Envelope is one SMTP transaction
type Envelope struct {
	From       string
	Recipients []string
	Data       []byte
}

// SMTPClient submits messages over SMTP. Port 465 with TLS uses implicit
// TLS, any other port with TLS upgrades through STARTTLS.
type SMTPClient struct {
	opts Options
}

func NewSMTPClient(opts Options) *SMTPClient {
	return &SMTPClient{opts: opts.withDefaults()}
}

// Send delivers the envelope
func (s *SMTPClient) Send(ctx context.Context, ep SMTPEndpoint, env Envelope) error {
	if len(env.Recipients) == 0 {
		return errors.New("no recipients")
	}

	c, err := s.open(ctx, ep)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(env.From); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range env.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(env.Data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

// Check connects and authenticates without sending
func (s *SMTPClient) Check(ctx context.Context, ep SMTPEndpoint) error {
	c, err := s.open(ctx, ep)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Quit()
}

func (s *SMTPClient) open(ctx context.Context, ep SMTPEndpoint) (*smtp.Client, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := &net.Dialer{Timeout: s.opts.ConnectTimeout}
	tlsConfig := &tls.Config{ServerName: ep.Host}
	implicit := ep.UseTLS && ep.Port == 465

	var (
		conn net.Conn
		err  error
	)
	if implicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}

	deadline := time.Now().Add(s.opts.OperationTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, ep.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start SMTP session: %w", err)
	}

	if ep.UseTLS && !implicit {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, fmt.Errorf("SMTP server %s does not support STARTTLS", addr)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if ep.Username != "" {
		if err := c.Auth(authFor(c, ep)); err != nil {
			c.Close()
			return nil, fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	return c, nil
}

func authFor(c *smtp.Client, ep SMTPEndpoint) smtp.Auth {
	if ok, mechs := c.Extension("AUTH"); ok && strings.Contains(strings.ToUpper(mechs), "LOGIN") {
		return &loginAuth{username: ep.Username, password: ep.Password}
	}
	return smtp.PlainAuth("", ep.Username, ep.Password, ep.Host)
}

// loginAuth implements AUTH LOGIN, which net/smtp lacks
type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
	}
}
