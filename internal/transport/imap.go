package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// IMAPEndpoint is everything needed to open an IMAP session
type IMAPEndpoint struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
	Folder   string
}

// IMAPMailbox is a logged-in IMAP session with the folder selected
type IMAPMailbox struct {
	client *client.Client
	stop   func() bool
}

// DialIMAP connects, authenticates and selects the folder. The session is
// terminated if ctx is cancelled while it is open.
func DialIMAP(ctx context.Context, ep IMAPEndpoint, opts Options) (*IMAPMailbox, error) {
	opts = opts.withDefaults()
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	var (
		c   *client.Client
		err error
	)
	if ep.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: ep.Host})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}
	c.Timeout = opts.OperationTimeout

	if !ep.UseTLS {
		if ok, _ := c.SupportStartTLS(); ok {
			if err := c.StartTLS(&tls.Config{ServerName: ep.Host}); err != nil {
				c.Logout()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if err := c.Login(ep.Username, ep.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	folder := ep.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.Select(folder, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}

	m := &IMAPMailbox{client: c}
	m.stop = context.AfterFunc(ctx, func() {
		logrus.Warnf("IMAP session for %s abandoned: %v", ep.Username, ctx.Err())
		c.Terminate()
	})
	return m, nil
}

// UnseenIDs runs UID SEARCH UNSEEN
func (m *IMAPMailbox) UnseenIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// FetchRaw fetches BODY.PEEK[] so the server does not set \Seen
func (m *IMAPMailbox) FetchRaw(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqset, err := uidSet(id)
	if err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqset, items, messages)
	}()

	raw, readErr := collectBody(messages, section)
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
	}
	if readErr != nil {
		return nil, readErr
	}
	if raw == nil {
		return nil, fmt.Errorf("message %s has no body", id)
	}
	return raw, nil
}

// collectBody reads the section of the last message carrying it. The
// channel is always drained so the fetch can finish.
func collectBody(messages <-chan *imap.Message, section *imap.BodySectionName) ([]byte, error) {
	var raw []byte
	var readErr error
	for msg := range messages {
		if readErr != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		buf, err := io.ReadAll(body)
		if err != nil {
			readErr = fmt.Errorf("failed to read message body: %w", err)
			continue
		}
		raw = buf
	}
	return raw, readErr
}

// MarkSeen runs UID STORE +FLAGS.SILENT (\Seen)
func (m *IMAPMailbox) MarkSeen(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset, err := uidSet(id)
	if err != nil {
		return err
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message %s as seen: %w", id, err)
	}
	return nil
}

func (m *IMAPMailbox) Close() error {
	if m.stop != nil {
		m.stop()
	}
	return m.client.Logout()
}

func uidSet(id string) (*imap.SeqSet, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP uid %q: %w", id, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	return seqset, nil
}
