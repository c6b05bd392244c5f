package transport

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewal-mail-engine/internal/parser"
)

func TestBuildMIMEParsesBack(t *testing.T) {
	out := &OutgoingMessage{
		MessageID:  "abc-123@broker.test",
		From:       "agent@broker.test",
		FromName:   "Policy Desk",
		To:         []string{"client@example.com"},
		CC:         []string{"manager@broker.test"},
		Subject:    "Re: Renewal ✓",
		HTMLBody:   "<p>Hello <b>Maria</b></p><p>See attached.</p>",
		InReplyTo:  "orig-1@example.com",
		References: []string{"orig-1@example.com"},
		Headers:    map[string]string{"X-SMTPAPI": `{"unique_args":{"tracking_id":"t-1"}}`},
		Attachments: []OutgoingAttachment{
			{Filename: "quote.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4\n")},
		},
		Date: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	raw, err := BuildMIME(out)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(string(raw)), "x-smtpapi:")

	parsed, err := parser.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "abc-123@broker.test", parsed.MessageID)
	assert.Equal(t, "orig-1@example.com", parsed.InReplyTo)
	assert.Equal(t, []string{"orig-1@example.com"}, parsed.References)
	assert.Equal(t, "agent@broker.test", parsed.From)
	assert.Equal(t, "Policy Desk", parsed.FromName)
	assert.Equal(t, []string{"client@example.com"}, parsed.To)
	assert.Equal(t, []string{"manager@broker.test"}, parsed.CC)
	assert.Equal(t, "Re: Renewal ✓", parsed.Subject)
	assert.Contains(t, parsed.TextBody, "Hello Maria")
	assert.Contains(t, parsed.HTMLBody, "<b>Maria</b>")

	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "quote.pdf", parsed.Attachments[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4\n"), parsed.Attachments[0].Content)
}

func TestBuildMIMEKeepsGivenText(t *testing.T) {
	raw, err := BuildMIME(&OutgoingMessage{
		From:     "agent@broker.test",
		To:       []string{"client@example.com"},
		Subject:  "Plain",
		TextBody: "Only text here.",
	})
	require.NoError(t, err)

	parsed, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Only text here.", strings.TrimSpace(parsed.TextBody))
	assert.Empty(t, parsed.HTMLBody)
	assert.Empty(t, parsed.Attachments)
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("Agent@Broker.Test")
	assert.True(t, strings.HasSuffix(id, "@broker.test"))
	assert.NotContains(t, id, "<")
	assert.NotEqual(t, id, NewMessageID("agent@broker.test"))

	assert.True(t, strings.HasSuffix(NewMessageID("no-domain"), "@localhost"))
}
