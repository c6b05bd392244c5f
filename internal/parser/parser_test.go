package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const multipartMessage = `From: "Jane Customer" <Jane@Example.com>
To: support@agency.com, Renewals <renewals@agency.com>
Cc: manager@agency.com
Subject: =?UTF-8?B?UmU6IFJlZnVuZCDinJM=?=
Message-ID: <abc123@mail.example.com>
In-Reply-To: <orig@agency.com>
Date: Mon, 02 Jan 2006 15:04:05 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

I was charged twice, please refund.
--inner
Content-Type: text/html; charset=utf-8

<p>I was charged <b>twice</b>, please refund.</p>
--inner--
--outer
Content-Type: application/pdf; name="policy.pdf"
Content-Disposition: attachment; filename="policy.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`

func TestParseMultipart(t *testing.T) {
	email, err := Parse(crlf(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "abc123@mail.example.com", email.MessageID)
	assert.Equal(t, "orig@agency.com", email.InReplyTo)
	assert.Equal(t, "Re: Refund ✓", email.Subject)
	assert.Equal(t, "jane@example.com", email.From)
	assert.Equal(t, "Jane Customer", email.FromName)
	assert.Equal(t, []string{"support@agency.com", "renewals@agency.com"}, email.To)
	assert.Equal(t, []string{"manager@agency.com"}, email.CC)
	assert.Equal(t, "I was charged twice, please refund.", strings.TrimSpace(email.TextBody))
	assert.Contains(t, email.HTMLBody, "<b>twice</b>")
	assert.Equal(t, 2006, email.Date.Year())

	require.Len(t, email.Attachments, 1)
	assert.Equal(t, "policy.pdf", email.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", email.Attachments[0].ContentType)
	assert.Equal(t, "%PDF-1.4\n", string(email.Attachments[0].Content))
}

const htmlOnlyMessage = `From: agent@agency.com
To: client@example.com
Subject: Appointment
Content-Type: text/html; charset=utf-8

<html><body><style>p{color:red}</style><p>Your meeting is booked&nbsp;for Monday.</p><p>Thanks</p></body></html>
`

func TestParseHTMLOnlyFallsBackToText(t *testing.T) {
	email, err := Parse(crlf(htmlOnlyMessage))
	require.NoError(t, err)

	assert.Empty(t, email.MessageID)
	assert.Empty(t, email.TextBody)
	text := email.PlainText()
	assert.Contains(t, text, "Your meeting is booked")
	assert.Contains(t, text, "Thanks")
	assert.NotContains(t, text, "<p>")
	assert.NotContains(t, text, "color:red")
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "", HTMLToText(""))
	assert.Equal(t, "Hello\nWorld", HTMLToText("Hello<br>World"))
	assert.Equal(t, "Fish & Chips", HTMLToText("<div>Fish &amp; Chips</div>"))
}

func TestSplitAddresses(t *testing.T) {
	got := SplitAddresses(`"Doe, John" <JOHN@x.com>, jane@y.com, ,`)
	// a quoted comma in a display name splits the name, but the address survives
	assert.Contains(t, got, "john@x.com")
	assert.Contains(t, got, "jane@y.com")
}
