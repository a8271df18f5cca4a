package mailbox

import (
	"strings"
	"testing"
	"time"

	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMessage(headers map[string]string, contentType, body string) []byte {
	var b strings.Builder
	for _, k := range []string{"From", "To", "Subject", "Date", "Message-ID", "In-Reply-To", "References"} {
		if v, ok := headers[k]; ok {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func TestParsePlainMessage(t *testing.T) {
	raw := rawMessage(map[string]string{
		"From":       `"Jane Doe" <Jane@Example.com>`,
		"To":         "support@shop.example",
		"Subject":    "Where is my order?",
		"Date":       "Mon, 02 Jan 2006 15:04:05 +0000",
		"Message-ID": "<q1@example.com>",
	}, "text/plain; charset=utf-8", "Hello,\r\nI ordered last week.\r\n")

	msg, err := ParseMessage(raw, time.Time{}, "INBOX:7")
	require.NoError(t, err)
	assert.Equal(t, "<q1@example.com>", msg.ID)
	assert.Equal(t, "jane@example.com", msg.From)
	assert.Equal(t, "Jane Doe", msg.FromName)
	assert.Equal(t, []string{"support@shop.example"}, msg.To)
	assert.Equal(t, "Where is my order?", msg.Subject)
	assert.Contains(t, msg.Body, "I ordered last week.")
	assert.Equal(t, "INBOX:7", msg.SourceRef)
	assert.Equal(t, "<q1@example.com>", msg.ThreadID)
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), msg.ReceivedAt)
}

func TestParseHTMLOnlyMessage(t *testing.T) {
	raw := rawMessage(map[string]string{
		"From":       "a@example.com",
		"Subject":    "Hi",
		"Message-ID": "<h1@example.com>",
	}, "text/html; charset=utf-8", "<html><body><p>Do you ship to <b>Norway</b>?</p></body></html>")

	msg, err := ParseMessage(raw, time.Unix(1700000000, 0), "")
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "Do you ship to Norway?")
	assert.NotContains(t, msg.Body, "<p>")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.ReceivedAt)
}

func TestParseThreading(t *testing.T) {
	raw := rawMessage(map[string]string{
		"From":        "a@example.com",
		"Subject":     "Re: Hi",
		"Message-ID":  "<r2@example.com>",
		"In-Reply-To": "<r1@example.com>",
		"References":  "<r0@example.com> <r1@example.com>",
	}, "text/plain", "thanks")

	msg, err := ParseMessage(raw, time.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, "<r1@example.com>", msg.InReplyTo)
	assert.Equal(t, []string{"<r0@example.com>", "<r1@example.com>"}, msg.References)
	assert.Equal(t, "<r0@example.com>", msg.ThreadID)

	msg.References = nil
	assert.Equal(t, "<r1@example.com>", threadID(msg))
}

func TestParseMissingMessageIDIsStable(t *testing.T) {
	raw := rawMessage(map[string]string{"From": "a@example.com", "Subject": "x"}, "text/plain", "body")

	first, err := ParseMessage(raw, time.Now(), "")
	require.NoError(t, err)
	second, err := ParseMessage(raw, time.Now(), "")
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, strings.HasSuffix(first.ID, "@no-message-id>"))
}

func TestComposeReplyHeaders(t *testing.T) {
	reply := &core.Reply{
		From:       "support@shop.example",
		To:         "jane@example.com",
		Subject:    "Re: Where is my order?",
		Body:       "Hello Jane,\n\nIt shipped <today>.\nRegards",
		InReplyTo:  "<q1@example.com>",
		References: []string{"<q1@example.com>"},
	}

	data, id, err := ComposeReply(reply, "Shop Support", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">"))

	text := string(data)
	assert.Contains(t, text, "multipart/alternative")
	assert.Contains(t, text, "Auto-Submitted: auto-replied")

	parsed, err := ParseMessage(data, time.Time{}, "")
	require.NoError(t, err)
	assert.Equal(t, id, parsed.ID)
	assert.Equal(t, "Re: Where is my order?", parsed.Subject)
	assert.Equal(t, "support@shop.example", parsed.From)
	assert.Equal(t, "Shop Support", parsed.FromName)
	assert.Equal(t, "<q1@example.com>", parsed.InReplyTo)
	assert.Contains(t, parsed.Body, "It shipped <today>.")
}

func TestTextToHTML(t *testing.T) {
	got := TextToHTML("Hi <there>\nline two\n\n\nBye")
	assert.Equal(t, "<html><body><p>Hi &lt;there&gt;<br>line two</p><p>Bye</p></body></html>", got)
}
