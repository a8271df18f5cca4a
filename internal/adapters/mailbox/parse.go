package mailbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/k3a/html2text"
	"github.com/mikey/llm-mail-responder/internal/core"
)

var msgIDPattern = regexp.MustCompile(`<[^<>\s]+>`)

// ParseMessage turns a raw RFC 5322 message into an InboundMessage. HTML-only
// bodies are converted to text. receivedAt overrides the Date header when set.
func ParseMessage(raw []byte, receivedAt time.Time, sourceRef string) (*core.InboundMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &core.InboundMessage{
		Subject:   strings.TrimSpace(env.GetHeader("Subject")),
		SourceRef: sourceRef,
	}

	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	} else {
		msg.From = strings.TrimSpace(env.GetHeader("From"))
	}
	if to, err := env.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, addr.Address)
		}
	}

	msg.Body = env.Text
	if strings.TrimSpace(msg.Body) == "" && env.HTML != "" {
		msg.Body = html2text.HTML2Text(env.HTML)
	}

	msg.ID = firstMsgID(env.GetHeader("Message-ID"))
	if msg.ID == "" {
		// stable across polls so the message is still deduplicated
		sum := sha256.Sum256(raw)
		msg.ID = "<" + hex.EncodeToString(sum[:16]) + "@no-message-id>"
	}
	msg.InReplyTo = firstMsgID(env.GetHeader("In-Reply-To"))
	msg.References = msgIDPattern.FindAllString(env.GetHeader("References"), -1)
	msg.ThreadID = threadID(msg)

	msg.ReceivedAt = receivedAt
	if msg.ReceivedAt.IsZero() {
		if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
			msg.ReceivedAt = date
		} else {
			msg.ReceivedAt = time.Now()
		}
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	return msg, nil
}

// threadID is the conversation root: the first reference, then the parent, then the message itself
func threadID(msg *core.InboundMessage) string {
	if len(msg.References) > 0 {
		return msg.References[0]
	}
	if msg.InReplyTo != "" {
		return msg.InReplyTo
	}
	return msg.ID
}

func firstMsgID(header string) string {
	if id := msgIDPattern.FindString(header); id != "" {
		return id
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	return "<" + strings.Trim(header, "<>") + ">"
}
