package mailbox

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/mikey/llm-mail-responder/internal/core"
)

// ComposeReply renders a reply as a multipart/alternative message with
// threading headers. It returns the message and its generated Message-ID.
func ComposeReply(reply *core.Reply, displayName string, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: displayName, Address: reply.From}})
	h.SetAddressList("To", []*mail.Address{{Address: reply.To}})
	h.SetSubject(reply.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	if reply.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{bareMsgID(reply.InReplyTo)})
	}
	if len(reply.References) > 0 {
		refs := make([]string, 0, len(reply.References))
		for _, r := range reply.References {
			refs = append(refs, bareMsgID(r))
		}
		h.SetMsgIDList("References", refs)
	}
	h.Set("Auto-Submitted", "auto-replied")

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create inline part: %w", err)
	}

	if err := writePart(iw, "text/plain", reply.Body); err != nil {
		return nil, "", err
	}
	if err := writePart(iw, "text/html", TextToHTML(reply.Body)); err != nil {
		return nil, "", err
	}
	if err := iw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close message: %w", err)
	}

	id, _ := h.MessageID()
	return buf.Bytes(), "<" + id + ">", nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}

// TextToHTML wraps plain text paragraphs in escaped HTML
func TextToHTML(text string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

func bareMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
