package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

const sendgridHost = "https://api.sendgrid.com"

// SendGridSender delivers replies through the SendGrid v3 mail API
type SendGridSender struct {
	apiKey      string
	host        string
	displayName string
	logger      *zap.Logger
}

// NewSendGridSender creates a new SendGrid sender. An empty host uses the public API.
func NewSendGridSender(apiKey, host, displayName string, logger *zap.Logger) *SendGridSender {
	if host == "" {
		host = sendgridHost
	}
	return &SendGridSender{
		apiKey:      apiKey,
		host:        host,
		displayName: displayName,
		logger:      logger,
	}
}

// Send delivers one reply. 4xx responses other than 429 are permanent.
func (s *SendGridSender) Send(ctx context.Context, reply *core.Reply) error {
	from := mail.NewEmail(s.displayName, reply.From)
	to := mail.NewEmail("", reply.To)
	message := mail.NewSingleEmail(from, reply.Subject, to, reply.Body, TextToHTML(reply.Body))
	if reply.InReplyTo != "" {
		message.SetHeader("In-Reply-To", reply.InReplyTo)
	}
	if len(reply.References) > 0 {
		message.SetHeader("References", strings.Join(reply.References, " "))
	}
	message.SetHeader("Auto-Submitted", "auto-replied")

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = rest.Post
	request.Body = mail.GetRequestBody(message)

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to call SendGrid: %w", err)
	}

	if response.StatusCode >= 300 {
		err := fmt.Errorf("SendGrid returned status %d: %s", response.StatusCode, response.Body)
		if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
		return err
	}

	s.logger.Info("Reply sent via SendGrid",
		zap.String("to", reply.To),
		zap.String("in_reply_to", reply.InReplyTo),
		zap.Int("status_code", response.StatusCode))
	return nil
}
