package factory

import (
	"context"
	"fmt"

	"github.com/mikey/llm-mail-responder/internal/adapters/mailbox"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"go.uber.org/zap"
)

// MailboxFactory creates the mailbox gateway based on configuration
type MailboxFactory struct {
	cfg    *config.Config
	logger *zap.Logger

	gmail *mailbox.GmailGateway
}

// NewMailboxFactory creates a new mailbox factory
func NewMailboxFactory(cfg *config.Config, logger *zap.Logger) *MailboxFactory {
	return &MailboxFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateGateway joins the configured inbound and outbound adapters and
// applies the mailbox call policy
func (f *MailboxFactory) CreateGateway() (*resilience.Gateway, error) {
	mb := f.cfg.GetMailbox()

	inbound, err := f.createInbound(mb)
	if err != nil {
		return nil, err
	}
	outbound, err := f.createOutbound(mb)
	if err != nil {
		return nil, err
	}

	calls, err := f.cfg.GetCalls()
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox call configuration: %w", err)
	}
	backoff := resilience.BackoffConfig{
		InitialInterval: calls.InitialBackoff,
		MaxInterval:     calls.MaxBackoff,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      calls.MaxRetries,
	}
	fetch := resilience.NewPolicy("mailbox_fetch", calls.Timeout, backoff, f.logger)
	send := resilience.NewPolicy("mailbox_send", calls.Timeout, backoff, f.logger)

	f.logger.Info("Created mailbox gateway",
		zap.String("inbound", mb.Inbound),
		zap.String("outbound", mb.Outbound),
		zap.String("address", mb.Address))
	return resilience.NewGateway(mailbox.NewGateway(inbound, outbound, f.logger), fetch, send), nil
}

func (f *MailboxFactory) createInbound(mb config.MailboxConfig) (mailbox.Inbound, error) {
	switch mb.Inbound {
	case "imap":
		return mailbox.NewIMAPReader(f.cfg.GetIMAP(), mb.DisplayName, f.logger), nil
	case "gmail":
		return f.gmailGateway(mb)
	default:
		return nil, fmt.Errorf("unsupported inbound mailbox: %s", mb.Inbound)
	}
}

func (f *MailboxFactory) createOutbound(mb config.MailboxConfig) (mailbox.Outbound, error) {
	switch mb.Outbound {
	case "smtp":
		return mailbox.NewSMTPSender(f.cfg.GetSMTP(), mb.DisplayName, f.logger), nil
	case "sendgrid":
		sg := f.cfg.GetSendGrid()
		if sg.APIKey == "" {
			return nil, fmt.Errorf("sendgrid API key is required")
		}
		return mailbox.NewSendGridSender(sg.APIKey, sg.Host, mb.DisplayName, f.logger), nil
	case "gmail":
		return f.gmailGateway(mb)
	default:
		return nil, fmt.Errorf("unsupported outbound mailbox: %s", mb.Outbound)
	}
}

// gmailGateway serves both directions from one authorised service
func (f *MailboxFactory) gmailGateway(mb config.MailboxConfig) (*mailbox.GmailGateway, error) {
	if f.gmail != nil {
		return f.gmail, nil
	}
	gc := f.cfg.GetGmail()
	srv, err := mailbox.NewGmailService(context.Background(), gc)
	if err != nil {
		return nil, err
	}
	f.gmail = mailbox.NewGmailGateway(srv, gc.User, gc.UnseenOnly, gc.MaxFetch, mb.DisplayName, f.logger)
	return f.gmail, nil
}
