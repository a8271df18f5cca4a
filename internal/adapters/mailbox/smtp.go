package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"go.uber.org/zap"
)

const smtpDialTimeout = 10 * time.Second

// SMTPSender delivers replies through an SMTP submission server
type SMTPSender struct {
	cfg         config.SMTPConfig
	displayName string
	logger      *zap.Logger
	now         func() time.Time
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(cfg config.SMTPConfig, displayName string, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:         cfg,
		displayName: displayName,
		logger:      logger,
		now:         time.Now,
	}
}

// Send delivers one reply. Permanent SMTP rejections are marked so they are not retried.
func (s *SMTPSender) Send(ctx context.Context, reply *core.Reply) error {
	data, messageID, err := ComposeReply(reply, s.displayName, s.now())
	if err != nil {
		return resilience.Permanent(err)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Mail(reply.From, nil); err != nil {
		return classifySMTPError("MAIL FROM failed", err)
	}
	if err := c.Rcpt(reply.To, nil); err != nil {
		return classifySMTPError("RCPT TO failed", err)
	}

	wc, err := c.Data()
	if err != nil {
		return classifySMTPError("DATA command failed", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send email data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return classifySMTPError("failed to close data writer", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Warn("Failed to quit SMTP session cleanly", zap.Error(err))
	}

	s.logger.Info("Reply sent via SMTP",
		zap.String("to", reply.To),
		zap.String("message_id", messageID),
		zap.String("in_reply_to", reply.InReplyTo))
	return nil
}

// Ping connects and authenticates without sending anything
func (s *SMTPSender) Ping(ctx context.Context) error {
	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Quit()
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := s.cfg.Addr()
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set connection deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}

	var c *smtp.Client
	switch s.cfg.Security() {
	case "tls":
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
		err = c.Hello(hostname())
	case "starttls":
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
	case "none":
		c = smtp.NewClient(conn)
		err = c.Hello(hostname())
	default:
		conn.Close()
		return nil, resilience.Permanent(fmt.Errorf("unsupported SMTP security mode: %s", s.cfg.Security()))
	}
	if err != nil {
		if c != nil {
			c.Close()
		} else {
			conn.Close()
		}
		return nil, fmt.Errorf("SMTP handshake with %s failed: %w", addr, err)
	}

	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			c.Close()
			return nil, classifySMTPError("SMTP authentication failed", err)
		}
	}
	return c, nil
}

// classifySMTPError marks 5xx replies as permanent
func classifySMTPError(msg string, err error) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && !smtpErr.Temporary() && smtpErr.Code >= 500 {
		return resilience.Permanent(wrapped)
	}
	return wrapped
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}
