package mailbox

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captured struct {
	from string
	to   []string
	data []byte
}

// captureBackend records delivered messages and can reject recipients
type captureBackend struct {
	mu         sync.Mutex
	messages   []captured
	rcptReject *smtp.SMTPError
}

func (b *captureBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

type captureSession struct {
	backend *captureBackend
	cur     captured
}

func (s *captureSession) Reset() { s.cur = captured{} }

func (s *captureSession) Logout() error { return nil }

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.rcptReject != nil {
		return s.backend.rcptReject
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = data
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.cur)
	s.backend.mu.Unlock()
	return nil
}

func startSMTPServer(t *testing.T, backend *captureBackend) config.SMTPConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := smtp.NewServer(backend)
	server.Domain = "localhost"
	server.ReadTimeout = 5 * time.Second
	server.WriteTimeout = 5 * time.Second
	server.AllowInsecureAuth = true
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.SMTPConfig{Host: host, Port: p, TLS: "none"}
}

func testReply() *core.Reply {
	return &core.Reply{
		From:       "support@shop.example",
		To:         "customer@example.com",
		Subject:    "Re: Where is my order?",
		Body:       "Your order shipped today.",
		InReplyTo:  "<q1@example.com>",
		References: []string{"<root@example.com>", "<q1@example.com>"},
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	backend := &captureBackend{}
	cfg := startSMTPServer(t, backend)
	sender := NewSMTPSender(cfg, "Shop Support", zap.NewNop())

	require.NoError(t, sender.Send(context.Background(), testReply()))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.messages, 1)
	got := backend.messages[0]
	assert.Equal(t, "support@shop.example", got.from)
	assert.Equal(t, []string{"customer@example.com"}, got.to)

	parsed, err := ParseMessage(got.data, time.Time{}, "")
	require.NoError(t, err)
	assert.Equal(t, "Re: Where is my order?", parsed.Subject)
	assert.Equal(t, "<q1@example.com>", parsed.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<q1@example.com>"}, parsed.References)
	assert.Contains(t, parsed.Body, "Your order shipped today.")
}

func TestSMTPSenderClassifiesRejections(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		permanent bool
	}{
		{"mailbox unavailable", 550, true},
		{"greylisted", 451, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &captureBackend{rcptReject: &smtp.SMTPError{
				Code:         tc.code,
				EnhancedCode: smtp.EnhancedCodeNotSet,
				Message:      "rejected",
			}}
			cfg := startSMTPServer(t, backend)
			sender := NewSMTPSender(cfg, "", zap.NewNop())

			err := sender.Send(context.Background(), testReply())
			require.Error(t, err)
			assert.Equal(t, tc.permanent, resilience.IsPermanent(err))
		})
	}
}

func TestSMTPSenderPing(t *testing.T) {
	cfg := startSMTPServer(t, &captureBackend{})
	assert.NoError(t, NewSMTPSender(cfg, "", zap.NewNop()).Ping(context.Background()))
}

func TestSMTPSenderUnreachable(t *testing.T) {
	sender := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: 1, TLS: "none"}, "", zap.NewNop())
	err := sender.Send(context.Background(), testReply())
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err))
}
