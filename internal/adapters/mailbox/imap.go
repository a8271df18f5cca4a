package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"go.uber.org/zap"
)

// IMAPReader fetches support mail over IMAP. Each operation uses its own
// connection; the poll interval is long enough that pooling buys nothing.
type IMAPReader struct {
	cfg         config.IMAPConfig
	displayName string
	logger      *zap.Logger
	now         func() time.Time
}

// NewIMAPReader creates a new IMAP reader
func NewIMAPReader(cfg config.IMAPConfig, displayName string, logger *zap.Logger) *IMAPReader {
	return &IMAPReader{
		cfg:         cfg,
		displayName: displayName,
		logger:      logger,
		now:         time.Now,
	}
}

// FetchNew returns messages received at or after since, oldest first
func (r *IMAPReader) FetchNew(ctx context.Context, since time.Time) ([]*core.InboundMessage, error) {
	var out []*core.InboundMessage
	err := r.withSession(ctx, func(c *imapclient.Client) error {
		if _, err := c.Select(r.cfg.Mailbox, nil).Wait(); err != nil {
			return fmt.Errorf("failed to select %s: %w", r.cfg.Mailbox, err)
		}

		criteria := &imap.SearchCriteria{}
		if !since.IsZero() {
			// SINCE compares dates in the server's zone; a day of slack
			// covers the offset and selectUIDs makes the exact cut
			criteria.Since = since.UTC().AddDate(0, 0, -1)
		}
		if r.cfg.UnseenOnly {
			criteria.NotFlag = []imap.Flag{imap.FlagSeen}
		}

		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("IMAP search failed: %w", err)
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}

		uids, err = r.selectUIDs(c, uids, since)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}

		section := &imap.FetchItemBodySection{Peek: true}
		msgs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID:          true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("IMAP fetch failed: %w", err)
		}

		for _, m := range msgs {
			raw := m.FindBodySection(section)
			if raw == nil {
				r.logger.Warn("IMAP message has no body", zap.Uint32("uid", uint32(m.UID)))
				continue
			}
			msg, err := ParseMessage(raw, m.InternalDate, r.sourceRef(m.UID))
			if err != nil {
				r.logger.Warn("Failed to parse IMAP message",
					zap.Uint32("uid", uint32(m.UID)),
					zap.Error(err))
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	r.logger.Debug("Fetched IMAP messages", zap.Int("count", len(out)), zap.Time("since", since))
	return out, nil
}

// selectUIDs keeps the oldest MaxFetch messages received at or after since.
// SINCE has day granularity, so dates are checked before the limit applies.
func (r *IMAPReader) selectUIDs(c *imapclient.Client, uids []imap.UID, since time.Time) ([]imap.UID, error) {
	dates, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("IMAP date fetch failed: %w", err)
	}

	eligible := make([]*imapclient.FetchMessageBuffer, 0, len(dates))
	for _, m := range dates {
		if !since.IsZero() && m.InternalDate.Before(since) {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].InternalDate.Equal(eligible[j].InternalDate) {
			return eligible[i].InternalDate.Before(eligible[j].InternalDate)
		}
		return eligible[i].UID < eligible[j].UID
	})
	if r.cfg.MaxFetch > 0 && len(eligible) > r.cfg.MaxFetch {
		r.logger.Info("Limiting IMAP fetch",
			zap.Int("matched", len(eligible)),
			zap.Int("max_fetch", r.cfg.MaxFetch))
		eligible = eligible[:r.cfg.MaxFetch]
	}

	out := make([]imap.UID, len(eligible))
	for i, m := range eligible {
		out[i] = m.UID
	}
	return out, nil
}

// MarkProcessed flags the message as seen
func (r *IMAPReader) MarkProcessed(ctx context.Context, msg *core.InboundMessage) error {
	mailbox, uid, err := parseSourceRef(msg.SourceRef)
	if err != nil {
		return resilience.Permanent(err)
	}

	return r.withSession(ctx, func(c *imapclient.Client) error {
		if _, err := c.Select(mailbox, nil).Wait(); err != nil {
			return fmt.Errorf("failed to select %s: %w", mailbox, err)
		}
		err := c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("failed to mark message %d as seen: %w", uid, err)
		}
		return nil
	})
}

// SaveDraft appends the reply to the drafts mailbox for a human to review
func (r *IMAPReader) SaveDraft(ctx context.Context, reply *core.Reply) error {
	data, messageID, err := ComposeReply(reply, r.displayName, r.now())
	if err != nil {
		return resilience.Permanent(err)
	}

	return r.withSession(ctx, func(c *imapclient.Client) error {
		cmd := c.Append(r.cfg.DraftsMailbox, int64(len(data)), &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagDraft, imap.FlagSeen},
			Time:  r.now(),
		})
		if _, err := cmd.Write(data); err != nil {
			cmd.Close()
			return fmt.Errorf("failed to write draft: %w", err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("failed to finish draft: %w", err)
		}
		if _, err := cmd.Wait(); err != nil {
			return fmt.Errorf("failed to append draft to %s: %w", r.cfg.DraftsMailbox, err)
		}
		r.logger.Info("Reply saved as draft",
			zap.String("mailbox", r.cfg.DraftsMailbox),
			zap.String("message_id", messageID),
			zap.String("in_reply_to", reply.InReplyTo))
		return nil
	})
}

// Ping logs in and selects the configured mailbox
func (r *IMAPReader) Ping(ctx context.Context) error {
	return r.withSession(ctx, func(c *imapclient.Client) error {
		_, err := c.Select(r.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
}

func (r *IMAPReader) withSession(ctx context.Context, fn func(c *imapclient.Client) error) error {
	c, err := r.dial()
	if err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Login(r.cfg.Username, r.cfg.Password).Wait(); err != nil {
		err = fmt.Errorf("IMAP login failed for %s: %w", r.cfg.Username, err)
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			// NO or BAD from the server
			return resilience.Permanent(err)
		}
		return err
	}

	if err := fn(c); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if err := c.Logout().Wait(); err != nil {
		r.logger.Debug("IMAP logout failed", zap.Error(err))
	}
	return nil
}

func (r *IMAPReader) dial() (*imapclient.Client, error) {
	addr := r.cfg.Addr()
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         r.cfg.Host,
			InsecureSkipVerify: r.cfg.InsecureSkipVerify,
		},
	}

	var (
		c   *imapclient.Client
		err error
	)
	switch r.cfg.TLS {
	case "tls", "":
		c, err = imapclient.DialTLS(addr, opts)
	case "starttls":
		c, err = imapclient.DialStartTLS(addr, opts)
	case "none":
		c, err = imapclient.DialInsecure(addr, opts)
	default:
		return nil, resilience.Permanent(fmt.Errorf("unsupported IMAP TLS mode: %s", r.cfg.TLS))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}
	return c, nil
}

func (r *IMAPReader) sourceRef(uid imap.UID) string {
	return fmt.Sprintf("%s:%d", r.cfg.Mailbox, uid)
}

func parseSourceRef(ref string) (string, imap.UID, error) {
	i := strings.LastIndexByte(ref, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid IMAP source reference %q", ref)
	}
	uid, err := strconv.ParseUint(ref[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("invalid IMAP uid in %q", ref)
	}
	return ref[:i], imap.UID(uid), nil
}
