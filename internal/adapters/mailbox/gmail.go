package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gmailInboxQuery = "in:inbox -in:draft -in:sent"

// GmailGateway reads, sends and drafts mail through the Gmail API
type GmailGateway struct {
	srv         *gmail.Service
	user        string
	unseenOnly  bool
	maxFetch    int
	displayName string
	logger      *zap.Logger
	now         func() time.Time
}

// NewGmailGateway creates a gateway from a ready Gmail service
func NewGmailGateway(srv *gmail.Service, user string, unseenOnly bool, maxFetch int, displayName string, logger *zap.Logger) *GmailGateway {
	if user == "" {
		user = "me"
	}
	return &GmailGateway{
		srv:         srv,
		user:        user,
		unseenOnly:  unseenOnly,
		maxFetch:    maxFetch,
		displayName: displayName,
		logger:      logger,
		now:         time.Now,
	}
}

// NewGmailService builds an authorised Gmail service from the OAuth client
// secret and a previously saved token
func NewGmailService(ctx context.Context, cfg config.GmailConfig) (*gmail.Service, error) {
	oauthConfig, err := gmailOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read Gmail token %s (run the gmail-auth command first): %w", cfg.TokenFile, err)
	}
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(oauthConfig.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// AuthorizeGmail runs the interactive OAuth consent flow and saves the token
func AuthorizeGmail(ctx context.Context, cfg config.GmailConfig, in io.Reader, out io.Writer) error {
	oauthConfig, err := gmailOAuthConfig(cfg)
	if err != nil {
		return err
	}

	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser then type the authorization code:\n%v\n", authURL)

	var authCode string
	if _, err := fmt.Fscan(in, &authCode); err != nil {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := oauthConfig.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	if err := saveToken(cfg.TokenFile, tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved credential file to: %s\n", cfg.TokenFile)
	return nil
}

func gmailOAuthConfig(cfg config.GmailConfig) (*oauth2.Config, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	oauthConfig, err := google.ConfigFromJSON(b, gmail.GmailModifyScope, gmail.GmailComposeScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	return oauthConfig, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to save oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// FetchNew lists inbox messages after since and downloads them in raw form
func (g *GmailGateway) FetchNew(ctx context.Context, since time.Time) ([]*core.InboundMessage, error) {
	query := gmailInboxQuery
	if g.unseenOnly {
		query += " is:unread"
	}
	if !since.IsZero() {
		// after: is exclusive and second-granular; the exact cut happens below
		query += fmt.Sprintf(" after:%d", since.Unix()-1)
	}

	var refs []*gmail.Message
	err := g.srv.Users.Messages.List(g.user).Q(query).Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		refs = append(refs, page.Messages...)
		return nil
	})
	if err != nil {
		return nil, classifyGoogleError("unable to list Gmail messages", err)
	}

	// the API lists newest first; the oldest are kept so the checkpoint
	// never moves past a message that was left for the next poll
	if g.maxFetch > 0 && len(refs) > g.maxFetch {
		g.logger.Info("Limiting Gmail fetch",
			zap.Int("matched", len(refs)),
			zap.Int("max_fetch", g.maxFetch))
		refs = refs[len(refs)-g.maxFetch:]
	}

	out := make([]*core.InboundMessage, 0, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		id := refs[i].Id
		full, err := g.srv.Users.Messages.Get(g.user, id).Format("raw").Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = classifyGoogleError("unable to retrieve Gmail message "+id, err)
			if !resilience.IsPermanent(err) {
				return nil, err
			}
			// deleted or otherwise unreadable; retrying cannot help
			g.logger.Warn("Skipping unreadable Gmail message", zap.String("gmail_id", id), zap.Error(err))
			continue
		}
		raw, err := decodeRaw(full.Raw)
		if err != nil {
			g.logger.Warn("Unable to decode Gmail message", zap.String("gmail_id", id), zap.Error(err))
			continue
		}

		received := time.UnixMilli(full.InternalDate)
		msg, err := ParseMessage(raw, received, full.Id)
		if err != nil {
			g.logger.Warn("Failed to parse Gmail message", zap.String("gmail_id", id), zap.Error(err))
			continue
		}
		if !since.IsZero() && msg.ReceivedAt.Before(since) {
			continue
		}
		if full.ThreadId != "" {
			msg.ThreadID = full.ThreadId
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// Send delivers a reply in the original Gmail thread
func (g *GmailGateway) Send(ctx context.Context, reply *core.Reply) error {
	data, messageID, err := ComposeReply(reply, g.displayName, g.now())
	if err != nil {
		return resilience.Permanent(err)
	}

	_, err = g.srv.Users.Messages.Send(g.user, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(data),
		ThreadId: reply.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError("unable to send Gmail message", err)
	}

	g.logger.Info("Reply sent via Gmail",
		zap.String("to", reply.To),
		zap.String("message_id", messageID),
		zap.String("thread_id", reply.ThreadID))
	return nil
}

// MarkProcessed removes the UNREAD label
func (g *GmailGateway) MarkProcessed(ctx context.Context, msg *core.InboundMessage) error {
	if msg.SourceRef == "" {
		return resilience.Permanent(errors.New("gmail message has no id"))
	}
	_, err := g.srv.Users.Messages.Modify(g.user, msg.SourceRef, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError("unable to mark Gmail message read", err)
	}
	return nil
}

// SaveDraft creates a Gmail draft in the original thread
func (g *GmailGateway) SaveDraft(ctx context.Context, reply *core.Reply) error {
	data, messageID, err := ComposeReply(reply, g.displayName, g.now())
	if err != nil {
		return resilience.Permanent(err)
	}

	draft, err := g.srv.Users.Drafts.Create(g.user, &gmail.Draft{
		Message: &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(data),
			ThreadId: reply.ThreadID,
		},
	}).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError("unable to create Gmail draft", err)
	}

	g.logger.Info("Reply saved as Gmail draft",
		zap.String("draft_id", draft.Id),
		zap.String("message_id", messageID))
	return nil
}

// Ping reads the mailbox profile
func (g *GmailGateway) Ping(ctx context.Context) error {
	if _, err := g.srv.Users.GetProfile(g.user).Context(ctx).Do(); err != nil {
		return classifyGoogleError("unable to reach Gmail", err)
	}
	return nil
}

func decodeRaw(raw string) ([]byte, error) {
	raw = strings.TrimRight(raw, "=")
	return base64.RawURLEncoding.DecodeString(raw)
}

// classifyGoogleError marks client errors other than rate limiting as permanent
func classifyGoogleError(msg string, err error) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 &&
		apiErr.Code != http.StatusTooManyRequests && apiErr.Code != http.StatusRequestTimeout {
		return resilience.Permanent(wrapped)
	}
	return wrapped
}
