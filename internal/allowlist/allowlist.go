package allowlist

import (
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// Checker decides whether a sender's domain may be answered
type Checker struct {
	domains map[string]struct{}
	logger  *zap.Logger
}

// NewChecker creates a new allowlist checker. An empty domain list allows every sender.
// Entries are matched case-insensitively against the full domain and its parents,
// so "example.com" also admits "support.example.com".
func NewChecker(domains []string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}

	normalized := make(map[string]struct{}, len(domains))
	list := make([]string, 0, len(domains))
	for _, domain := range domains {
		d := strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
		d = strings.TrimPrefix(d, "@")
		if d == "" {
			continue
		}
		if _, dup := normalized[d]; !dup {
			normalized[d] = struct{}{}
			list = append(list, d)
		}
	}

	if len(list) > 0 {
		logger.Info("Initialized sender allowlist", zap.Strings("domains", list))
	} else {
		logger.Info("Sender allowlist is empty, all domains allowed")
	}

	return &Checker{
		domains: normalized,
		logger:  logger,
	}
}

// Enabled reports whether any domain restriction is configured
func (c *Checker) Enabled() bool {
	return len(c.domains) > 0
}

// IsAllowed checks the sender address against the allowlist
func (c *Checker) IsAllowed(from string) bool {
	if len(c.domains) == 0 {
		return true
	}

	domain := Domain(from)
	if domain == "" {
		c.logger.Debug("Sender address has no domain", zap.String("sender", from))
		return false
	}

	for d := domain; d != ""; {
		if _, ok := c.domains[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}

	c.logger.Debug("Sender domain not allowed",
		zap.String("domain", domain),
		zap.String("sender", from))
	return false
}

// Domain extracts the lowercase domain from an address, with or without a display name
func Domain(from string) string {
	addr := strings.TrimSpace(from)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}

	i := strings.LastIndexByte(addr, '@')
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[i+1:], "> "))
}
