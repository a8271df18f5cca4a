package config

import (
	"errors"
	"fmt"

	"github.com/adhocore/gronx"
)

// ValidateService checks everything the poll loop and the API need before starting
func (c *Config) ValidateService() error {
	return errors.Join(
		c.ValidateLLM(),
		c.ValidateMailbox(),
		c.ValidateStore(),
		c.validateWorkflow(),
		c.validatePoll(),
	)
}

// ValidateLLM checks the chat and embedding provider settings
func (c *Config) ValidateLLM() error {
	llm, err := c.GetLLM()
	if err != nil {
		return err
	}

	var errs []error
	for _, provider := range []string{llm.Provider, llm.EmbeddingProvider} {
		switch provider {
		case "openai":
			if c.GetOpenAI().APIKey == "" {
				errs = append(errs, errors.New("openai.api_key is required"))
			}
		case "gemini":
			if c.GetGemini().APIKey == "" {
				errs = append(errs, errors.New("gemini.api_key is required"))
			}
		case "bedrock":
			if c.GetBedrock().Region == "" {
				errs = append(errs, errors.New("bedrock.region is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported LLM provider: %q", provider))
		}
	}
	if llm.RateLimit < 0 {
		errs = append(errs, errors.New("llm.rate_limit must not be negative"))
	}
	return errors.Join(dedupe(errs)...)
}

// ValidateMailbox checks the selected inbound and outbound adapters
func (c *Config) ValidateMailbox() error {
	mb := c.GetMailbox()
	var errs []error

	if _, err := c.GetCalls(); err != nil {
		errs = append(errs, err)
	}

	switch mb.Inbound {
	case "imap":
		imap := c.GetIMAP()
		if imap.Host == "" {
			errs = append(errs, errors.New("imap.host is required"))
		}
		if imap.Username == "" || imap.Password == "" {
			errs = append(errs, errors.New("imap.username and imap.password are required"))
		}
		switch imap.TLS {
		case "tls", "starttls", "none":
		default:
			errs = append(errs, fmt.Errorf("unsupported imap.tls mode: %q", imap.TLS))
		}
	case "gmail":
		if c.GetGmail().CredentialsFile == "" {
			errs = append(errs, errors.New("gmail.credentials_file is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported inbound mailbox: %q", mb.Inbound))
	}

	switch mb.Outbound {
	case "smtp":
		smtp := c.GetSMTP()
		if smtp.Host == "" {
			errs = append(errs, errors.New("smtp.host is required"))
		}
		switch smtp.Security() {
		case "tls", "starttls", "none":
		default:
			errs = append(errs, fmt.Errorf("unsupported smtp.tls mode: %q", smtp.TLS))
		}
	case "sendgrid":
		if c.GetSendGrid().APIKey == "" {
			errs = append(errs, errors.New("sendgrid.api_key is required"))
		}
	case "gmail":
		if mb.Inbound != "gmail" {
			errs = append(errs, errors.New("gmail outbound requires gmail inbound"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported outbound mailbox: %q", mb.Outbound))
	}

	if mb.Address == "" {
		errs = append(errs, errors.New("mailbox.address is required"))
	}
	return errors.Join(errs...)
}

// ValidateStore checks the record store backend
func (c *Config) ValidateStore() error {
	st := c.GetStore()
	switch st.Type {
	case "memory":
	case "sqlite":
		if st.SQLitePath == "" {
			return errors.New("store.sqlite_path is required")
		}
	case "mysql":
		if st.MySQLDSN == "" {
			return errors.New("store.mysql_dsn is required")
		}
	case "postgres":
		if st.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required")
		}
	default:
		return fmt.Errorf("unsupported store type: %q", st.Type)
	}
	return nil
}

// ValidateKnowledge checks the index builder settings
func (c *Config) ValidateKnowledge() error {
	kb := c.GetKnowledge()
	var errs []error
	if kb.IndexPath == "" {
		errs = append(errs, errors.New("knowledge.index_path is required"))
	}
	if kb.ChunkSize <= 0 {
		errs = append(errs, errors.New("knowledge.chunk_size must be positive"))
	}
	if kb.ChunkOverlap < 0 || kb.ChunkOverlap >= kb.ChunkSize {
		errs = append(errs, errors.New("knowledge.chunk_overlap must be between 0 and chunk_size"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateWorkflow() error {
	wf := c.GetWorkflow()
	var errs []error
	if wf.MaxRetries < 0 {
		errs = append(errs, errors.New("workflow.max_retries must not be negative"))
	}
	rt := c.GetRetrieval()
	if rt.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_k must be positive"))
	}
	if rt.MaxQueries <= 0 {
		errs = append(errs, errors.New("retrieval.max_queries must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) validatePoll() error {
	poll, err := c.GetPoll()
	if err != nil {
		return err
	}
	var errs []error
	if poll.Schedule != "" {
		if !gronx.IsValid(poll.Schedule) {
			errs = append(errs, fmt.Errorf("invalid poll.schedule cron expression: %q", poll.Schedule))
		}
	} else if poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if poll.Workers <= 0 {
		errs = append(errs, errors.New("poll.workers must be positive"))
	}
	return errors.Join(errs...)
}

func dedupe(errs []error) []error {
	seen := make(map[string]bool, len(errs))
	out := errs[:0]
	for _, err := range errs {
		if !seen[err.Error()] {
			seen[err.Error()] = true
			out = append(out, err)
		}
	}
	return out
}
