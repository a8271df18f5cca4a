package config

import (
	"fmt"
	"time"
)

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider          string
	EmbeddingProvider string
	Timeout           time.Duration
	EmbeddingTimeout  time.Duration
	MaxRetries        int
	RateLimit         float64
	RateBurst         int
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region           string
	ModelID          string
	EmbeddingModelID string
	MaxTokens        int
	Temperature      float32
	TopP             float32
	MaxBodySize      int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey         string
	ModelName      string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float32
	TopP           float32
	MaxBodySize    int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ModelName      string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float32
	TopP           float32
	MaxBodySize    int
}

// MailboxConfig selects the mailbox adapters
type MailboxConfig struct {
	Inbound     string
	Outbound    string
	Address     string
	DisplayName string
}

// IMAPConfig represents the inbound IMAP connection
type IMAPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                string
	InsecureSkipVerify bool
	Mailbox            string
	DraftsMailbox      string
	UnseenOnly         bool
	MaxFetch           int
}

// Addr returns host:port
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SMTPConfig represents the outbound SMTP connection
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                string
	InsecureSkipVerify bool
}

// Addr returns host:port
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Security resolves the TLS mode. Port 465 implies implicit TLS, anything else STARTTLS.
func (c SMTPConfig) Security() string {
	if c.TLS != "" {
		return c.TLS
	}
	if c.Port == 465 {
		return "tls"
	}
	return "starttls"
}

// GmailConfig represents the Gmail API gateway
type GmailConfig struct {
	CredentialsFile string
	TokenFile       string
	User            string
	UnseenOnly      bool
	MaxFetch        int
}

// SendGridConfig represents the SendGrid outbound adapter
type SendGridConfig struct {
	APIKey string
	Host   string
}

// CallsConfig is the default policy for mailbox calls
type CallsConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StoreConfig selects the record store backend
type StoreConfig struct {
	Type        string
	SQLitePath  string
	MySQLDSN    string
	PostgresDSN string
}

// PollConfig represents the poll loop settings
type PollConfig struct {
	Interval        time.Duration
	Schedule        string
	Workers         int
	RunTimeout      time.Duration
	CheckpointName  string
	InitialLookback time.Duration
	AllowedDomains  []string
}

// WorkflowConfig represents the engine policy
type WorkflowConfig struct {
	MaxRetries     int
	AutoSend       bool
	MaxDraftLength int
	Signature      string
}

// RetrievalConfig represents the retrieval-augmented drafting settings
type RetrievalConfig struct {
	TopK       int
	MaxQueries int
	MinScore   float64
}

// S3Config locates a knowledge corpus in an S3-compatible bucket
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// KnowledgeConfig represents the knowledge index and its sources
type KnowledgeConfig struct {
	IndexPath    string
	SourceDir    string
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	S3           S3Config
}

// APIConfig represents the HTTP API settings
type APIConfig struct {
	ListenAddress  string
	Mode           string
	MetricsAddress string
}

// LoggingConfig represents the logger settings
type LoggingConfig struct {
	Level  string
	Format string
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() (LLMConfig, error) {
	timeout, err := c.GetDuration("llm.timeout")
	if err != nil {
		return LLMConfig{}, err
	}
	embedTimeout, err := c.GetDuration("embedding.timeout")
	if err != nil {
		return LLMConfig{}, err
	}
	embedProvider := c.GetString("embedding.provider")
	if embedProvider == "" {
		embedProvider = c.GetString("llm.provider")
	}
	return LLMConfig{
		Provider:          c.GetString("llm.provider"),
		EmbeddingProvider: embedProvider,
		Timeout:           timeout,
		EmbeddingTimeout:  embedTimeout,
		MaxRetries:        c.GetInt("llm.max_retries"),
		RateLimit:         c.GetFloat64("llm.rate_limit"),
		RateBurst:         c.GetInt("llm.rate_burst"),
	}, nil
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:           c.GetString("bedrock.region"),
		ModelID:          c.GetString("bedrock.model_id"),
		EmbeddingModelID: c.GetString("bedrock.embedding_model_id"),
		MaxTokens:        c.GetInt("bedrock.max_tokens"),
		Temperature:      float32(c.GetFloat64("bedrock.temperature")),
		TopP:             float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize:      c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:         c.GetString("gemini.api_key"),
		ModelName:      c.GetString("gemini.model_name"),
		EmbeddingModel: c.GetString("gemini.embedding_model"),
		MaxTokens:      c.GetInt("gemini.max_tokens"),
		Temperature:    float32(c.GetFloat64("gemini.temperature")),
		TopP:           float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize:    c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:         c.GetString("openai.api_key"),
		BaseURL:        c.GetString("openai.base_url"),
		ModelName:      c.GetString("openai.model_name"),
		EmbeddingModel: c.GetString("openai.embedding_model"),
		MaxTokens:      c.GetInt("openai.max_tokens"),
		Temperature:    float32(c.GetFloat64("openai.temperature")),
		TopP:           float32(c.GetFloat64("openai.top_p")),
		MaxBodySize:    c.GetInt("openai.max_body_size"),
	}
}

// GetMailbox returns the mailbox adapter selection
func (c *Config) GetMailbox() MailboxConfig {
	address := c.GetString("mailbox.address")
	if address == "" {
		address = c.GetString("imap.username")
	}
	return MailboxConfig{
		Inbound:     c.GetString("mailbox.inbound"),
		Outbound:    c.GetString("mailbox.outbound"),
		Address:     address,
		DisplayName: c.GetString("mailbox.display_name"),
	}
}

// GetIMAP returns the IMAP configuration
func (c *Config) GetIMAP() IMAPConfig {
	return IMAPConfig{
		Host:               c.GetString("imap.host"),
		Port:               c.GetInt("imap.port"),
		Username:           c.GetString("imap.username"),
		Password:           c.GetString("imap.password"),
		TLS:                c.GetString("imap.tls"),
		InsecureSkipVerify: c.GetBool("imap.insecure_skip_verify"),
		Mailbox:            c.GetString("imap.mailbox"),
		DraftsMailbox:      c.GetString("imap.drafts_mailbox"),
		UnseenOnly:         c.GetBool("imap.unseen_only"),
		MaxFetch:           c.GetInt("imap.max_fetch"),
	}
}

// GetSMTP returns the SMTP configuration
func (c *Config) GetSMTP() SMTPConfig {
	return SMTPConfig{
		Host:               c.GetString("smtp.host"),
		Port:               c.GetInt("smtp.port"),
		Username:           c.GetString("smtp.username"),
		Password:           c.GetString("smtp.password"),
		TLS:                c.GetString("smtp.tls"),
		InsecureSkipVerify: c.GetBool("smtp.insecure_skip_verify"),
	}
}

// GetGmail returns the Gmail API configuration
func (c *Config) GetGmail() GmailConfig {
	return GmailConfig{
		CredentialsFile: c.GetString("gmail.credentials_file"),
		TokenFile:       c.GetString("gmail.token_file"),
		User:            c.GetString("gmail.user"),
		UnseenOnly:      c.GetBool("gmail.unseen_only"),
		MaxFetch:        c.GetInt("gmail.max_fetch"),
	}
}

// GetSendGrid returns the SendGrid configuration
func (c *Config) GetSendGrid() SendGridConfig {
	return SendGridConfig{
		APIKey: c.GetString("sendgrid.api_key"),
		Host:   c.GetString("sendgrid.host"),
	}
}

// GetCalls returns the mailbox call policy
func (c *Config) GetCalls() (CallsConfig, error) {
	timeout, err := c.GetDuration("calls.timeout")
	if err != nil {
		return CallsConfig{}, err
	}
	initial, err := c.GetDuration("calls.initial_backoff")
	if err != nil {
		return CallsConfig{}, err
	}
	maxBackoff, err := c.GetDuration("calls.max_backoff")
	if err != nil {
		return CallsConfig{}, err
	}
	return CallsConfig{
		Timeout:        timeout,
		MaxRetries:     c.GetInt("calls.max_retries"),
		InitialBackoff: initial,
		MaxBackoff:     maxBackoff,
	}, nil
}

// GetStore returns the record store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Type:        c.GetString("store.type"),
		SQLitePath:  c.GetString("store.sqlite_path"),
		MySQLDSN:    c.GetString("store.mysql_dsn"),
		PostgresDSN: c.GetString("store.postgres_dsn"),
	}
}

// GetPoll returns the poll loop configuration
func (c *Config) GetPoll() (PollConfig, error) {
	interval, err := c.GetDuration("poll.interval")
	if err != nil {
		return PollConfig{}, err
	}
	runTimeout, err := c.GetDuration("poll.run_timeout")
	if err != nil {
		return PollConfig{}, err
	}
	lookback, err := c.GetDuration("poll.initial_lookback")
	if err != nil {
		return PollConfig{}, err
	}
	return PollConfig{
		Interval:        interval,
		Schedule:        c.GetString("poll.schedule"),
		Workers:         c.GetInt("poll.workers"),
		RunTimeout:      runTimeout,
		CheckpointName:  c.GetString("poll.checkpoint_name"),
		InitialLookback: lookback,
		AllowedDomains:  c.GetStringSlice("filter.allowed_domains"),
	}, nil
}

// GetWorkflow returns the engine policy
func (c *Config) GetWorkflow() WorkflowConfig {
	return WorkflowConfig{
		MaxRetries:     c.GetInt("workflow.max_retries"),
		AutoSend:       c.GetBool("workflow.auto_send"),
		MaxDraftLength: c.GetInt("workflow.max_draft_length"),
		Signature:      c.GetString("workflow.signature"),
	}
}

// GetRetrieval returns the retrieval configuration
func (c *Config) GetRetrieval() RetrievalConfig {
	return RetrievalConfig{
		TopK:       c.GetInt("retrieval.top_k"),
		MaxQueries: c.GetInt("retrieval.max_queries"),
		MinScore:   c.GetFloat64("retrieval.min_score"),
	}
}

// GetKnowledge returns the knowledge base configuration
func (c *Config) GetKnowledge() KnowledgeConfig {
	return KnowledgeConfig{
		IndexPath:    c.GetString("knowledge.index_path"),
		SourceDir:    c.GetString("knowledge.source_dir"),
		ChunkSize:    c.GetInt("knowledge.chunk_size"),
		ChunkOverlap: c.GetInt("knowledge.chunk_overlap"),
		BatchSize:    c.GetInt("knowledge.batch_size"),
		S3: S3Config{
			Endpoint:  c.GetString("knowledge.s3.endpoint"),
			Bucket:    c.GetString("knowledge.s3.bucket"),
			Prefix:    c.GetString("knowledge.s3.prefix"),
			AccessKey: c.GetString("knowledge.s3.access_key"),
			SecretKey: c.GetString("knowledge.s3.secret_key"),
			UseSSL:    c.GetBool("knowledge.s3.use_ssl"),
		},
	}
}

// GetAPI returns the HTTP API configuration
func (c *Config) GetAPI() APIConfig {
	return APIConfig{
		ListenAddress:  c.GetString("api.listen_address"),
		Mode:           c.GetString("api.mode"),
		MetricsAddress: c.GetString("metrics.listen_address"),
	}
}

// GetLogging returns the logger configuration
func (c *Config) GetLogging() LoggingConfig {
	return LoggingConfig{
		Level:  c.GetString("logging.level"),
		Format: c.GetString("logging.format"),
	}
}
