// Package graph implements the mail gateway core: a Sender that delivers
// messages through the Microsoft Graph v1.0 REST API using an
// application-only (client-credentials) OAuth2 identity, and that reads
// unread messages from an inbox. Large attachments are streamed through
// resumable upload sessions; a draft created on the server is always
// deleted before a send returns, regardless of outcome.
package graph

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shineum/mail-gateway/internal/email"
)

// defaultBaseURL is the Graph v1.0 endpoint all mail calls go through.
const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Default send limits. The aggregate cap is a defensive constant tied to
// the materialize step, which re-reads all attachments from the backend
// as base64 in a single response.
const (
	DefaultLargeAttachmentThreshold = 3 * 1024 * 1024
	DefaultChunkSize                = 5 * 1024 * 1024
	DefaultMaxAttachmentBytes       = 35 * 1024 * 1024
)

// Config holds the client-credentials identity and the default sender
// mailbox. It is fixed at construction and never mutated.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox messages are sent from unless the message
	// overrides it.
	Sender string
}

// SendOptions tunes one send. Zero-value fields fall back to the
// defaults; normalized() returns the effective options.
type SendOptions struct {
	// RequestTimeout bounds each HTTP attempt. 0 leaves the HTTP
	// client's own timeout in charge.
	RequestTimeout time.Duration

	// LargeAttachmentThreshold separates single-POST base64 attachments
	// from upload-session streamed attachments. Default 3 MiB.
	LargeAttachmentThreshold int64

	// ChunkSize is the byte size of each upload-session PUT. Default 5 MiB.
	ChunkSize int64

	// MaxAttachmentBytes caps the aggregate size of all attachments of
	// one message. Default 35 MiB.
	MaxAttachmentBytes int64

	// SaveToSentItems persists the sent message to the mailbox's Sent
	// Items folder.
	SaveToSentItems bool
}

func (o SendOptions) normalized() SendOptions {
	if o.LargeAttachmentThreshold <= 0 {
		o.LargeAttachmentThreshold = DefaultLargeAttachmentThreshold
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxAttachmentBytes <= 0 {
		o.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	return o
}

// Sender is a long-lived Graph mail client. It is safe for concurrent
// use; the cached access token is the only state shared across sends.
type Sender struct {
	cfg     Config
	baseURL string

	httpClient *http.Client
	ownsClient bool

	token  *tokenCache
	retry  *retryExecutor
	clock  clockwork.Clock
	logger *slog.Logger
	notify TelemetryFunc

	tokenURL string
}

// Option customizes a Sender at construction.
type Option func(*Sender)

// WithHTTPClient injects the HTTP client used for all calls. An injected
// client is never disposed by Close.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) {
		s.httpClient = c
		s.ownsClient = false
	}
}

// WithBaseURL overrides the Graph endpoint, used for testing.
func WithBaseURL(u string) Option {
	return func(s *Sender) { s.baseURL = u }
}

// WithTokenURL overrides the OAuth2 token endpoint, used for testing.
func WithTokenURL(u string) Option {
	return func(s *Sender) { s.tokenURL = u }
}

// WithClock injects the clock backoff sleeps run on.
func WithClock(c clockwork.Clock) Option {
	return func(s *Sender) { s.clock = c }
}

// WithLogger sets the logger library packages log through.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// WithTelemetry installs a hook invoked before each scheduled retry.
func WithTelemetry(fn TelemetryFunc) Option {
	return func(s *Sender) { s.notify = fn }
}

// New creates a Sender from the given identity. The returned Sender owns
// its HTTP client unless one is injected via WithHTTPClient.
func New(cfg Config, opts ...Option) (*Sender, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph: tenant id, client id and client secret are required")
	}
	if !email.IsValidAddress(cfg.Sender) {
		return nil, &email.ValidationError{
			Field:  "sender",
			Reason: fmt.Sprintf("%q is not a valid address", cfg.Sender),
		}
	}

	s := &Sender{
		cfg:     cfg,
		baseURL: defaultBaseURL,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 2 * time.Minute}
		s.ownsClient = true
	}

	s.token = newTokenCache(s.cfg, s.tokenURL, s.httpClient, s.clock)
	s.retry = newRetryExecutor(s.httpClient, s.clock, s.logger, s.notify)

	return s, nil
}

// Close releases idle connections when the Sender owns its HTTP client.
// Injected clients are left untouched.
func (s *Sender) Close() {
	if s.ownsClient {
		s.httpClient.CloseIdleConnections()
	}
}

// userURL builds a Graph URL under /users/{mailbox} from pre-escaped
// path tail elements.
func (s *Sender) userURL(mailbox string, tail string) string {
	return s.baseURL + "/users/" + url.PathEscape(mailbox) + tail
}
