// Package config provides environment-variable-first configuration
// loading with optional YAML file fallback for the mail gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mail-gateway/internal/graph"
)

// Config holds the complete application configuration.
type Config struct {
	Graph   GraphConfig   `yaml:"graph"`
	HTTP    HTTPConfig    `yaml:"http"`
	Send    SendConfig    `yaml:"send"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// GraphConfig holds the Microsoft Graph API identity.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// HTTPConfig holds the HTTP front-end configuration.
type HTTPConfig struct {
	Listen    string  `yaml:"listen"`
	APIToken  string  `yaml:"api_token"`
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// SendConfig tunes the send pipeline. Zero values fall back to the
// gateway defaults.
type SendConfig struct {
	SaveToSentItems          bool   `yaml:"save_to_sent_items"`
	LargeAttachmentThreshold int64  `yaml:"large_attachment_threshold"`
	ChunkSize                int64  `yaml:"chunk_size"`
	MaxAttachmentBytes       int64  `yaml:"max_attachment_bytes"`
	RequestTimeout           string `yaml:"request_timeout"`
}

// TLSConfig holds TLS settings for the front-end. SelfSigned generates
// an in-memory certificate when no files are given.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible
// defaults. Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// TLSEnabled returns true if the front-end should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return (c.TLS.CertFile != "" && c.TLS.KeyFile != "") || c.TLS.SelfSigned
}

// SendOptions converts the send section into gateway options.
func (c *Config) SendOptions() (graph.SendOptions, error) {
	opts := graph.SendOptions{
		SaveToSentItems:          c.Send.SaveToSentItems,
		LargeAttachmentThreshold: c.Send.LargeAttachmentThreshold,
		ChunkSize:                c.Send.ChunkSize,
		MaxAttachmentBytes:       c.Send.MaxAttachmentBytes,
	}
	if c.Send.RequestTimeout != "" {
		d, err := time.ParseDuration(c.Send.RequestTimeout)
		if err != nil {
			return graph.SendOptions{}, fmt.Errorf("invalid send.request_timeout %q: %w", c.Send.RequestTimeout, err)
		}
		opts.RequestTimeout = d
	}
	return opts, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.HTTP.RateRPS = 5
	c.HTTP.RateBurst = 10
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_API_TOKEN"); v != "" {
		c.HTTP.APIToken = v
	}
	if v := os.Getenv("HTTP_RATE_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.HTTP.RateRPS = rps
		}
	}
	if v := os.Getenv("HTTP_RATE_BURST"); v != "" {
		if burst, err := strconv.Atoi(v); err == nil {
			c.HTTP.RateBurst = burst
		}
	}

	if v := os.Getenv("SEND_SAVE_TO_SENT_ITEMS"); v != "" {
		if save, err := strconv.ParseBool(v); err == nil {
			c.Send.SaveToSentItems = save
		}
	}
	if v := os.Getenv("SEND_LARGE_ATTACHMENT_THRESHOLD"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Send.LargeAttachmentThreshold = size
		}
	}
	if v := os.Getenv("SEND_CHUNK_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Send.ChunkSize = size
		}
	}
	if v := os.Getenv("SEND_MAX_ATTACHMENT_BYTES"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Send.MaxAttachmentBytes = size
		}
	}
	if v := os.Getenv("SEND_REQUEST_TIMEOUT"); v != "" {
		c.Send.RequestTimeout = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		if selfSigned, err := strconv.ParseBool(v); err == nil {
			c.TLS.SelfSigned = selfSigned
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
