package llms

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kadirpekel/gambit/pkg/httpclient"
)

// Provider is a vision-capable LLM that returns schema-conforming JSON.
type Provider interface {
	// GenerateStructured runs one structured call. The returned text is the
	// raw model output; callers parse it against the requested schema.
	GenerateStructured(ctx context.Context, req *Request) (*Response, error)

	// GetModelName returns the provider's model identifier.
	GetModelName() string

	// Close releases provider resources.
	Close() error
}

// ProviderConfig configures one provider instance.
type ProviderConfig struct {
	// Type selects the vendor: "openai", "anthropic", or "gemini".
	Type string `yaml:"type" mapstructure:"type"`

	// Model is the vendor model name, e.g. "gpt-4o" or "claude-sonnet-4-20250514".
	Model string `yaml:"model" mapstructure:"model"`

	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Host overrides the vendor API base URL.
	Host string `yaml:"host" mapstructure:"host"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout" mapstructure:"timeout"`

	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// RetryDelay is the base backoff in seconds.
	RetryDelay int `yaml:"retry_delay" mapstructure:"retry_delay"`

	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SetDefaults fills zero values with workable defaults.
func (c *ProviderConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.Host == "" {
		switch c.Type {
		case ProviderTypeOpenAI:
			c.Host = "https://api.openai.com/v1"
		case ProviderTypeAnthropic:
			c.Host = "https://api.anthropic.com"
		}
	}
}

// Validate rejects configurations that cannot produce a working provider.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeGemini:
	default:
		return fmt.Errorf("unknown provider type: %q", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Type)
	}
	return nil
}

// Supported provider types.
const (
	ProviderTypeOpenAI    = "openai"
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeGemini    = "gemini"
)

func createHTTPClient(cfg *ProviderConfig, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		httpclient.WithHeaderParser(parser),
		httpclient.WithRetryStrategy(httpclient.DefaultRetryStrategy),
	)
}
