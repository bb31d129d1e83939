package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kadirpekel/gambit/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider talks to the Anthropic messages API. The API has no
// native response schema, so the schema rides in the system prompt and the
// assistant turn is prefilled with "{" to force JSON; the prefill is glued
// back onto the reply before parsing.
type AnthropicProvider struct {
	config     *ProviderConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider builds a provider from config after applying defaults.
func NewAnthropicProvider(cfg *ProviderConfig) (*AnthropicProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AnthropicProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg, httpclient.ParseAnthropicHeaders),
	}, nil
}

// GenerateStructured implements Provider.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, request *Request) (*Response, error) {
	req := anthropicRequest{
		Model:       p.config.Model,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		System:      request.System,
		Messages:    p.buildMessages(request),
	}
	if request.MaxTokens > 0 {
		req.MaxTokens = request.MaxTokens
	}
	if request.Temperature > 0 {
		req.Temperature = request.Temperature
	}

	prefill := ""
	if out := request.Output; out != nil {
		if schemaPrompt := buildSystemPromptWithSchema(out); schemaPrompt != "" {
			if req.System != "" {
				req.System = req.System + "\n\n" + schemaPrompt
			} else {
				req.System = schemaPrompt
			}
		}

		prefill = "{"
		if out.Prefill != "" {
			prefill = out.Prefill
		}
		req.Messages = append(req.Messages, anthropicMessage{
			Role:    "assistant",
			Content: prefill,
		})
	}

	response, err := p.makeRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("Anthropic API error: %s", response.Error.Message)
	}

	text := ""
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	text = prefill + text

	return &Response{
		Text: text,
		Usage: Usage{
			PromptTokens:     response.Usage.InputTokens,
			CompletionTokens: response.Usage.OutputTokens,
			TotalTokens:      response.Usage.InputTokens + response.Usage.OutputTokens,
		},
	}, nil
}

// GetModelName implements Provider.
func (p *AnthropicProvider) GetModelName() string {
	return p.config.Model
}

// Close implements Provider.
func (p *AnthropicProvider) Close() error {
	return nil
}

func buildSystemPromptWithSchema(out *StructuredOutputConfig) string {
	if out == nil || out.Schema == nil {
		return ""
	}
	schemaJSON, err := json.MarshalIndent(out.Schema, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, string(schemaJSON))
}

func (p *AnthropicProvider) buildMessages(request *Request) []anthropicMessage {
	messages := make([]anthropicMessage, 0, len(request.Messages))
	for _, msg := range request.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}

		if textOnly(msg.Parts) {
			messages = append(messages, anthropicMessage{Role: role, Content: joinText(msg.Parts)})
			continue
		}

		blocks := make([]anthropicContent, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case ContentPartTypeText:
				blocks = append(blocks, anthropicContent{Type: "text", Text: part.Text})
			case ContentPartTypeImageBase64:
				blocks = append(blocks, anthropicContent{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: part.MediaType,
						Data:      part.Data,
					},
				})
			}
		}
		messages = append(messages, anthropicMessage{Role: role, Content: blocks})
	}
	return messages
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			var apiErr struct {
				Error *anthropicError `json:"error"`
			}
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != nil {
				return nil, fmt.Errorf("API request failed with status %d: %s (type: %s)",
					resp.StatusCode, apiErr.Error.Message, apiErr.Error.Type)
			}
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}
