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

// OpenAIProvider talks to the OpenAI chat completions API. Structured output
// uses the native response_format json_schema feature; frames travel as
// image_url content parts with data URLs.
type OpenAIProvider struct {
	config     *ProviderConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []openAIContentPart
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message struct {
		Content any `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAIProvider builds a provider from config after applying defaults.
func NewOpenAIProvider(cfg *ProviderConfig) (*OpenAIProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OpenAIProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg, httpclient.ParseOpenAIHeaders),
	}, nil
}

// GenerateStructured implements Provider.
func (p *OpenAIProvider) GenerateStructured(ctx context.Context, request *Request) (*Response, error) {
	req := openAIRequest{
		Model:       p.config.Model,
		Temperature: p.config.Temperature,
		Messages:    p.buildMessages(request),
	}
	maxTokens := p.config.MaxTokens
	if request.MaxTokens > 0 {
		maxTokens = request.MaxTokens
	}
	req.MaxTokens = &maxTokens
	if request.Temperature > 0 {
		req.Temperature = request.Temperature
	}

	if out := request.Output; out != nil {
		if out.Schema != nil {
			name := out.Name
			if name == "" {
				name = "response"
			}
			req.ResponseFormat = &openAIResponseFormat{
				Type: "json_schema",
				JSONSchema: &openAIJSONSchema{
					Name:   name,
					Schema: out.Schema,
					Strict: true,
				},
			}
		} else {
			req.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
		}
	}

	response, err := p.makeRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("OpenAI API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	text := ""
	if str, ok := response.Choices[0].Message.Content.(string); ok {
		text = str
	}

	return &Response{
		Text: text,
		Usage: Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
	}, nil
}

// GetModelName implements Provider.
func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

// Close implements Provider.
func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildMessages(request *Request) []openAIMessage {
	messages := make([]openAIMessage, 0, len(request.Messages)+1)
	if request.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: request.System})
	}

	for _, msg := range request.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}

		// Text-only messages stay a plain string; mixed content becomes parts.
		if textOnly(msg.Parts) {
			messages = append(messages, openAIMessage{Role: role, Content: joinText(msg.Parts)})
			continue
		}

		parts := make([]openAIContentPart, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case ContentPartTypeText:
				parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
			case ContentPartTypeImageBase64:
				parts = append(parts, openAIContentPart{
					Type: "image_url",
					ImageURL: &openAIImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Data),
					},
				})
			}
		}
		messages = append(messages, openAIMessage{Role: role, Content: parts})
	}
	return messages
}

func textOnly(parts []ContentPart) bool {
	for _, p := range parts {
		if p.Type != ContentPartTypeText {
			return false
		}
	}
	return true
}

func joinText(parts []ContentPart) string {
	out := ""
	for _, p := range parts {
		if p.Type == ContentPartTypeText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if apiErr := parseOpenAIError(body); apiErr != nil {
				return nil, fmt.Errorf("API request failed with status %d: %s (type: %s)",
					resp.StatusCode, apiErr.Message, apiErr.Type)
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

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func parseOpenAIError(body []byte) *openAIError {
	var errorResp struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err != nil {
		return nil
	}
	return errorResp.Error
}
