package llms

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider talks to Google Gemini through the official genai SDK.
// Structured output uses the native ResponseSchema/ResponseMIMEType support.
type GeminiProvider struct {
	config *ProviderConfig
	client *genai.Client
}

// NewGeminiProvider builds a provider from config after applying defaults.
// Constructors shouldn't require context, so client init uses Background.
func NewGeminiProvider(cfg *ProviderConfig) (*GeminiProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{config: cfg, client: client}, nil
}

// GenerateStructured implements Provider.
func (p *GeminiProvider) GenerateStructured(ctx context.Context, request *Request) (*Response, error) {
	contents, err := p.buildContents(request)
	if err != nil {
		return nil, err
	}
	config := p.buildConfig(request)

	genResp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Gemini generation failed: %w", err)
	}
	return parseGeminiResponse(genResp)
}

// GetModelName implements Provider.
func (p *GeminiProvider) GetModelName() string {
	return p.config.Model
}

// Close implements Provider.
func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) buildContents(request *Request) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, msg := range request.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}

		parts := make([]*genai.Part, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case ContentPartTypeText:
				parts = append(parts, &genai.Part{Text: part.Text})
			case ContentPartTypeImageBase64:
				raw, err := base64.StdEncoding.DecodeString(part.Data)
				if err != nil {
					return nil, fmt.Errorf("invalid base64 image payload: %w", err)
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: part.MediaType,
						Data:     raw,
					},
				})
			}
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, nil
}

func (p *GeminiProvider) buildConfig(request *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if request.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: request.System}},
			Role:  "user",
		}
	}

	temperature := p.config.Temperature
	if request.Temperature > 0 {
		temperature = request.Temperature
	}
	if temperature > 0 {
		config.Temperature = genai.Ptr(float32(temperature))
	}

	maxTokens := p.config.MaxTokens
	if request.MaxTokens > 0 {
		maxTokens = request.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}

	if out := request.Output; out != nil {
		config.ResponseMIMEType = "application/json"
		if out.Schema != nil {
			config.ResponseSchema = toGenaiSchema(out.Schema)
		}
	}

	return config
}

// toGenaiSchema converts a JSON schema map to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func parseGeminiResponse(genResp *genai.GenerateContentResponse) (*Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	text := ""
	if content := genResp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part.Text != "" && !part.Thought {
				text += part.Text
			}
		}
	}

	resp := &Response{Text: text}
	if genResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}
	return resp, nil
}
