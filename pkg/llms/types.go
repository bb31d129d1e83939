// Package llms provides provider-neutral messages and the structured-output
// LLM providers the decision step calls: OpenAI and Anthropic over the
// retrying HTTP client, Gemini over the official genai SDK.
package llms

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPartType discriminates message content parts.
type ContentPartType string

const (
	ContentPartTypeText        ContentPartType = "text"
	ContentPartTypeImageBase64 ContentPartType = "image_base64"
)

// ContentPart is one piece of message content. Image parts carry raw base64
// payloads (no data: URL prefix) plus the media type.
type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// Message is a provider-neutral chat message.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentPartTypeText, Text: text}
}

// ImagePart builds a base64 image content part.
func ImagePart(mediaType, data string) ContentPart {
	return ContentPart{Type: ContentPartTypeImageBase64, MediaType: mediaType, Data: data}
}

// UserMessage builds a user message from parts.
func UserMessage(parts ...ContentPart) Message {
	return Message{Role: RoleUser, Parts: parts}
}

// AssistantMessage builds an assistant message with plain text.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []ContentPart{TextPart(text)}}
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StructuredOutputConfig requests a JSON reply conforming to Schema.
// Providers without a native schema feature embed the schema in the system
// prompt and prefill the reply.
type StructuredOutputConfig struct {
	// Name labels the schema for providers that require one.
	Name string `json:"name,omitempty"`

	// Description explains the expected object.
	Description string `json:"description,omitempty"`

	// Schema is a JSON Schema as a generic map.
	Schema map[string]any `json:"schema,omitempty"`

	// Prefill seeds the assistant reply (Anthropic); defaults to "{".
	Prefill string `json:"prefill,omitempty"`
}

// Request is one structured generation call.
type Request struct {
	System      string                  `json:"system,omitempty"`
	Messages    []Message               `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature,omitempty"`
	Output      *StructuredOutputConfig `json:"output,omitempty"`
}

// Response is the provider's reply.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// ParseDataURL splits a "data:<mediatype>;base64,<payload>" URL into media
// type and raw base64 payload, validating the payload decodes.
func ParseDataURL(dataURL string) (mediaType, data string, err error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", "", fmt.Errorf("not a data URL")
	}
	rest := dataURL[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", "", fmt.Errorf("malformed data URL: missing comma")
	}
	meta := rest[:comma]
	data = rest[comma+1:]

	if !strings.HasSuffix(meta, ";base64") {
		return "", "", fmt.Errorf("data URL is not base64-encoded")
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return "", "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	return mediaType, data, nil
}
