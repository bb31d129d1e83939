package llms

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestParseDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("frame-bytes"))

	mediaType, data, err := ParseDataURL("data:image/png;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mediaType)
	assert.Equal(t, payload, data)

	_, _, err = ParseDataURL("image/png;base64," + payload)
	assert.Error(t, err, "missing data: prefix should fail")

	_, _, err = ParseDataURL("data:image/png," + payload)
	assert.Error(t, err, "non-base64 data URL should fail")

	_, _, err = ParseDataURL("data:image/png;base64,!!!not-base64!!!")
	assert.Error(t, err)
}

func TestParseModelID(t *testing.T) {
	vendor, model, err := ParseModelID("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", vendor)
	assert.Equal(t, "gpt-4o", model)

	vendor, model, err = ParseModelID("gemini/models/gemini-2.0-flash")
	require.NoError(t, err)
	assert.Equal(t, "gemini", vendor)
	assert.Equal(t, "models/gemini-2.0-flash", model)

	for _, bad := range []string{"gpt-4o", "/gpt-4o", "openai/", ""} {
		_, _, err := ParseModelID(bad)
		assert.Error(t, err, "id %q should be rejected", bad)
	}
}

func TestProviderConfigValidate(t *testing.T) {
	cfg := &ProviderConfig{Type: ProviderTypeOpenAI, Model: "gpt-4o", APIKey: "sk-test"}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://api.openai.com/v1", cfg.Host)
	assert.Equal(t, 3, cfg.MaxRetries)

	assert.Error(t, (&ProviderConfig{Type: "mistral", Model: "x", APIKey: "k"}).Validate())
	assert.Error(t, (&ProviderConfig{Type: ProviderTypeOpenAI, APIKey: "k"}).Validate())
	assert.Error(t, (&ProviderConfig{Type: ProviderTypeOpenAI, Model: "gpt-4o"}).Validate())
}

func TestOpenAIBuildMessages(t *testing.T) {
	p := &OpenAIProvider{config: &ProviderConfig{Model: "gpt-4o"}}

	req := &Request{
		System: "You play the game.",
		Messages: []Message{
			UserMessage(
				TextPart("current frame:"),
				ImagePart("image/png", "aGVsbG8="),
			),
			AssistantMessage(`{"button":"A"}`),
		},
	}

	messages := p.buildMessages(req)
	require.Len(t, messages, 3)

	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "You play the game.", messages[0].Content)

	parts, ok := messages[1].Content.([]openAIContentPart)
	require.True(t, ok, "mixed content should become parts")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", parts[1].ImageURL.URL)

	assert.Equal(t, "assistant", messages[2].Role)
	assert.Equal(t, `{"button":"A"}`, messages[2].Content)
}

func TestAnthropicBuildMessages(t *testing.T) {
	p := &AnthropicProvider{config: &ProviderConfig{Model: "claude-sonnet-4-20250514"}}

	req := &Request{
		Messages: []Message{
			UserMessage(TextPart("look"), ImagePart("image/jpeg", "aGVsbG8=")),
		},
	}

	messages := p.buildMessages(req)
	require.Len(t, messages, 1)

	blocks, ok := messages[0].Content.([]anthropicContent)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "image/jpeg", blocks[1].Source.MediaType)
}

func TestBuildSystemPromptWithSchema(t *testing.T) {
	prompt := buildSystemPromptWithSchema(&StructuredOutputConfig{
		Schema: map[string]any{"type": "object"},
	})
	assert.Contains(t, prompt, "valid JSON")
	assert.Contains(t, prompt, `"type": "object"`)

	assert.Empty(t, buildSystemPromptWithSchema(nil))
	assert.Empty(t, buildSystemPromptWithSchema(&StructuredOutputConfig{}))
}

func TestToGenaiSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"button": map[string]any{
				"type": "string",
				"enum": []any{"A", "B", "WAIT"},
			},
			"sequence": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object"},
			},
		},
		"required": []any{"button"},
	}

	s := toGenaiSchema(schema)
	require.NotNil(t, s)
	assert.Equal(t, genai.Type("object"), s.Type)
	assert.Equal(t, []string{"button"}, s.Required)

	button := s.Properties["button"]
	require.NotNil(t, button)
	assert.Equal(t, []string{"A", "B", "WAIT"}, button.Enum)

	sequence := s.Properties["sequence"]
	require.NotNil(t, sequence)
	require.NotNil(t, sequence.Items)
	assert.Equal(t, genai.Type("object"), sequence.Items.Type)

	assert.Nil(t, toGenaiSchema(nil))
}

func TestProviderRegistryResolveUnknownVendor(t *testing.T) {
	r := NewProviderRegistry()
	_, err := r.Resolve("mistral/large", map[string]string{"mistral": "key"})
	assert.Error(t, err)
}
