package decision

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/gambit/pkg/llms"
)

// Token estimates used when the provider reports no usage (fallbacks,
// aborted calls) so cost accounting is never silently skipped.
const (
	FallbackPromptTokens     = 1500
	FallbackCompletionTokens = 100
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// TokenCounter estimates token counts for a model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTokenCounter creates a counter for the model, falling back to the
// cl100k_base encoding for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.RLock()
	cached, exists := encodingCache[model]
	encodingMu.RUnlock()
	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// EstimateRequest estimates prompt tokens for a request's text content.
// Image parts are ignored; vision token pricing varies per vendor and the
// estimate only backstops missing provider usage.
func (tc *TokenCounter) EstimateRequest(req *llms.Request) int {
	total := tc.Count(req.System)
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if part.Type == llms.ContentPartTypeText {
				total += tc.Count(part.Text)
			}
		}
	}
	return total
}

// FallbackUsage is the usage recorded for a fallback decision.
func FallbackUsage() llms.Usage {
	return llms.Usage{
		PromptTokens:     FallbackPromptTokens,
		CompletionTokens: FallbackCompletionTokens,
		TotalTokens:      FallbackPromptTokens + FallbackCompletionTokens,
	}
}
