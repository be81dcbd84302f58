package modelio

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// estimateUsage supplies a best-effort token count when a provider's
// response omits the usage field, per spec §4.2: "never returns without a
// usage field." cl100k_base approximates most OpenAI-compatible models
// closely enough for accounting purposes; it is not exact for every
// provider's own tokenizer.
func estimateUsage(req []Message, resp Message) Usage {
	enc := encoding()
	var promptTokens int
	for _, m := range req {
		promptTokens += countTokens(enc, m.Content) + countTokens(enc, m.ReasoningContent)
	}
	completionTokens := countTokens(enc, resp.Content) + countTokens(enc, resp.ReasoningContent)
	for _, tc := range resp.ToolCalls {
		completionTokens += countTokens(enc, tc.Function.Name) + countTokens(enc, tc.Function.Arguments)
	}

	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Estimated:        true,
	}
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

func countTokens(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if enc == nil {
		// Degrade gracefully if encoding data couldn't load (e.g. offline).
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
