package adapter

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEstimator estimates prompt/completion token counts via cl100k_base
// when the underlying CLI doesn't report its own usage, which is true of
// every known variant (Mock included).
type tokenEstimator struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

var sharedEstimator = &tokenEstimator{}

func (e *tokenEstimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.initErr = err
			return
		}
		e.enc = enc
	})
	return e.initErr
}

func (e *tokenEstimator) count(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err != nil {
		// Fall back to a crude heuristic (~4 chars/token) rather than
		// failing the task over a missing tokenizer vocabulary.
		return len(text) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// estimateTokenUsage builds a TokenUsage from the accumulated request text
// (system prompt + conversation + task description) and the output text.
func estimateTokenUsage(req TaskRequest, output string) *TokenUsage {
	var promptText strings.Builder
	promptText.WriteString(req.SystemPrompt)
	promptText.WriteString(req.Title)
	promptText.WriteString(req.Description)
	for _, m := range req.Messages {
		promptText.WriteString(m.Content)
	}

	prompt := sharedEstimator.count(promptText.String())
	completion := sharedEstimator.count(output)

	return &TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}
