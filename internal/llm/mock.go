package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/bradax/broker/internal/core"
)

// MockProvider is a deterministic in-process provider for development mode
// and tests. It records the calls it receives.
type MockProvider struct {
	mu    sync.Mutex
	calls []MockCall

	// Err, when set, is returned from every Invoke.
	Err error
	// Reply, when set, overrides the canned answers.
	Reply string
}

// MockCall is one recorded invocation.
type MockCall struct {
	ModelID  string
	Messages []core.Message
	Params   Params
}

func (m *MockProvider) Name() string { return "mock" }

// Invoke answers a few canned prompts and echoes everything else.
func (m *MockProvider) Invoke(ctx context.Context, modelID string, messages []core.Message, params Params) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{ModelID: modelID, Messages: messages, Params: params})
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Category: ProviderErrTimeout, Err: err}
	}
	if m.Err != nil {
		return nil, m.Err
	}

	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}

	text := m.Reply
	if text == "" {
		low := strings.ToLower(prompt)
		switch {
		// FHC held office 1995 through 2002.
		case strings.Contains(low, "president of brazil in 1995"),
			strings.Contains(low, "president of brazil in 2002"):
			text = "Fernando Henrique Cardoso was the president of Brazil from 1995 to 2002."
		default:
			text = "mock reply: " + prompt
		}
	}

	return &Result{
		Text:             text,
		PromptTokens:     len(strings.Fields(prompt)),
		CompletionTokens: len(strings.Fields(text)),
		Raw: map[string]interface{}{
			"provider": "mock",
			"model":    modelID,
			"text":     text,
		},
	}, nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
