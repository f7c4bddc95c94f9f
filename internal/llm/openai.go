package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/bradax/broker/internal/core"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls the chat completions API. It holds the only copy of
// the provider credential; project tokens never reach upstream.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// NewOpenAIProvider builds the provider. baseURL is overridable for tests
// and gateways; empty means the public endpoint.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		logger:  log.New(log.Writer(), "[OPENAI] ", log.LstdFlags),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message core.Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke performs one chat completion. The deadline on ctx is the only
// timeout; cancellation maps to the timeout category.
func (p *OpenAIProvider) Invoke(ctx context.Context, modelID string, messages []core.Message, params Params) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	})
	if err != nil {
		return nil, &ProviderError{Category: ProviderErrNetwork, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Category: ProviderErrNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &ProviderError{Category: ProviderErrTimeout, Err: err}
		}
		return nil, &ProviderError{Category: ProviderErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Category: ProviderErrNetwork, Err: err}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ProviderError{Category: ProviderErrRemote, Status: resp.StatusCode, Err: fmt.Errorf("undecodable response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := "upstream error"
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		p.logger.Printf("⚠️ upstream %d for model %s: %s", resp.StatusCode, modelID, msg)
		return nil, &ProviderError{Category: ProviderErrRemote, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if len(decoded.Choices) == 0 {
		return nil, &ProviderError{Category: ProviderErrRemote, Status: resp.StatusCode, Err: errors.New("response has no choices")}
	}

	var rawAny interface{}
	_ = json.Unmarshal(raw, &rawAny)

	return &Result{
		Text:             decoded.Choices[0].Message.Content,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		Raw:              rawAny,
	}, nil
}
