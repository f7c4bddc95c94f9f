// Package llm runs the invocation pipeline: policy checks, inbound and
// outbound guardrail evaluation, and the provider call with timeout and
// circuit breaking.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/bradax/broker/internal/core"
)

// Provider error categories for envelope mapping and telemetry.
const (
	ProviderErrTimeout = "timeout"
	ProviderErrNetwork = "network"
	ProviderErrRemote  = "remote"
)

// ProviderError wraps an upstream failure with its category. Status is the
// upstream HTTP status for remote errors, zero otherwise.
type ProviderError struct {
	Category string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s error (status %d): %v", e.Category, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s error: %v", e.Category, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Category == ProviderErrTimeout
}

// Params are the model call knobs forwarded upstream.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Result is a successful provider completion plus its raw body for audit.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Raw              interface{}
}

// Provider is a single upstream LLM backend. Implementations must honor
// the context deadline.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, modelID string, messages []core.Message, params Params) (*Result, error)
}
