// Package core holds the domain types shared across the broker pipeline:
// the invocation wire shapes, the per-request context, and the stable
// reason-code / error-category vocabulary.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Reason codes carried by fail-soft envelopes. These are part of the wire
// contract; clients branch on them instead of retrying blindly.
const (
	ReasonGuardrailBlocked = "guardrail_blocked"
	ReasonPolicyBlocked    = "policy_blocked"
	ReasonProviderError    = "provider_error"
	ReasonProviderTimeout  = "provider_timeout"
	ReasonValidationError  = "validation_error"
)

// Error categories used uniformly in telemetry and logs.
const (
	CategoryValidation     = "validation"
	CategoryAuthentication = "authentication"
	CategoryAuthorization  = "authorization"
	CategoryRateLimited    = "rate_limited"
	CategoryGuardrail      = "guardrail_blocked"
	CategoryProvider       = "provider_error"
	CategoryInternal       = "internal"
)

// Pipeline stages recorded in the interaction stream.
const (
	StageAuth         = "auth"
	StagePolicy       = "policy"
	StageGuardIn      = "guard_in"
	StageProviderCall = "provider_call"
	StageGuardOut     = "guard_out"
	StageComplete     = "complete"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokePayload is the model-facing part of an invocation request.
// "messages" is the primary shape; "prompt" is accepted for compatibility
// and converted to a single user message.
type InvokePayload struct {
	Messages    []Message `json:"messages,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// InvokeRequest is the broker-facing invocation contract (wire v1).
type InvokeRequest struct {
	Operation        string        `json:"operation"`
	Model            string        `json:"model"`
	Payload          InvokePayload `json:"payload"`
	ProjectID        string        `json:"project_id"`
	CustomGuardrails []CustomRule  `json:"custom_guardrails,omitempty"`
	RequestID        string        `json:"request_id,omitempty"`
}

// CustomRule is a caller-supplied guardrail rule. It is validated and
// composed into a transient rule set for the request; it never reaches the
// shared rule store.
type CustomRule struct {
	RuleID   string            `json:"rule_id"`
	Category string            `json:"category,omitempty"`
	Severity string            `json:"severity,omitempty"`
	Action   string            `json:"action,omitempty"`
	Patterns map[string]string `json:"patterns,omitempty"`
	Keywords []string          `json:"keywords,omitempty"`
}

// Usage reports token consumption and estimated cost for one invocation.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// InvokeResponse is the response envelope. Handled failures keep HTTP 200
// with Success=false and a stable ReasonCode (fail-soft).
type InvokeResponse struct {
	Success             bool     `json:"success"`
	RequestID           string   `json:"request_id"`
	ModelUsed           string   `json:"model_used"`
	ReasonCode          string   `json:"reason_code,omitempty"`
	Content             string   `json:"content,omitempty"`
	Usage               *Usage   `json:"usage,omitempty"`
	GuardrailsTriggered bool     `json:"guardrails_triggered,omitempty"`
	TriggeredRules      []string `json:"triggered_rules,omitempty"`
}

// TelemetryHeaders are the mandatory SDK attribution headers, captured once
// at ingress and carried in the request context.
type TelemetryHeaders struct {
	SDKVersion         string
	MachineFingerprint string
	SessionID          string
	Environment        string
	Platform           string
	InterpreterVersion string
}

// RequestContext is the ephemeral per-request record. It is owned by the
// handler goroutine and never shared across requests.
type RequestContext struct {
	RequestID   string
	ProjectID   string
	ModelID     string
	PayloadHash string
	IngressAt   time.Time
	Telemetry   TelemetryHeaders
}

// HashPayload fingerprints an inbound payload for audit correlation.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
