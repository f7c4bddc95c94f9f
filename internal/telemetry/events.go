// Package telemetry persists the broker's audit streams: lifecycle events,
// guardrail events, interaction stage records, and raw provider captures.
// All streams are JSON files under the data directory, written atomically.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Event types in the main telemetry stream.
const (
	EventRequestStart    = "request_start"
	EventRequestComplete = "request_complete"
	EventError           = "error"
	EventAuthentication  = "authentication"
	EventBypassAttempt   = "bypass_attempt"
)

// Event is one record in telemetry.json. Timestamps are UTC ISO-8601.
type Event struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	Timestamp  string                 `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	ProjectID  string                 `json:"project_id,omitempty"`
	ModelID    string                 `json:"model_id,omitempty"`
	DurationMS int64                  `json:"duration_ms,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// GuardrailEvent is one record in guardrail_events.json. Details carry a
// bounded excerpt, never the full evaluated content.
type GuardrailEvent struct {
	EventID     string `json:"event_id"`
	Timestamp   string `json:"timestamp"`
	RequestID   string `json:"request_id"`
	ProjectID   string `json:"project_id"`
	RuleID      string `json:"rule_id"`
	Action      string `json:"action"`
	Severity    string `json:"severity"`
	ContentType string `json:"content_type"`
	Details     string `json:"details,omitempty"`
}

// Interaction is one pipeline stage record in interactions.json. The stream
// is capped; oldest records are evicted first.
type Interaction struct {
	InteractionID string                 `json:"interaction_id"`
	Timestamp     string                 `json:"timestamp"`
	RequestID     string                 `json:"request_id"`
	ProjectID     string                 `json:"project_id"`
	Stage         string                 `json:"stage"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

func newEventID() string { return uuid.NewString() }

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }
