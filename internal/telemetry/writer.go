package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/bradax/broker/internal/core"
)

// Writer appends to the audit streams. Each stream has its own mutex so a
// burst of guardrail events does not serialize with lifecycle events.
type Writer struct {
	dataDir         string
	maxInteractions int
	logger          *log.Logger

	telemetryMu    sync.Mutex
	guardrailMu    sync.Mutex
	interactionsMu sync.Mutex
}

// NewWriter prepares the data directory and stream files. Missing streams
// are initialized to empty arrays so readers always see valid JSON.
func NewWriter(dataDir string, maxInteractions int) (*Writer, error) {
	w := &Writer{
		dataDir:         dataDir,
		maxInteractions: maxInteractions,
		logger:          log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "raw", "responses"), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: prepare data dir: %w", err)
	}
	for _, name := range []string{"telemetry.json", "guardrail_events.json", "interactions.json"} {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
				return nil, fmt.Errorf("telemetry: init %s: %w", name, err)
			}
		}
	}
	return w, nil
}

func (w *Writer) telemetryPath() string    { return filepath.Join(w.dataDir, "telemetry.json") }
func (w *Writer) guardrailPath() string    { return filepath.Join(w.dataDir, "guardrail_events.json") }
func (w *Writer) interactionsPath() string { return filepath.Join(w.dataDir, "interactions.json") }

// appendRecord reads the stream, appends one record, optionally trims the
// oldest entries down to cap, and replaces the file atomically.
func (w *Writer) appendRecord(path string, record interface{}, limit int) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("telemetry: read %s: %w", path, err)
		}
		raw = []byte("[]")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("telemetry: %s is corrupt: %w", path, err)
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("telemetry: encode record: %w", err)
	}
	items = append(items, encoded)

	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}

	out, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("telemetry: encode stream: %w", err)
	}
	return writeFileAtomic(path, out)
}

func (w *Writer) appendEvent(ev Event) error {
	w.telemetryMu.Lock()
	defer w.telemetryMu.Unlock()
	return w.appendRecord(w.telemetryPath(), ev, 0)
}

// dropEvent is the fallback for sink-bound records whose interfaces carry
// no error return.
func (w *Writer) dropEvent(ev Event) {
	if err := w.appendEvent(ev); err != nil {
		w.logger.Printf("⚠️ drop %s event: %v", ev.EventType, err)
	}
}

// RecordRequestStart logs request ingress with the SDK attribution headers.
// The event is durable on disk before return.
func (w *Writer) RecordRequestStart(rc *core.RequestContext) error {
	return w.appendEvent(Event{
		EventID:   newEventID(),
		EventType: EventRequestStart,
		Timestamp: nowStamp(),
		RequestID: rc.RequestID,
		ProjectID: rc.ProjectID,
		ModelID:   rc.ModelID,
		Data: map[string]interface{}{
			"payload_hash":        rc.PayloadHash,
			"sdk_version":         rc.Telemetry.SDKVersion,
			"machine_fingerprint": rc.Telemetry.MachineFingerprint,
			"session_id":          rc.Telemetry.SessionID,
			"environment":         rc.Telemetry.Environment,
			"platform":            rc.Telemetry.Platform,
			"interpreter_version": rc.Telemetry.InterpreterVersion,
		},
	})
}

// RecordRequestComplete logs the terminal outcome of a request.
func (w *Writer) RecordRequestComplete(requestID, projectID, modelID string, durationMS int64, usage core.Usage, guardrailsTriggered bool) error {
	return w.appendEvent(Event{
		EventID:    newEventID(),
		EventType:  EventRequestComplete,
		Timestamp:  nowStamp(),
		RequestID:  requestID,
		ProjectID:  projectID,
		ModelID:    modelID,
		DurationMS: durationMS,
		Data: map[string]interface{}{
			"prompt_tokens":        usage.PromptTokens,
			"completion_tokens":    usage.CompletionTokens,
			"total_tokens":         usage.TotalTokens,
			"cost_usd":             usage.CostUSD,
			"guardrails_triggered": guardrailsTriggered,
		},
	})
}

// RecordError logs a handled failure with its category. Messages must not
// contain request or response content.
func (w *Writer) RecordError(requestID, projectID, category, message string) error {
	return w.appendEvent(Event{
		EventID:   newEventID(),
		EventType: EventError,
		Timestamp: nowStamp(),
		RequestID: requestID,
		ProjectID: projectID,
		Data: map[string]interface{}{
			"category": category,
			"message":  message,
		},
	})
}

// RecordAuthentication logs token issuance and verification outcomes. It
// never receives secrets, only outcomes.
func (w *Writer) RecordAuthentication(projectID string, success bool, reason string) {
	w.dropEvent(Event{
		EventID:   newEventID(),
		EventType: EventAuthentication,
		Timestamp: nowStamp(),
		ProjectID: projectID,
		Data: map[string]interface{}{
			"success": success,
			"reason":  reason,
		},
	})
}

// RecordBypassAttempt logs a request refused for missing or malformed SDK
// attribution headers, before any authentication ran.
func (w *Writer) RecordBypassAttempt(remoteAddr, path, reason string, missing []string) {
	w.dropEvent(Event{
		EventID:   newEventID(),
		EventType: EventBypassAttempt,
		Timestamp: nowStamp(),
		Data: map[string]interface{}{
			"remote_addr":     remoteAddr,
			"path":            path,
			"reason":          reason,
			"missing_headers": missing,
		},
	})
}

// RecordGuardrailTrigger appends one guardrail event per triggered rule.
func (w *Writer) RecordGuardrailTrigger(requestID, projectID, ruleID, action, severity, contentType, details string) {
	w.guardrailMu.Lock()
	defer w.guardrailMu.Unlock()
	ev := GuardrailEvent{
		EventID:     newEventID(),
		Timestamp:   nowStamp(),
		RequestID:   requestID,
		ProjectID:   projectID,
		RuleID:      ruleID,
		Action:      action,
		Severity:    severity,
		ContentType: contentType,
		Details:     details,
	}
	if err := w.appendRecord(w.guardrailPath(), ev, 0); err != nil {
		w.logger.Printf("⚠️ drop guardrail event for rule %s: %v", ruleID, err)
	}
}

// RecordEngineError logs a guardrail evaluation failure as a critical
// internal error event.
func (w *Writer) RecordEngineError(requestID, projectID, ruleID, contentType string, err error) {
	w.dropEvent(Event{
		EventID:   newEventID(),
		EventType: EventError,
		Timestamp: nowStamp(),
		RequestID: requestID,
		ProjectID: projectID,
		Data: map[string]interface{}{
			"category":     core.CategoryInternal,
			"severity":     "critical",
			"rule_id":      ruleID,
			"content_type": contentType,
			"message":      err.Error(),
		},
	})
}

// RecordInteraction appends one pipeline stage record, evicting the oldest
// entries beyond the configured cap.
func (w *Writer) RecordInteraction(requestID, projectID, stage string, data map[string]interface{}) {
	w.interactionsMu.Lock()
	defer w.interactionsMu.Unlock()
	rec := Interaction{
		InteractionID: newEventID(),
		Timestamp:     nowStamp(),
		RequestID:     requestID,
		ProjectID:     projectID,
		Stage:         stage,
		Data:          data,
	}
	if err := w.appendRecord(w.interactionsPath(), rec, w.maxInteractions); err != nil {
		w.logger.Printf("⚠️ drop interaction %s/%s: %v", requestID, stage, err)
	}
}

// CaptureRawResponse stores the unmodified provider response (or error
// detail) for audit under raw/responses/<request_id>.json.
func (w *Writer) CaptureRawResponse(requestID string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("telemetry: encode raw capture: %w", err)
	}
	path := filepath.Join(w.dataDir, "raw", "responses", requestID+".json")
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	return nil
}

// IngestEvent accepts an SDK-reported event and appends it to the main
// stream. Missing ids and timestamps are filled server-side so clients
// cannot forge ordering.
func (w *Writer) IngestEvent(ev Event) error {
	if ev.EventType == "" {
		return fmt.Errorf("telemetry: event_type is required")
	}
	ev.EventID = newEventID()
	ev.Timestamp = nowStamp()

	w.telemetryMu.Lock()
	defer w.telemetryMu.Unlock()
	return w.appendRecord(w.telemetryPath(), ev, 0)
}

// Reload re-checks that the data directory and streams are usable. Array
// files need no re-open; this is the operator hook after manual edits.
func (w *Writer) Reload() error {
	for _, path := range []string{w.telemetryPath(), w.guardrailPath(), w.interactionsPath()} {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("telemetry: reload: %w", err)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("telemetry: reload: %s is corrupt: %w", path, err)
		}
	}
	return nil
}

// Aggregate summarizes the telemetry stream, optionally filtered to one
// project. Intended for the operator telemetry endpoint, not hot paths.
func (w *Writer) Aggregate(projectID string) (map[string]interface{}, error) {
	w.telemetryMu.Lock()
	raw, err := os.ReadFile(w.telemetryPath())
	w.telemetryMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("telemetry: read stream: %w", err)
	}

	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("telemetry: stream is corrupt: %w", err)
	}

	var starts, completes, errCount int
	var totalDuration, totalTokens int64
	var totalCost float64
	byType := make(map[string]int)
	byModel := make(map[string]int)

	for _, ev := range events {
		if projectID != "" && ev.ProjectID != projectID {
			continue
		}
		byType[ev.EventType]++
		switch ev.EventType {
		case EventRequestStart:
			starts++
		case EventRequestComplete:
			completes++
			if ev.ModelID != "" {
				byModel[ev.ModelID]++
			}
			totalDuration += ev.DurationMS
			if v, ok := ev.Data["total_tokens"].(float64); ok {
				totalTokens += int64(v)
			}
			if v, ok := ev.Data["cost_usd"].(float64); ok {
				totalCost += v
			}
		case EventError:
			errCount++
		}
	}

	summary := map[string]interface{}{
		"events_total":      len(events),
		"events_by_type":    byType,
		"requests_by_model": byModel,
		"requests_started":  starts,
		"requests_done":     completes,
		"errors":            errCount,
		"total_tokens":      totalTokens,
		"total_cost_usd":    totalCost,
	}
	if completes > 0 {
		summary["avg_duration_ms"] = totalDuration / int64(completes)
	}
	if projectID != "" {
		summary["project_id"] = projectID
	}
	return summary, nil
}

// writeFileAtomic writes via a fsynced sibling temp file and rename, so a
// crash mid-write never leaves a truncated stream.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("atomic write: rename: %w", err)
	}
	return nil
}
