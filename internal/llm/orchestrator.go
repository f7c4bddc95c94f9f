package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bradax/broker/internal/core"
	"github.com/bradax/broker/internal/guardrail"
	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/project"
	"github.com/bradax/broker/internal/registry"
	"github.com/bradax/broker/internal/telemetry"
)

// Supported operations. stream and batch are recognized but refused until
// the SDK grows support for them.
const (
	OperationChat       = "chat"
	OperationCompletion = "completion"
	OperationStream     = "stream"
	OperationBatch      = "batch"
)

// blockedModelMarker is reported as model_used when a guardrail block
// prevented or discarded a completion.
const blockedModelMarker = "guardrail_blocked"

// Orchestrator runs one invocation end to end. All outcomes that are
// handled policy or provider failures return an envelope with HTTP
// semantics left to the caller (fail-soft).
type Orchestrator struct {
	providers map[string]Provider
	catalog   *registry.Catalog
	projects  *project.Store
	rules     *guardrail.Store
	engine    *guardrail.Engine
	// scrubber runs silent re-evaluations for sanitization so events are
	// emitted exactly once per trigger.
	scrubber  *guardrail.Engine
	telemetry *telemetry.Writer
	metrics   *metrics.Metrics
	breaker   *Breaker
	timeout   time.Duration
	logger    *log.Logger
}

// NewOrchestrator wires the pipeline. providers maps catalog provider
// names to implementations.
func NewOrchestrator(
	providers map[string]Provider,
	catalog *registry.Catalog,
	projects *project.Store,
	rules *guardrail.Store,
	engine *guardrail.Engine,
	tw *telemetry.Writer,
	m *metrics.Metrics,
	timeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		providers: providers,
		catalog:   catalog,
		projects:  projects,
		rules:     rules,
		engine:    engine,
		scrubber:  guardrail.NewEngine(nil),
		telemetry: tw,
		metrics:   m,
		breaker:   NewBreaker(DefaultBreakerConfig()),
		timeout:   timeout,
		logger:    log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

// Invoke runs the pipeline for an authenticated request. rc.ProjectID is
// the authenticated project; req.ProjectID was already cross-checked by
// the handler.
func (o *Orchestrator) Invoke(ctx context.Context, rc *core.RequestContext, req *core.InvokeRequest) *core.InvokeResponse {
	start := time.Now()
	projectID := rc.ProjectID

	messages, failReason := normalizeRequest(req)
	if failReason != "" {
		return o.failSoft(rc, start, req.Model, core.ReasonValidationError, core.CategoryValidation, failReason, nil)
	}

	// Policy gate: project standing, model allow-list, catalog, budget.
	if reason := o.checkPolicy(projectID, req.Model); reason != "" {
		o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StagePolicy, map[string]interface{}{
			"model":  req.Model,
			"reason": reason,
		})
		return o.failSoft(rc, start, req.Model, core.ReasonPolicyBlocked, core.CategoryAuthorization, reason, nil)
	}
	o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StagePolicy, map[string]interface{}{"model": req.Model})

	rules, err := guardrail.ComposeRules(o.rules.Rules(), req.CustomGuardrails)
	if err != nil {
		return o.failSoft(rc, start, req.Model, core.ReasonValidationError, core.CategoryValidation, err.Error(), nil)
	}

	// Inbound guardrails.
	inbound := joinContents(messages)
	inRes := o.engine.Evaluate(rc.RequestID, projectID, inbound, guardrail.ContentTypePrompt, rules)
	o.recordGuardrailMetrics(inRes, guardrail.ContentTypePrompt)
	o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StageGuardIn, map[string]interface{}{
		"action":          inRes.ActionName,
		"triggered_rules": inRes.TriggeredRules,
	})
	if !inRes.Allowed {
		return o.failSoft(rc, start, blockedModelMarker, core.ReasonGuardrailBlocked, core.CategoryGuardrail, inRes.Reason, inRes.TriggeredRules)
	}
	if inRes.Action == guardrail.ActionSanitize {
		messages = o.sanitizeMessages(messages, rules)
	}

	// Provider call under the configured timeout.
	model, _ := o.catalog.Get(req.Model)
	provider := o.providerFor(model.Provider)
	if provider == nil {
		return o.failSoft(rc, start, req.Model, core.ReasonProviderError, core.CategoryProvider,
			fmt.Sprintf("no provider registered for %q", model.Provider), inRes.TriggeredRules)
	}
	if !o.breaker.Allow() {
		return o.failSoft(rc, start, req.Model, core.ReasonProviderError, core.CategoryProvider, ErrBreakerOpen.Error(), inRes.TriggeredRules)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	callStart := time.Now()
	result, err := provider.Invoke(callCtx, req.Model, messages, Params{
		MaxTokens:   req.Payload.MaxTokens,
		Temperature: req.Payload.Temperature,
	})
	cancel()
	if o.metrics != nil {
		o.metrics.ProviderLatency.WithLabelValues(provider.Name(), req.Model).Observe(time.Since(callStart).Seconds())
	}

	if err != nil {
		o.breaker.OnFailure()
		reason := core.ReasonProviderError
		if IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			reason = core.ReasonProviderTimeout
		}
		_ = o.telemetry.CaptureRawResponse(rc.RequestID, map[string]interface{}{
			"error":    err.Error(),
			"model":    req.Model,
			"provider": provider.Name(),
		})
		o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StageProviderCall, map[string]interface{}{
			"provider": provider.Name(),
			"error":    err.Error(),
		})
		return o.failSoft(rc, start, req.Model, reason, core.CategoryProvider, err.Error(), inRes.TriggeredRules)
	}
	o.breaker.OnSuccess()
	if err := o.telemetry.CaptureRawResponse(rc.RequestID, result.Raw); err != nil {
		o.logger.Printf("⚠️ raw capture failed for %s: %v", rc.RequestID, err)
	}
	o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StageProviderCall, map[string]interface{}{
		"provider":          provider.Name(),
		"prompt_tokens":     result.PromptTokens,
		"completion_tokens": result.CompletionTokens,
	})

	// Outbound guardrails.
	content := result.Text
	outRes := o.engine.Evaluate(rc.RequestID, projectID, content, guardrail.ContentTypeResponse, rules)
	o.recordGuardrailMetrics(outRes, guardrail.ContentTypeResponse)
	o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StageGuardOut, map[string]interface{}{
		"action":          outRes.ActionName,
		"triggered_rules": outRes.TriggeredRules,
	})

	triggered := append(append([]string{}, inRes.TriggeredRules...), outRes.TriggeredRules...)
	anyTriggered := len(triggered) > 0

	if !outRes.Allowed {
		return o.failSoft(rc, start, blockedModelMarker, core.ReasonGuardrailBlocked, core.CategoryGuardrail, outRes.Reason, triggered)
	}
	if outRes.Action == guardrail.ActionSanitize && outRes.SanitizedContent != "" {
		content = outRes.SanitizedContent
	}

	usage := &core.Usage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.PromptTokens + result.CompletionTokens,
		CostUSD:          o.catalog.EstimateCost(req.Model, result.PromptTokens, result.CompletionTokens),
	}

	durationMS := time.Since(start).Milliseconds()
	if err := o.telemetry.RecordRequestComplete(rc.RequestID, projectID, req.Model, durationMS, *usage, anyTriggered); err != nil {
		o.logger.Printf("⚠️ request_complete event lost for %s: %v", rc.RequestID, err)
	}
	o.telemetry.RecordInteraction(rc.RequestID, projectID, core.StageComplete, map[string]interface{}{
		"duration_ms":  durationMS,
		"total_tokens": usage.TotalTokens,
	})
	if o.metrics != nil {
		o.metrics.InvocationsTotal.WithLabelValues(projectID, req.Model, "success").Inc()
		o.metrics.TokensTotal.WithLabelValues(projectID, "prompt").Add(float64(usage.PromptTokens))
		o.metrics.TokensTotal.WithLabelValues(projectID, "completion").Add(float64(usage.CompletionTokens))
	}

	return &core.InvokeResponse{
		Success:             true,
		RequestID:           rc.RequestID,
		ModelUsed:           req.Model,
		Content:             content,
		Usage:               usage,
		GuardrailsTriggered: anyTriggered,
		TriggeredRules:      triggered,
	}
}

// checkPolicy returns a refusal reason, or "" when the project may call
// the model.
func (o *Orchestrator) checkPolicy(projectID, modelID string) string {
	p, ok := o.projects.Get(projectID)
	if !ok {
		return "unknown project"
	}
	if !p.IsActive() {
		return "project is " + string(p.Status)
	}
	if modelID == "" {
		return "model is required"
	}
	if !p.AllowsModel(modelID) {
		return fmt.Sprintf("model %q is not on the project allow-list", modelID)
	}
	m, ok := o.catalog.Get(modelID)
	if !ok || !m.Enabled {
		return fmt.Sprintf("model %q is not available", modelID)
	}
	if p.BudgetRemaining <= 0 {
		return "project budget exhausted"
	}
	return ""
}

func (o *Orchestrator) providerFor(name string) Provider {
	if p, ok := o.providers[name]; ok {
		return p
	}
	if p, ok := o.providers["default"]; ok {
		return p
	}
	return nil
}

// sanitizeMessages re-runs evaluation per message without emitting events
// and substitutes redacted content where a sanitize rule fired.
func (o *Orchestrator) sanitizeMessages(messages []core.Message, rules []*guardrail.CompiledRule) []core.Message {
	out := make([]core.Message, len(messages))
	copy(out, messages)
	for i := range out {
		res := o.scrubber.Evaluate("", "", out[i].Content, guardrail.ContentTypePrompt, rules)
		if res.Action == guardrail.ActionSanitize && res.SanitizedContent != "" {
			out[i].Content = res.SanitizedContent
		}
	}
	return out
}

func (o *Orchestrator) recordGuardrailMetrics(res guardrail.Result, contentType string) {
	if o.metrics == nil {
		return
	}
	for _, ruleID := range res.TriggeredRules {
		o.metrics.GuardrailTriggers.WithLabelValues(ruleID, res.ActionName, contentType).Inc()
	}
}

// failSoft records the failure and builds the success=false envelope.
func (o *Orchestrator) failSoft(rc *core.RequestContext, start time.Time, modelUsed, reasonCode, category, message string, triggeredRules []string) *core.InvokeResponse {
	durationMS := time.Since(start).Milliseconds()
	if err := o.telemetry.RecordError(rc.RequestID, rc.ProjectID, category, message); err != nil {
		o.logger.Printf("⚠️ error event lost for %s: %v", rc.RequestID, err)
	}
	if err := o.telemetry.RecordRequestComplete(rc.RequestID, rc.ProjectID, modelUsed, durationMS, core.Usage{}, len(triggeredRules) > 0); err != nil {
		o.logger.Printf("⚠️ request_complete event lost for %s: %v", rc.RequestID, err)
	}
	if o.metrics != nil {
		o.metrics.InvocationsTotal.WithLabelValues(rc.ProjectID, rc.ModelID, reasonCode).Inc()
	}
	o.logger.Printf("request %s for project %s failed soft: %s (%s)", rc.RequestID, rc.ProjectID, reasonCode, message)
	return &core.InvokeResponse{
		Success:             false,
		RequestID:           rc.RequestID,
		ModelUsed:           modelUsed,
		ReasonCode:          reasonCode,
		GuardrailsTriggered: len(triggeredRules) > 0,
		TriggeredRules:      triggeredRules,
	}
}

// normalizeRequest validates the operation and payload shape and returns
// the chat messages. A non-empty second return is a validation refusal.
func normalizeRequest(req *core.InvokeRequest) ([]core.Message, string) {
	switch req.Operation {
	case OperationChat, OperationCompletion:
	case OperationStream, OperationBatch:
		return nil, fmt.Sprintf("operation %q is not supported", req.Operation)
	case "":
		return nil, "operation is required"
	default:
		return nil, fmt.Sprintf("unknown operation %q", req.Operation)
	}

	messages := req.Payload.Messages
	if len(messages) == 0 {
		if strings.TrimSpace(req.Payload.Prompt) == "" {
			return nil, "payload requires messages or a prompt"
		}
		messages = []core.Message{{Role: "user", Content: req.Payload.Prompt}}
	}
	for _, m := range messages {
		if m.Role == "" || m.Content == "" {
			return nil, "each message requires a role and content"
		}
	}
	return messages, ""
}

func joinContents(messages []core.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}
