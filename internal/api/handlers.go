package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/bradax/broker/internal/auth"
	"github.com/bradax/broker/internal/core"
	"github.com/bradax/broker/internal/middleware"
	"github.com/bradax/broker/internal/project"
	"github.com/bradax/broker/internal/telemetry"
)

// maxBodyBytes bounds request bodies; prompts are small relative to this.
const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- Auth ---

type tokenRequest struct {
	ProjectID string `json:"project_id"`
	APIKey    string `json:"api_key"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "project_id and api_key are required")
		return
	}

	token, expiresAt, err := s.auth.IssueToken(req.ProjectID, req.APIKey)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnknownProject), errors.Is(err, auth.ErrInvalidAPIKey):
			writeError(w, http.StatusUnauthorized, "invalid project credentials")
		case errors.Is(err, auth.ErrProjectInactive):
			writeError(w, http.StatusForbidden, "project is not active")
		default:
			writeError(w, http.StatusInternalServerError, "token issuance failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	// An empty body is fine: the token may arrive as a bearer header only.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
	}
	if req.Token == "" {
		if t, ok := bearerToken(r); ok {
			req.Token = t
		}
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	principal, err := s.auth.VerifyToken(req.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"valid": false,
			"error": verifyErrorMessage(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      true,
		"project_id": principal.ProjectID,
		"scopes":     principal.Scopes,
		"expires_at": principal.ExpiresAt.Format(time.RFC3339),
	})
}

func verifyErrorMessage(err error) string {
	if errors.Is(err, auth.ErrExpiredToken) {
		return "token expired"
	}
	return "invalid token"
}

// --- LLM ---

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var req core.InvokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = middleware.RequestIDFrom(r.Context())
	}

	// A token for one project must not invoke on behalf of another.
	if req.ProjectID != "" && !strings.EqualFold(req.ProjectID, principal.ProjectID) {
		if err := s.telemetry.RecordError(requestID, principal.ProjectID, core.CategoryAuthentication,
			"token project does not match request project"); err != nil {
			s.logger.Printf("⚠️ error event lost for %s: %v", requestID, err)
		}
		writeError(w, http.StatusUnauthorized, "token project does not match request project")
		return
	}

	rc := &core.RequestContext{
		RequestID:   requestID,
		ProjectID:   principal.ProjectID,
		ModelID:     req.Model,
		PayloadHash: core.HashPayload(body),
		IngressAt:   time.Now().UTC(),
		Telemetry:   middleware.TelemetryHeadersFrom(r.Context()),
	}
	if err := s.telemetry.RecordRequestStart(rc); err != nil {
		s.logger.Printf("⚠️ request_start event lost for %s: %v", requestID, err)
	}
	s.telemetry.RecordInteraction(rc.RequestID, rc.ProjectID, core.StageAuth, map[string]interface{}{
		"organization": principal.Organization,
	})

	resp := s.orchestrator.Invoke(r.Context(), rc, &req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())

	models := s.catalog.List()
	allowed := models
	if p, ok := s.projects.Get(principal.ProjectID); ok {
		allowed = allowed[:0:0]
		for _, m := range models {
			if p.AllowsModel(m.ModelID) {
				allowed = append(allowed, m)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": allowed,
		"count":  len(allowed),
	})
}

// --- Projects (operator surface) ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects": s.projects.List(),
	})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["project_id"]
	p, ok := s.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpsertProject(w http.ResponseWriter, r *http.Request) {
	var p project.Project
	if !decodeBody(w, r, &p) {
		return
	}

	created := false
	if existing, exists := s.projects.Get(p.ProjectID); exists {
		// Updates keep the stored credential unless a new hash is given.
		if p.APIKeyHash == "" {
			p.APIKeyHash = existing.APIKeyHash
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
	} else {
		created = true
		// Mint credentials for new projects; the key is returned once.
		if p.APIKeyHash == "" {
			key, hash, err := auth.GenerateAPIKey(p.ProjectID, "default")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "key generation failed")
				return
			}
			p.APIKeyHash = hash
			if err := s.projects.Save(&p); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"project": p,
				"api_key": key,
			})
			return
		}
	}

	if err := s.projects.Save(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["project_id"]
	if err := s.projects.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// --- System ---

func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.telemetry.Aggregate(r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "telemetry aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTelemetryIngest(w http.ResponseWriter, r *http.Request) {
	var ev telemetry.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := s.telemetry.IngestEvent(ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// handleReload re-reads the on-disk stores after operator edits. Any
// failure leaves the serving snapshots untouched.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	results := map[string]string{}
	ok := true
	for name, reload := range map[string]func() error{
		"projects":   s.projects.Reload,
		"guardrails": s.rules.Reload,
		"telemetry":  s.telemetry.Reload,
	} {
		if err := reload(); err != nil {
			ok = false
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, results)
}

func (s *Server) handleGuardrailStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Stats())
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "bradax-broker",
		"environment": s.cfg.Env,
		"models":      len(s.catalog.List()),
		"projects":    len(s.projects.List()),
		"guardrails":  s.rules.Stats(),
	})
}

// decodeBody parses a JSON body, replying 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return false
	}
	return true
}
