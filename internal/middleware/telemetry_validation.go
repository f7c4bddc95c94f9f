package middleware

import (
	"log"
	"net/http"
	"strings"

	"github.com/bradax/broker/internal/core"
)

// Mandatory SDK attribution headers. Requests missing any of them are
// refused before authentication runs; the broker only serves the
// first-party SDK.
const (
	HeaderSDKVersion         = "x-bradax-sdk-version"
	HeaderFingerprint        = "x-bradax-machine-fingerprint"
	HeaderSessionID          = "x-bradax-session-id"
	HeaderTelemetryEnabled   = "x-bradax-telemetry-enabled"
	HeaderEnvironment        = "x-bradax-environment"
	HeaderPlatform           = "x-bradax-platform"
	HeaderInterpreterVersion = "x-bradax-python-version"
)

// userAgentPrefix is the first-party SDK user agent marker.
const userAgentPrefix = "bradax-sdk/"

var requiredHeaders = []string{
	HeaderSDKVersion,
	HeaderFingerprint,
	HeaderSessionID,
	HeaderTelemetryEnabled,
	HeaderEnvironment,
	HeaderPlatform,
	HeaderInterpreterVersion,
}

// BypassSink receives refused bypass attempts for the telemetry stream.
type BypassSink interface {
	RecordBypassAttempt(remoteAddr, path, reason string, missing []string)
}

// TelemetryValidator rejects requests that lack the SDK attribution
// headers. It inspects headers only, never the body, so nothing is
// consumed before the handler runs.
type TelemetryValidator struct {
	sink   BypassSink
	logger *log.Logger
}

// NewTelemetryValidator wires the validator to the bypass event sink.
func NewTelemetryValidator(sink BypassSink) *TelemetryValidator {
	return &TelemetryValidator{
		sink:   sink,
		logger: log.New(log.Writer(), "[SDK-CHECK] ", log.LstdFlags),
	}
}

// Middleware enforces the header contract and stashes the captured headers
// in the request context for the telemetry stream.
func (v *TelemetryValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var missing []string
		for _, h := range requiredHeaders {
			if strings.TrimSpace(r.Header.Get(h)) == "" {
				missing = append(missing, h)
			}
		}

		reason := ""
		switch {
		case len(missing) > 0:
			reason = "missing telemetry headers"
		case !strings.EqualFold(r.Header.Get(HeaderTelemetryEnabled), "true"):
			reason = "telemetry disabled"
		case !strings.HasPrefix(r.Header.Get("User-Agent"), userAgentPrefix):
			reason = "unrecognized user agent"
		}

		if reason != "" {
			v.logger.Printf("🚫 refused %s %s from %s: %s", r.Method, r.URL.Path, r.RemoteAddr, reason)
			if v.sink != nil {
				v.sink.RecordBypassAttempt(r.RemoteAddr, r.URL.Path, reason, missing)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"sdk telemetry headers are required"}`))
			return
		}

		th := core.TelemetryHeaders{
			SDKVersion:         r.Header.Get(HeaderSDKVersion),
			MachineFingerprint: r.Header.Get(HeaderFingerprint),
			SessionID:          r.Header.Get(HeaderSessionID),
			Environment:        r.Header.Get(HeaderEnvironment),
			Platform:           r.Header.Get(HeaderPlatform),
			InterpreterVersion: r.Header.Get(HeaderInterpreterVersion),
		}
		next.ServeHTTP(w, r.WithContext(WithTelemetryHeaders(r.Context(), th)))
	})
}
