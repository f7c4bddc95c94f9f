package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradax/broker/internal/metrics"
)

func sdkRequest(method, target string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, target, body)
	r.Header.Set("User-Agent", "bradax-sdk/1.2.3")
	r.Header.Set(HeaderSDKVersion, "1.2.3")
	r.Header.Set(HeaderFingerprint, "fp-0001")
	r.Header.Set(HeaderSessionID, "sess-0001")
	r.Header.Set(HeaderTelemetryEnabled, "true")
	r.Header.Set(HeaderEnvironment, "testing")
	r.Header.Set(HeaderPlatform, "linux")
	r.Header.Set(HeaderInterpreterVersion, "3.12.1")
	return r
}

type bypassCapture struct {
	attempts int
	reason   string
	missing  []string
}

func (b *bypassCapture) RecordBypassAttempt(remoteAddr, path, reason string, missing []string) {
	b.attempts++
	b.reason = reason
	b.missing = missing
}

func TestTelemetryValidatorPassesCompleteHeaders(t *testing.T) {
	sink := &bypassCapture{}
	called := false
	h := NewTelemetryValidator(sink).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		th := TelemetryHeadersFrom(r.Context())
		assert.Equal(t, "sess-0001", th.SessionID)
		assert.Equal(t, "1.2.3", th.SDKVersion)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sdkRequest(http.MethodPost, "/api/v1/llm/invoke", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, sink.attempts)
}

func TestTelemetryValidatorRejectsMissingHeaders(t *testing.T) {
	sink := &bypassCapture{}
	h := NewTelemetryValidator(sink).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	r := sdkRequest(http.MethodPost, "/api/v1/llm/invoke", nil)
	r.Header.Del(HeaderSessionID)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1, sink.attempts)
	assert.Contains(t, sink.missing, HeaderSessionID)
}

func TestTelemetryValidatorRejectsDisabledTelemetryAndBadAgent(t *testing.T) {
	sink := &bypassCapture{}
	h := NewTelemetryValidator(sink).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := sdkRequest(http.MethodPost, "/api/v1/llm/invoke", nil)
	r.Header.Set(HeaderTelemetryEnabled, "false")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "telemetry disabled", sink.reason)

	r = sdkRequest(http.MethodPost, "/api/v1/llm/invoke", nil)
	r.Header.Set("User-Agent", "curl/8.0")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unrecognized user agent", sink.reason)
}

func TestTelemetryValidatorNeverReadsBody(t *testing.T) {
	sink := &bypassCapture{}
	h := NewTelemetryValidator(sink).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	body := &readTracker{Reader: strings.NewReader(`{"operation":"chat"}`)}
	r := sdkRequest(http.MethodPost, "/api/v1/llm/invoke", body)
	r.Header.Del(HeaderSDKVersion)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, body.read, "validator must decide on headers alone")
}

type readTracker struct {
	io.Reader
	read bool
}

func (rt *readTracker) Read(p []byte) (int, error) {
	rt.read = true
	return rt.Reader.Read(p)
}

func TestRateLimiterMinuteWindow(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 3, RequestsPerHour: 100, MaxConcurrent: 5}, m)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/llm/models", nil)
		r.RemoteAddr = "10.1.1.1:5000"
		h.ServeHTTP(last, r)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "3", last.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	// Another client is unaffected.
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/llm/models", nil)
	r.RemoteAddr = "10.1.1.2:5000"
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterConcurrencyCap(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 100, RequestsPerHour: 1000, MaxConcurrent: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))

	go func() {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "10.2.2.2:5000"
		h.ServeHTTP(httptest.NewRecorder(), r)
	}()
	<-started

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "10.2.2.3:5000"
	h.ServeHTTP(rec, r)
	close(release)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiterRejectsBeforeLogging(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, RequestsPerHour: 100, MaxConcurrent: 5}, nil)
	defer rl.Stop()

	called := 0
	// Limiter wraps the logger, matching the server chain.
	h := rl.Middleware(RequestLogger(metrics.New(prometheus.NewRegistry()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
	})))

	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		last = httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "10.3.3.3:5000"
		h.ServeHTTP(last, r)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, 1, called)
	// The logger never ran for the rejection, so no request id was assigned.
	assert.Empty(t, last.Header().Get(RequestIDHeader))
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 100, MaxConcurrent: 5}, nil)
	rl.Stop()
	rl.Stop()

	// Enforcement survives Stop.
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "10.4.4.4:5000"
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrustedHosts(t *testing.T) {
	h := TrustedHosts([]string{"broker.internal"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Host = "broker.internal:8000"
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Host = "evil.example.com"
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	wildcard := TrustedHosts([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Host = "anything.example.com"
	wildcard.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestRequestLoggerAssignsRequestID(t *testing.T) {
	var seen string
	h := RequestLogger(metrics.New(prometheus.NewRegistry()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	// A client-supplied id is preserved.
	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(RequestIDHeader, "client-id-1")
	h.ServeHTTP(rec, r)
	assert.Equal(t, "client-id-1", seen)
}
