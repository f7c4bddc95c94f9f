package middleware

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bradax/broker/internal/metrics"
)

// RequestIDHeader carries the correlation id on requests and responses.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger assigns a request id when the client did not send one,
// logs one line per request, and feeds the HTTP metrics. Bodies are never
// logged.
func RequestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(WithRequestID(r.Context(), requestID)))

			elapsed := time.Since(start)
			if m != nil {
				m.RequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.status)).Inc()
				m.RequestDuration.WithLabelValues(r.URL.Path).Observe(elapsed.Seconds())
			}
			logger.Printf("%s %s status=%d duration=%s request_id=%s remote=%s",
				r.Method, r.URL.Path, rec.status, elapsed.Round(time.Millisecond), requestID, r.RemoteAddr)
		})
	}
}
