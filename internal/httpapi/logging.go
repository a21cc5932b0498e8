package httpapi

import (
	"expvar"
	"log"
	"net/http"
	"time"
)

var (
	requestsTotal   = expvar.NewInt("requests_total")
	requestsErrors  = expvar.NewInt("requests_errors_total")
	requestsSlow    = expvar.NewInt("requests_slow_total")
	responseBytes   = expvar.NewInt("response_bytes_total")
	slowRequestOver = 2 * time.Second
)

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// LoggingMiddleware emits one line per request and keeps the expvar
// counters current. Slow requests are tagged so they can be grepped
// without a tracing backend.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := requestScope(r)
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		requestsTotal.Add(1)
		responseBytes.Add(rec.bytes)
		if rec.status >= http.StatusBadRequest {
			requestsErrors.Add(1)
		}
		tag := ""
		if elapsed > slowRequestOver {
			requestsSlow.Add(1)
			tag = " slow=true"
		}
		log.Printf("request method=%s path=%s status=%d bytes=%d duration_ms=%d salon=%s request_id=%s%s",
			r.Method, r.URL.Path, rec.status, rec.bytes, elapsed.Milliseconds(), scope.salonID, scope.requestID, tag)
	})
}
