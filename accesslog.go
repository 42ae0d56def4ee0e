package prx

import (
	"crypto/rand"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// getOrCreateRequestID reuses an inbound X-Request-ID when present and mints
// a ULID otherwise, so access log lines stay correlatable across proxies.
func getOrCreateRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}

	t := time.Now()
	entropy := ulid.Monotonic(rand.Reader, math.MaxInt64)

	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// statusWriter records the status code and body size written to the client
// for the access log and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
