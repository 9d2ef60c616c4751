package httpapi

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/schema"
)

type responseRecorder struct {
	status int
	bytes  int64
	writer http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header {
	return r.writer.Header()
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.writer.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.writer.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.writer.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so WebSocket upgrades work behind the recorder.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.writer.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

type identityLookupFunc func(*http.Request) (id schema.Identity, role schema.Role)

func withRequestLogging(next http.Handler, lookup identityLookupFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var id schema.Identity
		var role schema.Role
		if lookup != nil {
			id, role = lookup(r)
		}
		rec := &responseRecorder{writer: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if r.URL.RawQuery != "" {
			query := r.URL.Query()
			if query.Get("token") != "" {
				query.Set("token", "redacted")
			}
			path = path + "?" + query.Encode()
		}
		logger := pslog.Ctx(r.Context()).With("remote", clientIP(r))
		if id != "" {
			logger = logger.With("identity", id.Short())
		}
		if role != "" {
			logger = logger.With("role", role)
		}
		logger.Info("http request", "method", r.Method, "path", path, "status", status, "bytes", rec.bytes, "duration_ms", time.Since(start).Milliseconds())
		logger.Debug("http request details", "ua", r.UserAgent())
	})
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return r.RemoteAddr
}
