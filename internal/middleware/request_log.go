package middleware

import (
	"net/http"
	"time"

	"github.com/chatsync/internal/logger"
)

// RequestLog пишет method, path, код ответа и длительность. Ошибки 5xx — уровнем warn.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
			return
		}
		logger.Debugf("http %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}
