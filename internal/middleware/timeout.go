package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Timeout attaches a deadline to the request context. The handler runs on the
// request goroutine; if it returns after the deadline without writing anything,
// the middleware answers 408.
func Timeout(timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			if !wrapped.written && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				render.Status(r, http.StatusRequestTimeout)
				render.JSON(w, r, map[string]interface{}{
					"error":   ErrorCodeRequestTimeout,
					"message": ErrorMessageRequestTimeout,
				})
			}
		})
	}
}
