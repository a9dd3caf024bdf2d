package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// Signature rejects POST bodies whose X-Hub-Signature-256 is not the HMAC-SHA256 of
// the body under secret. An empty secret disables the check. The body is restored
// for the next handler.
func Signature(secret string, maxBody int64, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			_ = r.Body.Close()
			if err != nil {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]interface{}{
					"error":   ErrorCodeBadRequest,
					"message": ErrorMessageBadRequest,
				})
				return
			}

			if !ValidSignature(secret, body, r.Header.Get(SignatureHeader)) {
				logger.Warn("Webhook signature mismatch",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("path", r.URL.Path))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, map[string]interface{}{
					"error":   ErrorCodeInvalidSignature,
					"message": ErrorMessageInvalidSignature,
				})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// ValidSignature reports whether header carries the sha256 HMAC of body.
func ValidSignature(secret string, body []byte, header string) bool {
	hexSum, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value for body. Used by tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
