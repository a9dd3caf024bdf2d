package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/handler"
	"github.com/popeskul/listing-intake/internal/middleware"
)

const maxWebhookBody = 1 << 20

type routerConfig struct {
	AppSecret  string
	AdminToken string
}

func setupRouter(h *handler.Handler, cfg routerConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.HealthCheck)

	r.Route("/webhook", func(r chi.Router) {
		r.Get("/", h.VerifyWebhook)
		r.With(middleware.Signature(cfg.AppSecret, maxWebhookBody, logger)).Post("/", h.ReceiveWebhook)
	})

	if cfg.AdminToken != "" {
		r.Post("/admin/conversations/{phone}/reset", h.ResetConversation)
	}

	return r
}

// isWebhookDelivery matches signed notification deliveries. They are acknowledged
// with 200 whatever happens, so the per-IP limiter does not apply to them.
func isWebhookDelivery(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/webhook"
}
