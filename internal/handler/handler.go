// Package handler provides HTTP request handlers for the application.
package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/intake"
	"github.com/popeskul/listing-intake/internal/middleware"
	"github.com/popeskul/listing-intake/internal/models"
	"github.com/popeskul/listing-intake/internal/service"
)

const maxWebhookBody = 1 << 20

const (
	errorCodeInvalidEnvelope = "INVALID_ENVELOPE"
	errorCodeVerifyFailed    = "VERIFICATION_FAILED"
	errorCodeUnauthorized    = "UNAUTHORIZED"
	errorCodeInvalidPhone    = "INVALID_PHONE"
)

const (
	errorMessageInvalidEnvelope = "Webhook body is not a valid notification"
	errorMessageVerifyFailed    = "Verify token does not match"
	errorMessageUnauthorized    = "Admin token missing or invalid"
	errorMessageInvalidPhone    = "Phone number is required"
	errorMessageFailedToReset   = "Failed to reset conversation"
)

const resetMessage = "Conversation reset"

// Options holds the shared secrets the handler checks.
type Options struct {
	VerifyToken string
	// AdminToken disables the admin routes when empty.
	AdminToken string
}

type Handler struct {
	service *service.Service
	opts    Options
	logger  *zap.Logger
}

func NewHandler(service *service.Service, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		opts:    opts,
		logger:  logger,
	}
}

// VerifyWebhook answers the platform subscription handshake by echoing hub.challenge.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if mode != "subscribe" || h.opts.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.VerifyToken)) != 1 {
		h.logger.Warn("Webhook verification rejected",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("mode", mode))
		h.sendError(w, r, http.StatusForbidden, errorCodeVerifyFailed, errorMessageVerifyFailed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook normalizes every message in the envelope and hands it to the intake
// flow in order. Processing failures are logged and still acknowledged with 200.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var envelope webhookEnvelope
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxWebhookBody), &envelope); err != nil {
		h.logger.Warn("Malformed webhook body",
			zap.String("request_id", requestID),
			zap.Error(err))
		h.sendError(w, r, http.StatusBadRequest, errorCodeInvalidEnvelope, errorMessageInvalidEnvelope)
		return
	}
	if envelope.Object == "" {
		h.sendError(w, r, http.StatusBadRequest, errorCodeInvalidEnvelope, errorMessageInvalidEnvelope)
		return
	}

	messages := envelope.messages()
	if len(messages) == 0 {
		render.JSON(w, r, WebhookResponse{Status: WebhookStatusIgnored})
		return
	}

	resp := WebhookResponse{Status: WebhookStatusOK}
	for _, msg := range messages {
		ev, ok, err := msg.toEvent()
		if err != nil {
			h.logger.Warn("Skipping malformed message",
				zap.String("request_id", requestID),
				zap.String("messageID", msg.ID),
				zap.Error(err))
			resp.Failed++
			continue
		}
		if !ok {
			h.logger.Debug("Skipping unsupported message type",
				zap.String("request_id", requestID),
				zap.String("messageID", msg.ID),
				zap.String("type", msg.Type))
			continue
		}

		res, err := h.dispatch(r.Context(), ev)
		if err != nil {
			h.logger.Error("Failed to process inbound message",
				zap.String("request_id", requestID),
				zap.String("messageID", ev.MessageID),
				zap.Error(err))
			resp.Failed++
			continue
		}
		if res != nil && res.Duplicate {
			resp.Duplicates++
			continue
		}
		resp.Processed++
	}

	if resp.Failed > 0 {
		resp.Status = WebhookStatusError
	}
	render.JSON(w, r, resp)
}

// dispatch hands one event to the intake flow. A panic counts as a failed message so
// the rest of the envelope is still processed and acknowledged.
func (h *Handler) dispatch(ctx context.Context, ev models.InboundEvent) (res *intake.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("Panic while dispatching inbound message",
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.String("messageID", ev.MessageID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			res, err = nil, fmt.Errorf("%w: %v", intake.ErrPanic, p)
		}
	}()
	return h.service.Intake.HandleEvent(ctx, ev)
}

// HealthCheck reports store connectivity, sweeper and breaker state. Unhealthy is 503;
// degraded is still 200.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health.GetHealth(r.Context())

	response := HealthResponse{
		Status:         health.Status,
		Timestamp:      time.Now(),
		DatabaseStatus: health.DatabaseStatus,
		RedisStatus:    health.RedisStatus,
		Breakers:       health.Breakers,
	}
	if health.Sweeper.Status != "" {
		sweeper := health.Sweeper
		response.Sweeper = &sweeper
	}

	if health.Status == service.StatusUnhealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}

	render.JSON(w, r, response)
}

// ResetConversation rolls back a conversation to the start of the flow.
func (h *Handler) ResetConversation(w http.ResponseWriter, r *http.Request) {
	if !h.authorizedAdmin(r) {
		h.sendError(w, r, http.StatusUnauthorized, errorCodeUnauthorized, errorMessageUnauthorized)
		return
	}

	phone := strings.TrimSpace(chi.URLParam(r, "phone"))
	if phone == "" {
		h.sendError(w, r, http.StatusBadRequest, errorCodeInvalidPhone, errorMessageInvalidPhone)
		return
	}

	if err := h.service.Intake.ResetConversation(r.Context(), phone); err != nil {
		h.logger.Error("Failed to reset conversation",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("phone", phone),
			zap.Error(err))
		h.sendError(w, r, http.StatusInternalServerError, middleware.ErrorCodeInternal, errorMessageFailedToReset)
		return
	}

	render.JSON(w, r, ResetResponse{Phone: phone, Message: resetMessage})
}

func (h *Handler) authorizedAdmin(r *http.Request) bool {
	if h.opts.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) == 1
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	render.Status(r, statusCode)
	render.JSON(w, r, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Timestamp: func() *time.Time {
			t := time.Now()
			return &t
		}(),
	})
}
