package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/breaker"
	"github.com/popeskul/listing-intake/internal/config"
)

// Deliverer sends a one-time code to the seller. Delivery itself is owned by an
// external service.
type Deliverer interface {
	Deliver(ctx context.Context, email, code string) error
}

type deliveryRequest struct {
	Email   string `json:"email"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

// WebhookDeliverer posts codes to the configured delivery endpoint.
type WebhookDeliverer struct {
	url            string
	authKey        string
	httpClient     *http.Client
	circuitBreaker *breaker.CircuitBreaker
	logger         *zap.Logger
}

func NewWebhookDeliverer(cfg *config.AuthConfig, logger *zap.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{
		url:     cfg.DeliveryURL,
		authKey: cfg.DeliveryAuthKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		circuitBreaker: breaker.New("code_delivery", &cfg.CircuitBreaker, logger),
		logger:         logger,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (d *WebhookDeliverer) Breaker() *breaker.CircuitBreaker {
	return d.circuitBreaker
}

// Deliver implements Deliverer.
func (d *WebhookDeliverer) Deliver(ctx context.Context, email, code string) error {
	return d.circuitBreaker.Execute(ctx, func() error {
		jsonData, err := json.Marshal(deliveryRequest{Email: email, Code: code, Purpose: "whatsapp_link"})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewBuffer(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if d.authKey != "" {
			req.Header.Set("x-auth-key", d.authKey)
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				d.logger.Warn("Failed to close response body", zap.Error(err))
			}
		}()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil
	})
}
