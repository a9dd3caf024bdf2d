package handler

import (
	"time"

	"github.com/popeskul/listing-intake/internal/service"
)

// ErrorResponse is returned for transport-level failures.
type ErrorResponse struct {
	Error     string     `json:"error"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// WebhookStatus is the acknowledgement body for inbound notifications.
type WebhookStatus string

const (
	WebhookStatusOK      WebhookStatus = "ok"
	WebhookStatusIgnored WebhookStatus = "ignored"
	WebhookStatusError   WebhookStatus = "error"
)

// WebhookResponse is always sent with 200 once the envelope parsed.
type WebhookResponse struct {
	Status     WebhookStatus `json:"status"`
	Processed  int           `json:"processed"`
	Duplicates int           `json:"duplicates,omitempty"`
	Failed     int           `json:"failed,omitempty"`
}

// HealthResponse mirrors service.HealthStatus with a timestamp.
type HealthResponse struct {
	Status         service.Status           `json:"status"`
	Timestamp      time.Time                `json:"timestamp"`
	DatabaseStatus service.ConnectionStatus `json:"database_status,omitempty"`
	RedisStatus    service.ConnectionStatus `json:"redis_status,omitempty"`
	Sweeper        *service.SweeperHealth   `json:"sweeper,omitempty"`
	Breakers       []service.BreakerHealth  `json:"circuit_breakers,omitempty"`
}

// ResetResponse confirms an admin reset.
type ResetResponse struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}
