package service

import (
	"context"
	"time"

	"github.com/popeskul/listing-intake/internal/breaker"
	"github.com/popeskul/listing-intake/internal/intake"
	"github.com/popeskul/listing-intake/internal/models"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/popeskul/listing-intake/internal/service IntakeService,SweeperService,HealthService

type IntakeService interface {
	// HandleEvent runs one normalized inbound event through the conversation flow.
	HandleEvent(ctx context.Context, ev models.InboundEvent) (*intake.Result, error)
	// ResetConversation returns a conversation to the new state.
	ResetConversation(ctx context.Context, phone string) error
}

type SweeperService interface {
	Start() error
	Stop() error
	IsRunning() bool
	LastRun() (time.Time, error)
	// Sweep drains one batch of orphaned files and deletes them remotely.
	Sweep(ctx context.Context) (int, error)
}

type HealthService interface {
	GetHealth(ctx context.Context) *HealthStatus
}

// BreakerReporter exposes circuit breaker state for health reporting.
type BreakerReporter interface {
	Name() string
	GetState() breaker.State
	GetCounts() (requests, failures uint32)
}
