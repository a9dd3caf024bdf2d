package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/intake"
	"github.com/popeskul/listing-intake/internal/models"
)

type intakeService struct {
	dispatcher *intake.Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
}

// NewIntakeService wraps the dispatcher. Each event runs under its own deadline,
// detached from the inbound request.
func NewIntakeService(dispatcher *intake.Dispatcher, timeout time.Duration, logger *zap.Logger) IntakeService {
	return &intakeService{
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger,
	}
}

func (s *intakeService) HandleEvent(ctx context.Context, ev models.InboundEvent) (*intake.Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.dispatcher.Handle(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to handle event %s: %w", ev.MessageID, err)
	}

	s.logger.Debug("Event handled",
		zap.String("phone", ev.Phone),
		zap.String("messageID", ev.MessageID),
		zap.String("state", string(res.State)),
		zap.Bool("duplicate", res.Duplicate),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (s *intakeService) ResetConversation(ctx context.Context, phone string) error {
	return s.dispatcher.Reset(ctx, phone)
}
