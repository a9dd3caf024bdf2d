package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/config"
	"github.com/popeskul/listing-intake/internal/dedup"
	"github.com/popeskul/listing-intake/internal/media"
	"github.com/popeskul/listing-intake/internal/scheduler"
)

type sweeperService struct {
	scheduler *scheduler.Scheduler
	orphans   dedup.OrphanQueue
	uploader  media.Uploader
	batchSize int
	logger    *zap.Logger
}

// NewSweeperService retries deletion of remote files whose cleanup failed earlier.
func NewSweeperService(
	cfg *config.SweeperConfig,
	orphans dedup.OrphanQueue,
	uploader media.Uploader,
	logger *zap.Logger,
) SweeperService {
	svc := &sweeperService{
		orphans:   orphans,
		uploader:  uploader,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}

	svc.scheduler = scheduler.NewScheduler(logger, scheduler.Options{
		Name:     "orphan_sweeper",
		Interval: time.Duration(cfg.IntervalMinutes) * time.Minute,
	}, func(ctx context.Context) error {
		_, err := svc.Sweep(ctx)
		return err
	})
	return svc
}

func (s *sweeperService) Start() error {
	return s.scheduler.Start(context.Background())
}

func (s *sweeperService) Stop() error {
	return s.scheduler.Stop()
}

func (s *sweeperService) IsRunning() bool {
	return s.scheduler.IsRunning()
}

func (s *sweeperService) LastRun() (time.Time, error) {
	return s.scheduler.LastRun()
}

func (s *sweeperService) Sweep(ctx context.Context) (int, error) {
	ids, err := s.orphans.Drain(ctx, s.batchSize)
	if err != nil && len(ids) == 0 {
		return 0, fmt.Errorf("failed to drain orphan queue: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.uploader.Remove(ctx, ids); err != nil {
		if qerr := s.orphans.Enqueue(context.WithoutCancel(ctx), ids...); qerr != nil {
			s.logger.Error("Failed to requeue orphaned files",
				zap.Strings("fileIDs", ids),
				zap.Error(qerr))
		}
		return 0, fmt.Errorf("failed to delete orphaned files: %w", err)
	}

	s.logger.Info("Orphaned files deleted", zap.Int("count", len(ids)))
	return len(ids), nil
}
