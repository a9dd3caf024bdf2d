// Package service wires the intake flow, the orphan sweeper and health reporting.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/auth"
	"github.com/popeskul/listing-intake/internal/config"
	"github.com/popeskul/listing-intake/internal/dedup"
	"github.com/popeskul/listing-intake/internal/extract"
	"github.com/popeskul/listing-intake/internal/intake"
	"github.com/popeskul/listing-intake/internal/media"
	"github.com/popeskul/listing-intake/internal/messenger"
	"github.com/popeskul/listing-intake/internal/repository"
)

type Service struct {
	Intake  IntakeService
	Sweeper SweeperService
	Health  HealthService
}

func NewService(
	ctx context.Context,
	cfg *config.Config,
	repo repository.Repository,
	redisClient *redis.Client,
	logger *zap.Logger,
) (*Service, error) {
	store := dedup.NewRedisStore(redisClient, dedup.Options{
		PhotoTTL:     time.Duration(cfg.Intake.PhotoTTLHours) * time.Hour,
		ProcessedTTL: time.Duration(cfg.Intake.ProcessedTTLHours) * time.Hour,
	}, logger)

	whatsapp := messenger.NewClient(&cfg.WhatsApp, logger)
	commerce := media.NewCommerceClient(&cfg.Commerce, logger)
	uploader := media.NewStagedUploader(commerce, store, media.OptionsFromConfig(&cfg.Commerce), logger)
	deliverer := auth.NewWebhookDeliverer(&cfg.Auth, logger)
	verifier := auth.NewCodeVerifier(redisClient, deliverer, time.Duration(cfg.Auth.CodeTTLMinutes)*time.Minute, logger)

	extractor, err := extract.New(ctx, &cfg.Extraction, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	dispatcher := intake.NewDispatcher(intake.Dependencies{
		Conversations: repo.Conversation(),
		Listings:      repo.Listing(),
		Sellers:       repo.Seller(),
		Dedup:         store,
		Uploader:      uploader,
		Sender:        whatsapp,
		Extractor:     extractor,
		Verifier:      verifier,
	}, intake.Options{
		MinPhotos:        cfg.Intake.MinPhotos,
		MaxEmailAttempts: cfg.Intake.MaxEmailAttempts,
		MaxCodeAttempts:  cfg.Intake.MaxCodeAttempts,
		MaxImageEdge:     cfg.Intake.MaxImageEdge,
		JPEGQuality:      cfg.Intake.JPEGQuality,
		FlowID:           cfg.WhatsApp.FlowID,
	}, logger)

	intakeService := NewIntakeService(dispatcher, eventTimeout(cfg), logger)
	sweeperService := NewSweeperService(&cfg.Sweeper, store, uploader, logger)
	healthService := NewHealthService(repo, redisClient, sweeperService,
		whatsapp.Breaker(), commerce.Breaker(), deliverer.Breaker())

	return &Service{
		Intake:  intakeService,
		Sweeper: sweeperService,
		Health:  healthService,
	}, nil
}

// eventTimeout bounds one event: the full upload and polling budget plus room for the
// surrounding database and messaging calls.
func eventTimeout(cfg *config.Config) time.Duration {
	c := cfg.Commerce
	poll := time.Duration(c.PollMaxAttempts*c.PollMaxInterval) * time.Millisecond
	perAttempt := time.Duration(c.Timeout)*time.Second*3 + poll
	return time.Duration(c.UploadAttempts)*perAttempt + time.Duration(cfg.WhatsApp.Timeout)*time.Second*2
}
