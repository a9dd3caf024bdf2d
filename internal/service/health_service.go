package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/popeskul/listing-intake/internal/breaker"
	"github.com/popeskul/listing-intake/internal/repository"
)

type healthService struct {
	repo        repository.Repository
	redisClient redis.Cmdable
	sweeper     SweeperService
	breakers    []BreakerReporter
}

func NewHealthService(
	repo repository.Repository,
	redisClient redis.Cmdable,
	sweeper SweeperService,
	breakers ...BreakerReporter,
) HealthService {
	return &healthService{
		repo:        repo,
		redisClient: redisClient,
		sweeper:     sweeper,
		breakers:    breakers,
	}
}

func (s *healthService) GetHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:         StatusHealthy,
		DatabaseStatus: s.checkDatabaseHealth(),
		RedisStatus:    s.checkRedisHealth(ctx),
		Sweeper:        s.sweeperHealth(),
		Breakers:       make([]BreakerHealth, 0, len(s.breakers)),
	}

	anyOpen := false
	for _, b := range s.breakers {
		state := b.GetState()
		requests, failures := b.GetCounts()
		status.Breakers = append(status.Breakers, BreakerHealth{
			Name:     b.Name(),
			State:    string(state),
			Requests: requests,
			Failures: failures,
			Summary:  breakerSummary(requests, failures),
		})
		if state == breaker.StateOpen {
			anyOpen = true
		}
	}

	// A store outage outranks an open breaker.
	switch {
	case status.DatabaseStatus != Connected || status.RedisStatus != Connected:
		status.Status = StatusUnhealthy
	case anyOpen:
		status.Status = StatusDegraded
	}

	return status
}

func breakerSummary(requests, failures uint32) string {
	if requests == 0 {
		return "No requests yet"
	}
	failureRate := float64(failures) / float64(requests) * 100
	return fmt.Sprintf("Requests: %d, Failures: %d (%.1f%%)", requests, failures, failureRate)
}

func (s *healthService) sweeperHealth() SweeperHealth {
	health := SweeperHealth{Status: SweeperStopped}
	if s.sweeper.IsRunning() {
		health.Status = SweeperRunning
	}
	last, err := s.sweeper.LastRun()
	if !last.IsZero() {
		health.LastRun = &last
	}
	if err != nil {
		health.LastError = err.Error()
	}
	return health
}

func (s *healthService) checkDatabaseHealth() ConnectionStatus {
	if err := s.repo.Ping(); err != nil {
		return Disconnected
	}
	return Connected
}

func (s *healthService) checkRedisHealth(ctx context.Context) ConnectionStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		return Disconnected
	}
	return Connected
}
