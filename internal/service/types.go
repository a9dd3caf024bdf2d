package service

import "time"

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

type SweeperStatus string

const (
	SweeperRunning SweeperStatus = "running"
	SweeperStopped SweeperStatus = "stopped"
)

type HealthStatus struct {
	Status         Status           `json:"status"`
	DatabaseStatus ConnectionStatus `json:"database_status"`
	RedisStatus    ConnectionStatus `json:"redis_status"`
	Sweeper        SweeperHealth    `json:"sweeper"`
	Breakers       []BreakerHealth  `json:"circuit_breakers"`
}

type SweeperHealth struct {
	Status    SweeperStatus `json:"status"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type BreakerHealth struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Summary  string `json:"summary"`
}
