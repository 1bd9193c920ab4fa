package pipeline

import (
	"sync"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

// HealthStatus represents the health state of a pipeline.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed runs
	// before a pipeline is considered unhealthy.
	DefaultUnhealthyThreshold = 5
)

// Health tracks the run/restart health of a single chain pipeline.
type Health struct {
	mu                  sync.RWMutex
	chain               model.Chain
	status              HealthStatus
	consecutiveFailures int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	unhealthyThreshold  int
}

// NewHealth creates a health tracker for the given chain.
func NewHealth(chain model.Chain) *Health {
	return &Health{
		chain:              chain,
		status:             HealthStatusUnknown,
		unhealthyThreshold: DefaultUnhealthyThreshold,
	}
}

// SetUnhealthyThreshold overrides the consecutive-failure threshold.
func (h *Health) SetUnhealthyThreshold(n int) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyThreshold = n
}

// SetStatus sets the health status directly.
func (h *Health) SetStatus(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// RecordSuccess records a completed run and returns true if it represents a
// recovery from an unhealthy state.
func (h *Health) RecordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.status = HealthStatusHealthy
	return wasUnhealthy
}

// RecordFailure records a failed run. Returns true if the pipeline
// transitioned to unhealthy on this call.
func (h *Health) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

// Snapshot returns the current health state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Chain:               string(h.chain),
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time view of pipeline health (JSON-safe).
type HealthSnapshot struct {
	Chain               string     `json:"chain"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
