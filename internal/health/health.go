// Package health aggregates component liveness into a single report and
// drives the phased graceful shutdown of the coordinator.
package health

import (
	"context"
	"time"

	"github.com/memento-ai/memento/internal/agent/registry"
	"github.com/memento-ai/memento/internal/checkpoint/queue"
	"github.com/memento-ai/memento/internal/events/bus"
	"github.com/memento-ai/memento/internal/session/store"
)

// ComponentStatus grades one dependency.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// ComponentReport is the health of one dependency.
type ComponentReport struct {
	Status    ComponentStatus `json:"status"`
	LatencyMs int64           `json:"latencyMs"`
	Error     string          `json:"error,omitempty"`
}

// Report aggregates component status with coordinator-level gauges.
type Report struct {
	Status         ComponentStatus            `json:"status"`
	Components     map[string]ComponentReport `json:"components"`
	ActiveSessions int                        `json:"activeSessions"`
	QueueDepth     int                        `json:"queueDepth"`
	DeadLetters    int                        `json:"deadLetters"`
	Agents         int                        `json:"agents"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// Healthy reports whether the coordinator can serve traffic.
func (r *Report) Healthy() bool {
	return r.Status != StatusUnhealthy
}

// Checker produces health reports from the coordinator's dependencies.
type Checker struct {
	backend  store.Backend
	bus      bus.EventBus
	jobs     *queue.Queue
	registry *registry.Registry
}

// NewChecker creates a health checker. Any dependency may be nil and is
// then skipped in the report.
func NewChecker(backend store.Backend, eventBus bus.EventBus, jobs *queue.Queue, reg *registry.Registry) *Checker {
	return &Checker{backend: backend, bus: eventBus, jobs: jobs, registry: reg}
}

// Check assembles a point-in-time report. The overall status is the worst
// component status: an unreachable store is unhealthy, a disconnected bus
// degraded.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentReport),
		Timestamp:  time.Now().UTC(),
	}

	if c.backend != nil {
		start := time.Now()
		err := c.backend.Ping(ctx)
		comp := ComponentReport{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			comp.Status = StatusUnhealthy
			comp.Error = err.Error()
			report.Status = StatusUnhealthy
		}
		report.Components["session_store"] = comp

		if active, err := c.backend.ListActive(ctx); err == nil {
			report.ActiveSessions = len(active)
		}
	}

	if c.bus != nil {
		comp := ComponentReport{Status: StatusHealthy}
		if !c.bus.IsConnected() {
			comp.Status = StatusDegraded
			comp.Error = "event bus disconnected"
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
		report.Components["event_bus"] = comp
	}

	if c.jobs != nil {
		report.QueueDepth = c.jobs.Depth()
		comp := ComponentReport{Status: StatusHealthy}
		if letters, err := c.jobs.DeadLetters(ctx); err == nil {
			report.DeadLetters = len(letters)
			if len(letters) > 0 {
				comp.Status = StatusDegraded
				if report.Status == StatusHealthy {
					report.Status = StatusDegraded
				}
			}
		} else {
			comp.Status = StatusDegraded
			comp.Error = err.Error()
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
		report.Components["checkpoint_queue"] = comp
	}

	if c.registry != nil {
		report.Agents = c.registry.Count()
		report.Components["agent_registry"] = ComponentReport{Status: StatusHealthy}
	}

	return report
}
