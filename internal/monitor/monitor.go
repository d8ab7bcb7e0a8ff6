// Package monitor polls a backend's health and reports transitions.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/inference-backends/internal/backend"
)

// Transition is a change of health state.
type Transition struct {
	Healthy  bool
	Previous bool
	Err      error
	At       time.Time
}

// Status is the most recent probe result.
type Status struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	LastChange  time.Time `json:"last_change"`
	Error       string    `json:"error,omitempty"`
	Checks      int64     `json:"checks"`
	Failures    int64     `json:"failures"`
}

// Monitor calls Health on an interval. It never tries to recover a backend.
type Monitor struct {
	backend  backend.Backend
	interval time.Duration
	logger   *zap.Logger
	notify   func(Transition)

	mu     sync.RWMutex
	status Status
	probed bool
}

// New returns a monitor probing b every interval. notify, if non-nil, is
// called on every transition, including the first probe.
func New(b backend.Backend, interval time.Duration, logger *zap.Logger, notify func(Transition)) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		backend:  b,
		interval: interval,
		logger:   logger.With(zap.String("component", "monitor")),
		notify:   notify,
	}
}

// Run probes immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check probes once and returns the new status.
func (m *Monitor) Check() Status {
	err := m.backend.Health()
	now := time.Now()
	healthy := err == nil

	m.mu.Lock()
	previous := m.status.Healthy
	changed := !m.probed || previous != healthy
	m.probed = true
	m.status.Checks++
	m.status.LastChecked = now
	m.status.Healthy = healthy
	m.status.Error = ""
	if err != nil {
		m.status.Failures++
		m.status.Error = err.Error()
	}
	if changed {
		m.status.LastChange = now
	}
	status := m.status
	m.mu.Unlock()

	if !changed {
		return status
	}
	if healthy {
		m.logger.Info("Backend healthy")
	} else {
		m.logger.Warn("Backend unhealthy", zap.Error(err))
	}
	if m.notify != nil {
		m.notify(Transition{Healthy: healthy, Previous: previous, Err: err, At: now})
	}
	return status
}

// Status returns the last probe result.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
