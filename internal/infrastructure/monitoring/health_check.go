package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNotJoined = errors.New("session not joined")

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

// AddRendezvousCheck pings the rendezvous backend, e.g. Factory.HealthCheck.
func (h *HealthChecker) AddRendezvousCheck(ping func(ctx context.Context) error, timeout time.Duration) {
	h.AddCheck("rendezvous", ping, timeout)
}

// AddSessionCheck fails while the session is not joined.
func (h *HealthChecker) AddSessionCheck(joined func() bool) {
	h.AddCheck("session", func(ctx context.Context) error {
		if !joined() {
			return errNotJoined
		}
		return nil
	}, time.Second)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		err := check.Check(checkCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// IsHealthy reports whether every check passes.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
