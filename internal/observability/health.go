package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/toolrun/internal/sandbox"
)

const (
	healthCheckTimeout = 3 * time.Second

	// sandboxProbeTimeout bounds the readiness script. It is far above what
	// a healthy interpreter needs to return a constant.
	sandboxProbeTimeout = 500 * time.Millisecond
	sandboxProbeScript  = `function invoke(p) { return p.n + 1; }`
)

// HealthChecker aggregates health from multiple subsystems.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		start := time.Now()
		err := c.Check(checkCtx)
		result := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			status.Status = "degraded"
			result.Status = "fail"
			result.Message = err.Error()
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[c.Name] = result
	}

	return status
}

// SandboxCheck returns a readiness check that runs a trivial script through r
// and expects 42 back within sandboxProbeTimeout.
func SandboxCheck(r sandbox.Runner) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res, err := r.Run(ctx, sandbox.Invocation{
			Script:     sandboxProbeScript,
			Parameters: map[string]any{"n": 41},
			ToolID:     "readiness",
			Timeout:    sandboxProbeTimeout,
		})
		if err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
		if res.TimedOut {
			return fmt.Errorf("sandbox: readiness script timed out after %s", sandboxProbeTimeout)
		}
		if n, ok := res.Value.(int64); !ok || n != 42 {
			return fmt.Errorf("sandbox: readiness script returned %v", res.Value)
		}
		return nil
	}
}
