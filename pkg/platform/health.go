package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// maxHealthBodySize caps how much of the health response body is read.
const maxHealthBodySize = 64 * 1024

// HTTPHealthChecker probes service health endpoints over HTTP. A 2xx
// response is healthy unless the body reports otherwise; any other status
// code is unhealthy. Transport failures are returned as errors so the
// caller's retry budget applies.
type HTTPHealthChecker struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPHealthChecker returns a health checker with the given probe timeout.
func NewHTTPHealthChecker(timeout time.Duration, logger zerolog.Logger) *HTTPHealthChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHealthChecker{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "health-checker").Logger(),
	}
}

// healthBody is the optional JSON body a health endpoint may return.
type healthBody struct {
	Status string `json:"status"`
}

// CheckHealth performs one probe against the given URL.
func (h *HTTPHealthChecker) CheckHealth(ctx context.Context, url string) (*engine.HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NewVerificationWarning(
			fmt.Sprintf("invalid health URL %s", url), err,
		).WithCode(engine.ErrCodeHealthUnverified)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, engine.NewVerificationWarning(
			fmt.Sprintf("health probe failed for %s", url), err,
		).WithCode(engine.ErrCodeHealthUnverified)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHealthBodySize))

	report := &engine.HealthReport{
		Details: map[string]interface{}{
			"status_code": resp.StatusCode,
			"latency_ms":  latency.Milliseconds(),
		},
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		report.Status = engine.HealthStatusUnhealthy
		h.logger.Debug().Str("url", url).Int("status_code", resp.StatusCode).Msg("health probe unhealthy")
		return report, nil
	}

	report.Status = engine.HealthStatusHealthy
	var parsed healthBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Status != "" {
		report.Details["reported_status"] = parsed.Status
		switch parsed.Status {
		case "ok", "healthy", "up":
			report.Status = engine.HealthStatusHealthy
		case "degraded":
			report.Status = engine.HealthStatusDegraded
		default:
			report.Status = engine.HealthStatusUnhealthy
		}
	}

	h.logger.Debug().
		Str("url", url).
		Str("status", string(report.Status)).
		Dur("latency", latency).
		Msg("health probe completed")
	return report, nil
}

var _ engine.HealthChecker = (*HTTPHealthChecker)(nil)
