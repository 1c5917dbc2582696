package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together. A probe still running at the
// deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a check against one dependency of the relay: the forward
// jobs queue ("sqs") or the CRM breaker ("crm").
type HealthProbe interface {
	Name() string

	// Check should respect the context deadline.
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

type probeResult struct {
	index int
	err   error
}

// HandleHealth runs every registered probe concurrently and answers 200 when
// all succeed, 503 otherwise. Mounted at GET /health without authentication.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	// Buffered so late probes never block after the handler returns.
	results := make(chan probeResult, len(probes))
	for i, probe := range probes {
		go func() {
			results <- probeResult{index: i, err: runProbe(ctx, probe)}
		}()
	}

	errs := make([]error, len(probes))
	done := make([]bool, len(probes))
collect:
	for range probes {
		select {
		case res := <-results:
			errs[res.index] = res.err
			done[res.index] = true
		case <-ctx.Done():
			break collect
		}
	}

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	status := http.StatusOK
	for i, probe := range probes {
		comp := componentStatus{Status: "healthy"}
		switch {
		case !done[i]:
			comp = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case errs[i] != nil:
			comp = componentStatus{Status: "unhealthy", Message: errs[i].Error()}
		}
		if comp.Status != "healthy" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		resp.Components[probe.Name()] = comp
	}

	JSON(w, r, status, resp)
}

// runProbe converts a probe panic into an error.
func runProbe(ctx context.Context, probe HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return probe.Check(ctx)
}
