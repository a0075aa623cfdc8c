package api

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Uptime:  s.getUptime(),
		Version: s.version,
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleSystem handles GET /api/system
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	sample := sampleHost(ctx)

	response := SystemResponse{
		CPUPercent: sample.CPUPercent,
		MemUsed:    sample.RSS,
		MemTotal:   sample.MemTotal,
		MemPercent: sample.MemPercent(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     s.getUptime(),
		Engine:     s.engineSample(),
	}
	if sample.HasTemp {
		temp := sample.TemperatureC
		response.TemperatureC = &temp
	}

	s.writeJSON(w, http.StatusOK, response)
}

func parsePositiveInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return fallback
	}
	if max > 0 && val > max {
		return max
	}
	return val
}

func parseNonNegativeInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return fallback
	}
	return val
}
