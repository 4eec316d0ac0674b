package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Runner    string `json:"runner"`
	Journal   string `json:"journal"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	runner := "stopped"
	if s.runner.IsStarted() {
		runner = "idle"
		if s.runner.HasWork() {
			runner = "busy"
		}
	}
	journal := "disabled"
	if s.journal != nil {
		journal = "enabled"
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Runner:    runner,
		Journal:   journal,
	})
}
