package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "tasker API",
		Version:     "v1",
		Description: "Status and control of a running task graph",
		Endpoints: []endpointInfo{
			{"/api/v1/tasks", []string{"GET"}, "List tasks; ?queue= filters by queue"},
			{"/api/v1/tasks/{name}", []string{"GET"}, "Single task detail"},
			{"/api/v1/tasks/{name}/cancel", []string{"POST"}, "Cancel a task"},
			{"/api/v1/tasks/{name}/restart", []string{"POST"}, "Reset and re-add a task after ?delay="},
			{"/api/v1/order", []string{"GET"}, "Advisory run order and any dependency cycle"},
			{"/api/v1/snapshot", []string{"GET"}, "All queues in one consistent view"},
			{"/api/v1/history", []string{"GET"}, "Journalled notifications of this run"},
			{"/api/v1/events", []string{"GET"}, "Server-Sent Events stream of runner notifications"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
