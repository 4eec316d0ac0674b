package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/tasker/pkg/model"
)

// requestID returns the id echoed in X-Request-ID and in every envelope.
func requestID() string {
	return "req_" + uuid.NewString()[:8]
}

// statusFor maps an API error code to its HTTP status.
var statusFor = map[model.ErrorCode]int{
	model.ErrCodeValidation: http.StatusBadRequest,
	model.ErrCodeNotFound:   http.StatusNotFound,
	model.ErrCodeConflict:   http.StatusConflict,
	model.ErrCodeInternal:   http.StatusInternalServerError,
}

// respondOK writes a task, snapshot or order view.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusOK, model.Response{RequestID: reqID, Data: data})
}

// respondAccepted acknowledges a scheduled restart; the task runs later.
func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	writeEnvelope(w, http.StatusAccepted, model.Response{RequestID: reqID, Data: data})
}

// respondList writes one page of tasks or journal entries.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	writeEnvelope(w, http.StatusOK, model.Response{RequestID: reqID, Data: data, Pagination: pg})
}

// respondError writes apiErr with the status its code maps to.
func respondError(w http.ResponseWriter, reqID string, apiErr *model.APIError) {
	status, ok := statusFor[apiErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeEnvelope(w, status, model.Response{RequestID: reqID, Error: apiErr})
}

func writeEnvelope(w http.ResponseWriter, status int, resp model.Response) {
	resp.Status = "ok"
	if resp.Error != nil {
		resp.Status = "error"
	}
	resp.Timestamp = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
