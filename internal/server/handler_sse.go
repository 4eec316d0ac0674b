package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/tasker/pkg/model"
	"github.com/me/tasker/pkg/tasker"
)

// eventBuffer is the per-client backlog; slower clients lose events.
const eventBuffer = 64

type eventMessage struct {
	Event string           `json:"event"`
	Task  string           `json:"task,omitempty"`
	Queue model.QueueState `json:"queue,omitempty"`
	Error string           `json:"error,omitempty"`
	Time  time.Time        `json:"time"`
}

// handleEvents streams runner notifications via Server-Sent Events.
// GET /api/v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ch := make(chan eventMessage, eventBuffer)
	id := s.runner.On(tasker.EventAll, func(ev tasker.Event) {
		msg := s.messageFor(ev)
		select {
		case ch <- msg:
		default:
			s.logger.Debug("sse client too slow, dropping event", "event", ev.Name)
		}
	})
	defer s.runner.Off(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := sendSSEEvent(w, flusher, "init", s.runner.Snapshot()); err != nil {
		s.logger.Debug("sse client disconnected", "error", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			if err := sendSSEEvent(w, flusher, msg.Event, msg); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
			ticker.Reset(s.heartbeat)
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) messageFor(ev tasker.Event) eventMessage {
	msg := eventMessage{Event: ev.Name, Time: ev.Time}
	if ev.Task == nil {
		return msg
	}
	msg.Task = ev.Task.Name()
	if q, err := s.runner.TaskState(msg.Task); err == nil {
		msg.Queue = q
	}
	if err := ev.Task.Failure(); err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
