package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/tasker/pkg/model"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var queue model.QueueState
	if q := r.URL.Query().Get("queue"); q != "" {
		queue = model.QueueState(q)
		if !queue.Valid() {
			respondError(w, reqID, model.NewValidationError(fmt.Sprintf("unknown queue %q", q)))
			return
		}
	}

	snap := s.runner.Snapshot()
	tasks := make([]model.TaskInfo, 0, len(snap.Tasks))
	for _, info := range snap.Tasks {
		if queue != "" && info.Queue != queue {
			continue
		}
		tasks = append(tasks, info)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	respondList(w, reqID, tasks, &model.Pagination{
		Total: len(tasks),
		Limit: len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	t := s.runner.GetTask(name)
	if t == nil {
		respondError(w, reqID, model.NewNotFoundError("task", name))
		return
	}
	q, err := s.runner.TaskState(name)
	if err != nil {
		// Removed between the two lookups.
		respondError(w, reqID, model.NewNotFoundError("task", name))
		return
	}
	respondOK(w, reqID, t.Info(q))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	if err := s.runner.CancelTask(r.Context(), name); err != nil {
		s.respondTaskError(w, reqID, name, err)
		return
	}
	s.logger.Info("task cancelled via API", "task", name)
	respondOK(w, reqID, map[string]any{"name": name, "cancelled": true})
}

func (s *Server) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var delay time.Duration
	if d := r.URL.Query().Get("delay"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed < 0 {
			respondError(w, reqID, model.NewValidationError(fmt.Sprintf("invalid delay %q", d)))
			return
		}
		// The runner treats a zero delay as its configured default.
		delay = max(parsed, time.Millisecond)
	}

	if err := s.runner.RestartTask(name, delay); err != nil {
		s.respondTaskError(w, reqID, name, err)
		return
	}
	s.logger.Info("task restart scheduled via API", "task", name, "delay", delay)
	respondAccepted(w, reqID, map[string]any{"name": name, "restart_scheduled": true})
}

func (s *Server) respondTaskError(w http.ResponseWriter, reqID, name string, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownTask):
		respondError(w, reqID, model.NewNotFoundError("task", name))
	case errors.Is(err, model.ErrInvalidState):
		respondError(w, reqID, model.NewConflictError(err.Error()))
	default:
		respondError(w, reqID, model.NewInternalError(err.Error()))
	}
}

type orderResponse struct {
	Order []string `json:"order"`
	Cycle []string `json:"cycle,omitempty"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	order, err := s.runner.RunOrder()
	resp := orderResponse{Order: order}
	var cyc *model.CyclicDependencyError
	if errors.As(err, &cyc) {
		resp.Cycle = cyc.Names
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.runner.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.journal == nil {
		respondError(w, reqID, model.NewNotFoundError("journal", "history"))
		return
	}

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts.Event = q.Get("event")
	opts.Task = q.Get("task")
	opts.Clamp()

	entries, total, err := s.journal.List(r.Context(), s.runID, opts)
	if err != nil {
		respondError(w, reqID, model.NewInternalError(err.Error()))
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	respondList(w, reqID, entries, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(entries) < total,
	})
}
