package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/tasker/internal/journal"
	"github.com/me/tasker/pkg/model"
	"github.com/me/tasker/pkg/tasker"
)

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func testRunner(t *testing.T) *tasker.Runner {
	t.Helper()
	r := tasker.New(tasker.Config{
		Parallel:         4,
		RestartDelay:     10 * time.Millisecond,
		PlanningInterval: 5 * time.Millisecond,
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func value(v any) tasker.ExecFunc {
	return func(context.Context, *tasker.Task, map[string]*tasker.Task) (any, error) { return v, nil }
}

func addTask(t *testing.T, r *tasker.Runner, cfg tasker.TaskConfig) {
	t.Helper()
	require.NoError(t, r.AddTask(tasker.NewTask(cfg)))
}

// runToIdle starts r and waits for its idle notification.
func runToIdle(t *testing.T, r *tasker.Runner) {
	t.Helper()
	idle := make(chan struct{}, 1)
	r.Once(tasker.EventIdle, func(tasker.Event) { idle <- struct{}{} })
	r.Start()
	select {
	case <-idle:
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not become idle")
	}
}

func do(t *testing.T, srv *Server, method, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, wantStatus, w.Code, "%s %s: body=%s", method, path, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "%s %s: invalid JSON", method, path)
	return env
}

func TestDiscovery(t *testing.T) {
	srv := New(testRunner(t), nil)
	env := do(t, srv, http.MethodGet, "/api/v1/", http.StatusOK)
	assert.Equal(t, "ok", env.Status)
	assert.True(t, strings.HasPrefix(env.RequestID, "req_"))

	var data discoveryResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "tasker API", data.Name)
	assert.NotEmpty(t, data.Endpoints)
}

func TestRequestID_KeepsClientValue(t *testing.T) {
	srv := New(testRunner(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-42")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client-42", w.Header().Get("X-Request-ID"))
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "client-42", env.RequestID)
}

func TestHealth(t *testing.T) {
	r := testRunner(t)
	srv := New(r, nil)

	var data healthResponse
	env := do(t, srv, http.MethodGet, "/api/v1/health", http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "healthy", data.Status)
	assert.Equal(t, Version, data.Version)
	assert.Equal(t, "stopped", data.Runner)
	assert.Equal(t, "disabled", data.Journal)

	runToIdle(t, r)
	env = do(t, srv, http.MethodGet, "/api/v1/health", http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "idle", data.Runner)
}

func TestTasks_ListAndGet(t *testing.T) {
	r := testRunner(t)
	addTask(t, r, tasker.TaskConfig{Name: "a", Exec: value("A")})
	addTask(t, r, tasker.TaskConfig{Name: "b", Depends: []string{"a"}, Exec: func(context.Context, *tasker.Task, map[string]*tasker.Task) (any, error) {
		return nil, errors.New("broken")
	}})
	runToIdle(t, r)
	srv := New(r, nil)

	env := do(t, srv, http.MethodGet, "/api/v1/tasks", http.StatusOK)
	var tasks []model.TaskInfo
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Name)
	assert.Equal(t, model.QueueSuccess, tasks[0].Queue)
	assert.Equal(t, "b", tasks[1].Name)
	assert.Equal(t, "broken", tasks[1].Error)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 2, env.Pagination.Total)

	env = do(t, srv, http.MethodGet, "/api/v1/tasks?queue=failure", http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Name)

	env = do(t, srv, http.MethodGet, "/api/v1/tasks?queue=bogus", http.StatusBadRequest)
	assert.Equal(t, model.ErrCodeValidation, env.Error.Code)

	env = do(t, srv, http.MethodGet, "/api/v1/tasks/a", http.StatusOK)
	var info model.TaskInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "A", info.Result)
	assert.Equal(t, model.TaskStatusSuccess, info.Status)

	env = do(t, srv, http.MethodGet, "/api/v1/tasks/ghost", http.StatusNotFound)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestTasks_Cancel(t *testing.T) {
	r := testRunner(t)
	addTask(t, r, tasker.TaskConfig{Name: "waiting", Depends: []string{"ghost"}, Exec: value(nil)})
	srv := New(r, nil)

	do(t, srv, http.MethodPost, "/api/v1/tasks/waiting/cancel", http.StatusOK)
	assert.True(t, r.GetTask("waiting").Cancelled())

	env := do(t, srv, http.MethodPost, "/api/v1/tasks/ghost/cancel", http.StatusNotFound)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestTasks_Restart(t *testing.T) {
	r := testRunner(t)
	var runs atomic.Int32
	addTask(t, r, tasker.TaskConfig{Name: "job", Exec: func(context.Context, *tasker.Task, map[string]*tasker.Task) (any, error) {
		return runs.Add(1), nil
	}})
	runToIdle(t, r)
	require.EqualValues(t, 1, runs.Load())
	srv := New(r, nil)

	do(t, srv, http.MethodPost, "/api/v1/tasks/job/restart?delay=nope", http.StatusBadRequest)
	do(t, srv, http.MethodPost, "/api/v1/tasks/ghost/restart", http.StatusNotFound)
	do(t, srv, http.MethodPost, "/api/v1/tasks/job/restart?delay=1ms", http.StatusAccepted)

	assert.Eventually(t, func() bool {
		q, err := r.TaskState("job")
		return runs.Load() == 2 && err == nil && q == model.QueueSuccess
	}, 3*time.Second, 5*time.Millisecond)
}

func TestOrder(t *testing.T) {
	r := testRunner(t)
	addTask(t, r, tasker.TaskConfig{Name: "a", Depends: []string{"b"}, Exec: value(nil)})
	addTask(t, r, tasker.TaskConfig{Name: "b", Exec: value(nil)})
	addTask(t, r, tasker.TaskConfig{Name: "x", Depends: []string{"y"}, Exec: value(nil)})
	addTask(t, r, tasker.TaskConfig{Name: "y", Depends: []string{"x"}, Exec: value(nil)})
	srv := New(r, nil)

	env := do(t, srv, http.MethodGet, "/api/v1/order", http.StatusOK)
	var data orderResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, []string{"b", "a", "x", "y"}, data.Order)
	assert.ElementsMatch(t, []string{"x", "y"}, data.Cycle)
}

func TestSnapshot(t *testing.T) {
	r := testRunner(t)
	addTask(t, r, tasker.TaskConfig{Name: "wait", Depends: []string{"ghost"}, Exec: value(nil)})
	srv := New(r, nil)

	env := do(t, srv, http.MethodGet, "/api/v1/snapshot", http.StatusOK)
	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, []string{"wait"}, snap.Queues[model.QueueHolding])
	assert.Equal(t, map[string][]string{"wait": {"ghost"}}, snap.Missing)
}

func TestHistory(t *testing.T) {
	r := testRunner(t)
	do(t, New(r, nil), http.MethodGet, "/api/v1/history", http.StatusNotFound)

	ctx := context.Background()
	j, err := journal.Open(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	runID, err := j.StartRun(ctx, "test")
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, j.Record(ctx, model.JournalEntry{RunID: runID, Event: tasker.EventTaskDone, Task: name}))
	}

	srv := New(r, nil, WithJournal(j, runID))
	env := do(t, srv, http.MethodGet, "/api/v1/history?limit=2", http.StatusOK)
	var entries []model.JournalEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Task)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 3, env.Pagination.Total)
	assert.True(t, env.Pagination.HasMore)

	env = do(t, srv, http.MethodGet, "/api/v1/history?task=c", http.StatusOK)
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.False(t, env.Pagination.HasMore)
}

func TestEvents_Stream(t *testing.T) {
	r := testRunner(t)
	srv := New(r, nil, WithHeartbeat(20*time.Millisecond))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	waitLine := func(want string) string {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", want)
				if strings.HasPrefix(line, want) {
					return line
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	waitLine("event: init")
	waitLine(": heartbeat")

	addTask(t, r, tasker.TaskConfig{Name: "solo", Exec: value(1)})
	r.Start()

	waitLine("event: task-success")
	data := waitLine("data: ")
	var msg eventMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &msg))
	assert.Equal(t, tasker.EventTaskSuccess, msg.Event)
	assert.Equal(t, "solo", msg.Task)
	assert.Equal(t, model.QueueSuccess, msg.Queue)

	waitLine("event: idle")
}
