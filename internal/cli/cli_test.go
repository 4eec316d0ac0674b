package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/pkg/model"
	"github.com/me/tasker/pkg/tasker"
)

const mixedGraph = `
planning_interval: 5ms
tasks:
  - name: fetch
    result: payload
  - name: lint
    fail: style violations
  - name: build
    depends: [fetch, lint]
    script: "'built ' + deps.fetch.success"
`

const cleanGraph = `
planning_interval: 5ms
tasks:
  - name: a
    result: 1
  - name: b
    depends: [a]
    result: 2
`

// isolate runs the test in an empty directory with no user config.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	return dir
}

func writeGraph(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_Success(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "clean.yaml", cleanGraph)

	out, err := execute(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Tasks")
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "2 success")
	assert.Regexp(t, `(?m)^b\s+success`, out)
}

func TestRun_ReportsFailures(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "mixed.yaml", mixedGraph)

	out, err := execute(t, "run", path)
	require.ErrorIs(t, err, ErrTasksFailed)
	assert.Contains(t, err.Error(), "1 of 3")
	assert.Contains(t, out, "style violations")
	assert.Contains(t, out, "built payload")
	assert.Contains(t, out, "2 success, 1 failure")
}

func TestRun_BackgroundStoppedByTimeout(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "bg.yaml", `
planning_interval: 5ms
tasks:
  - name: server
    background: true
    result: stopped
  - name: client
    result: ok
`)

	start := time.Now()
	out, err := execute(t, "run", "--timeout", "200ms", path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Regexp(t, `(?m)^server\s+background`, out)
	assert.Regexp(t, `(?m)^client\s+success`, out)
}

func TestRun_MissingTaskfile(t *testing.T) {
	dir := isolate(t)
	_, err := execute(t, "run", filepath.Join(dir, "absent.yaml"))
	assert.ErrorContains(t, err, "read taskfile")
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "clean.yaml", cleanGraph)
	_, err := execute(t, "run", "--log-format", "xml", path)
	assert.ErrorContains(t, err, "xml")
}

func TestRunAndHistory_Journal(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "clean.yaml", cleanGraph)
	db := filepath.Join(dir, "journal.db")

	_, err := execute(t, "run", "--journal", db, path)
	require.NoError(t, err)

	out, err := execute(t, "history", "--journal", db)
	require.NoError(t, err)
	runID := regexp.MustCompile(`run_[0-9a-f-]{36}`).FindString(out)
	require.NotEmpty(t, runID, "history output: %s", out)
	assert.Contains(t, out, "clean.yaml")

	out, err = execute(t, "history", "--journal", db, "--event", tasker.EventTaskSuccess, runID)
	require.NoError(t, err)
	assert.Contains(t, out, tasker.EventTaskSuccess)
	assert.Contains(t, out, "b")
	assert.NotContains(t, out, tasker.EventIdle)

	_, err = execute(t, "history", "--journal", db, "run_missing")
	assert.ErrorIs(t, err, model.ErrUnknownRun)
}

func TestHistory_RequiresJournal(t *testing.T) {
	isolate(t)
	_, err := execute(t, "history")
	assert.ErrorContains(t, err, "no journal configured")
}

func TestOrder(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "order.yaml", `
tasks:
  - name: a
    depends: [b, c]
  - name: b
    depends: [d]
  - name: c
    depends: [d]
  - name: d
`)

	out, err := execute(t, "order", path)
	require.NoError(t, err)
	assert.Regexp(t, `(?s)1\s+d.*2\s+b.*3\s+c.*4\s+a`, out)
}

func TestOrder_Cycle(t *testing.T) {
	dir := isolate(t)
	path := writeGraph(t, dir, "cycle.yaml", `
tasks:
  - name: free
  - name: x
    depends: [y]
  - name: y
    depends: [x]
  - name: lonely
    depends: [ghost]
`)

	out, err := execute(t, "order", path)
	require.ErrorIs(t, err, model.ErrCyclicDependency)
	assert.Contains(t, out, "cycle: x, y")
	assert.Contains(t, out, "lonely waits for unknown ghost")
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	logger = logging.Discard()
	runner := tasker.New(tasker.Config{PlanningInterval: 5 * time.Millisecond}, logger)
	require.NoError(t, runner.AddTask(tasker.NewTask(tasker.TaskConfig{
		Name: "only",
		Exec: func(context.Context, *tasker.Task, map[string]*tasker.Task) (any, error) { return nil, nil },
	})))

	ctx, cancel := context.WithCancel(context.Background())
	httpServer := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, httpServer, &session{runner: runner}) }()

	require.Eventually(t, runner.IsStarted, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.False(t, runner.IsStarted())
}

func TestServe_ListenError(t *testing.T) {
	logger = logging.Discard()
	runner := tasker.New(tasker.DefaultConfig(), logger)
	httpServer := &http.Server{Addr: "256.0.0.1:bad", Handler: http.NotFoundHandler()}

	err := serve(context.Background(), httpServer, &session{runner: runner})
	require.Error(t, err)
	assert.False(t, errors.Is(err, http.ErrServerClosed))
}
