package taskfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/tasker/pkg/model"
	"github.com/me/tasker/pkg/tasker"
)

const sample = `
parallel: 2
restart_delay: 1s
planning_interval: 5ms
stop_timeout: 500ms
library:
  - "function shout(s) { return s.toUpperCase(); }"
tasks:
  - name: fetch
    sleep: 10ms
    result: payload
  - name: lint
    fail: style violations
  - name: build
    depends: [fetch, lint]
    data:
      target: linux
    script: "shout(deps.fetch.success) + '/' + task.data.target + '/' + deps.lint.failure"
  - name: server
    background: true
    result: stopped
`

func parseSample(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(sample))
	require.NoError(t, err)
	return doc
}

func byName(tasks []*tasker.Task) map[string]*tasker.Task {
	m := make(map[string]*tasker.Task, len(tasks))
	for _, t := range tasks {
		m[t.Name()] = t
	}
	return m
}

func TestParse(t *testing.T) {
	doc := parseSample(t)

	assert.Equal(t, 2, doc.Parallel)
	assert.Equal(t, time.Second, doc.RestartDelay)
	assert.Equal(t, 5*time.Millisecond, doc.PlanningInterval)
	assert.Equal(t, 500*time.Millisecond, doc.StopTimeout)
	assert.Equal(t, []string{"fetch", "lint", "build", "server"}, doc.Names())

	build := doc.Tasks[2]
	assert.Equal(t, []string{"fetch", "lint"}, build.Depends)
	assert.Equal(t, map[string]any{"target": "linux"}, build.Data)
	assert.Equal(t, 10*time.Millisecond, doc.Tasks[0].Sleep)
	assert.True(t, doc.Tasks[3].Background)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "malformed",
			yaml: "tasks: [",
			want: []string{"YAML parse error"},
		},
		{
			name: "no tasks",
			yaml: "parallel: 1\n",
			want: []string{"no tasks defined"},
		},
		{
			name: "collects every problem",
			yaml: `
parallel: -1
tasks:
  - name: a
  - name: a
  - depends: [a]
  - name: b
    sleep: -1s
  - name: c
    result: 1
    script: "1"
  - name: d
    script: "${ return ( }"
`,
			want: []string{
				"parallel must not be negative",
				`tasks[1]: duplicate task name "a" (first at tasks[0])`,
				"tasks[2]: name is required",
				"tasks[3]: sleep and jitter must not be negative",
				"tasks[4]: result and script are mutually exclusive",
				"tasks[5]: JavaScript syntax error",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Tasks, 4)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read taskfile")
}

func TestDocument_Config(t *testing.T) {
	base := tasker.DefaultConfig()

	cfg := (&Document{}).Config(base)
	assert.Equal(t, base, cfg)

	cfg = parseSample(t).Config(base)
	assert.Equal(t, 2, cfg.Parallel)
	assert.Equal(t, time.Second, cfg.RestartDelay)
	assert.Equal(t, 5*time.Millisecond, cfg.PlanningInterval)
}

func TestBuild_ForegroundBodies(t *testing.T) {
	tasks := byName(parseSample(t).Build(nil))
	ctx := context.Background()

	v, err := tasks["fetch"].Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", v)

	_, err = tasks["lint"].Run(ctx, nil)
	assert.EqualError(t, err, "style violations")

	deps := map[string]*tasker.Task{"fetch": tasks["fetch"], "lint": tasks["lint"]}
	v, err = tasks["build"].Run(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, "PAYLOAD/linux/style violations", v)
}

func TestBuild_SleepHonoursCancel(t *testing.T) {
	doc := &Document{Tasks: []TaskSpec{{Name: "slow", Sleep: time.Hour}}}
	task := doc.Build(nil)[0]

	errCh := make(chan error, 1)
	go func() {
		_, err := task.Run(context.Background(), nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return !task.Started().IsZero() }, time.Second, time.Millisecond)
	require.NoError(t, task.Cancel(context.Background()))

	select {
	case err := <-errCh:
		assert.True(t, tasker.IsCancellation(err))
	case <-time.After(time.Second):
		t.Fatal("sleeping task ignored cancellation")
	}
}

func TestBuild_BackgroundResolvesOnStop(t *testing.T) {
	task := byName(parseSample(t).Build(nil))["server"]
	require.True(t, task.Background())

	resCh := make(chan any, 1)
	go func() {
		v, _ := task.Run(context.Background(), nil)
		resCh <- v
	}()

	require.Eventually(t, func() bool { return !task.Started().IsZero() }, time.Second, time.Millisecond)
	require.NoError(t, task.Cancel(context.Background()))

	select {
	case v := <-resCh:
		assert.Equal(t, "stopped", v)
		assert.Equal(t, model.TaskStatusSuccess, task.Status())
	case <-time.After(time.Second):
		t.Fatal("background task was not resolved by stop")
	}
}

func TestRegister_RunsGraph(t *testing.T) {
	doc := parseSample(t)
	// Drop the background entry so the runner can go idle.
	doc.Tasks = doc.Tasks[:3]

	r := tasker.New(doc.Config(tasker.DefaultConfig()), nil)
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	idle := make(chan struct{}, 1)
	r.Once(tasker.EventIdle, func(tasker.Event) { idle <- struct{}{} })

	require.NoError(t, doc.Register(r, nil))
	r.Start()

	select {
	case <-idle:
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not become idle")
	}

	state, err := r.TaskState("build")
	require.NoError(t, err)
	assert.Equal(t, model.QueueSuccess, state)
	assert.Equal(t, "PAYLOAD/linux/style violations", r.GetTask("build").Success())

	state, err = r.TaskState("lint")
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailure, state)
}

func TestRegister_ReportsDuplicates(t *testing.T) {
	doc := &Document{Tasks: []TaskSpec{{Name: "a", Result: 1}}}
	r := tasker.New(tasker.DefaultConfig(), nil)
	require.NoError(t, doc.Register(r, nil))

	err := doc.Register(r, nil)
	assert.ErrorIs(t, err, model.ErrDuplicateTask)
}
