// Package taskfile loads task graphs from YAML documents and turns them into
// runnable tasks.
//
// A minimal document:
//
//	parallel: 2
//	tasks:
//	  - name: fetch
//	    sleep: 200ms
//	    result: payload
//	  - name: build
//	    depends: [fetch]
//	    script: "'built from ' + deps.fetch.success"
//	  - name: server
//	    background: true
//	    result: stopped
package taskfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/internal/script"
	"github.com/me/tasker/pkg/tasker"
)

// Document is a parsed task graph file.
type Document struct {
	Parallel         int           `yaml:"parallel"`
	RestartDelay     time.Duration `yaml:"restart_delay"`
	PlanningInterval time.Duration `yaml:"planning_interval"`
	StopTimeout      time.Duration `yaml:"stop_timeout"` // applied to background tasks
	Library          []string      `yaml:"library"`      // JavaScript run before every script
	Tasks            []TaskSpec    `yaml:"tasks"`
}

// TaskSpec describes one task.
type TaskSpec struct {
	Name       string        `yaml:"name"`
	Depends    []string      `yaml:"depends"`
	Background bool          `yaml:"background"`
	Data       any           `yaml:"data"`
	Sleep      time.Duration `yaml:"sleep"`  // simulated work before the outcome
	Jitter     time.Duration `yaml:"jitter"` // random extra sleep in [0, jitter)
	Result     any           `yaml:"result"`
	Fail       string        `yaml:"fail"`   // non-empty fails the task with this message
	Script     string        `yaml:"script"` // JavaScript producing the result
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taskfile: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Validate reports every problem in the document. Unknown dependency names
// are allowed: such tasks wait until the dependency is registered.
func (d *Document) Validate() error {
	var result *multierror.Error
	if d.Parallel < 0 {
		result = multierror.Append(result, fmt.Errorf("parallel must not be negative, got %d", d.Parallel))
	}
	if d.RestartDelay < 0 {
		result = multierror.Append(result, fmt.Errorf("restart_delay must not be negative, got %s", d.RestartDelay))
	}
	if d.PlanningInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("planning_interval must not be negative, got %s", d.PlanningInterval))
	}
	if len(d.Tasks) == 0 {
		result = multierror.Append(result, errors.New("no tasks defined"))
	}

	seen := make(map[string]int, len(d.Tasks))
	for i, ts := range d.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if ts.Name == "" {
			result = multierror.Append(result, fmt.Errorf("%s: name is required", field))
		} else if prev, dup := seen[ts.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("%s: duplicate task name %q (first at tasks[%d])", field, ts.Name, prev))
		} else {
			seen[ts.Name] = i
		}
		if ts.Sleep < 0 || ts.Jitter < 0 {
			result = multierror.Append(result, fmt.Errorf("%s: sleep and jitter must not be negative", field))
		}
		if ts.Script != "" {
			if ts.Result != nil {
				result = multierror.Append(result, fmt.Errorf("%s: result and script are mutually exclusive", field))
			}
			if err := script.Check(ts.Script); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", field, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Config overlays the document's non-zero runner settings onto base.
func (d *Document) Config(base tasker.Config) tasker.Config {
	if d.Parallel > 0 {
		base.Parallel = d.Parallel
	}
	if d.RestartDelay > 0 {
		base.RestartDelay = d.RestartDelay
	}
	if d.PlanningInterval > 0 {
		base.PlanningInterval = d.PlanningInterval
	}
	return base
}

// Names returns the task names in document order.
func (d *Document) Names() []string {
	names := make([]string, len(d.Tasks))
	for i, ts := range d.Tasks {
		names[i] = ts.Name
	}
	return names
}

// Build creates one task per entry, in document order.
func (d *Document) Build(logger *slog.Logger) []*tasker.Task {
	logger = logging.OrDiscard(logger)
	eval := script.NewEvaluator(d.Library...)
	tasks := make([]*tasker.Task, 0, len(d.Tasks))
	for _, ts := range d.Tasks {
		tasks = append(tasks, ts.build(eval, d.StopTimeout, logger))
	}
	return tasks
}

// Register builds the tasks and adds them to r. Every registration error is
// reported; tasks that register successfully stay registered.
func (d *Document) Register(r *tasker.Runner, logger *slog.Logger) error {
	var result *multierror.Error
	for _, t := range d.Build(logger) {
		if err := r.AddTask(t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (ts TaskSpec) build(eval *script.Evaluator, stopTimeout time.Duration, logger *slog.Logger) *tasker.Task {
	cfg := tasker.TaskConfig{
		Name:       ts.Name,
		Depends:    ts.Depends,
		Background: ts.Background,
		Data:       ts.Data,
		Logger:     logger,
	}
	if ts.Background {
		cfg.Exec = ts.backgroundExec()
		cfg.Stop = ts.backgroundStop(eval)
		cfg.StopTimeout = stopTimeout
	} else {
		cfg.Exec = ts.foregroundExec(eval)
	}
	return tasker.NewTask(cfg)
}

func (ts TaskSpec) foregroundExec(eval *script.Evaluator) tasker.ExecFunc {
	return func(ctx context.Context, t *tasker.Task, deps map[string]*tasker.Task) (any, error) {
		if err := ts.work(ctx); err != nil {
			return nil, err
		}
		return ts.outcome(ctx, eval, t, deps)
	}
}

// backgroundExec performs the startup work. The task then stays in the
// background until it is stopped.
func (ts TaskSpec) backgroundExec() tasker.ExecFunc {
	return func(ctx context.Context, t *tasker.Task, deps map[string]*tasker.Task) (any, error) {
		if err := ts.work(ctx); err != nil {
			return nil, err
		}
		if ts.Fail != "" {
			return nil, errors.New(ts.Fail)
		}
		return nil, nil
	}
}

func (ts TaskSpec) backgroundStop(eval *script.Evaluator) tasker.StopFunc {
	return func(ctx context.Context, t *tasker.Task) error {
		v, err := ts.value(ctx, eval, t, nil)
		if err != nil {
			return t.BackgroundReject(err)
		}
		return t.BackgroundResolve(v)
	}
}

func (ts TaskSpec) outcome(ctx context.Context, eval *script.Evaluator, t *tasker.Task, deps map[string]*tasker.Task) (any, error) {
	if ts.Fail != "" {
		return nil, errors.New(ts.Fail)
	}
	return ts.value(ctx, eval, t, deps)
}

func (ts TaskSpec) value(ctx context.Context, eval *script.Evaluator, t *tasker.Task, deps map[string]*tasker.Task) (any, error) {
	if ts.Script == "" {
		return ts.Result, nil
	}
	return eval.Evaluate(ctx, ts.Script, t, deps)
}

// work sleeps for the configured duration plus jitter, returning early with
// the context error when ctx ends.
func (ts TaskSpec) work(ctx context.Context) error {
	d := ts.Sleep
	if ts.Jitter > 0 {
		d += rand.N(ts.Jitter)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
