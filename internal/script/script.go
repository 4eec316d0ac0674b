// Package script evaluates JavaScript task bodies with goja.
//
// A source is either a plain expression such as `task.data.n * 2` or a
// code block `${ ... }` whose body runs as a function and returns a value.
// Two globals are bound:
//
//	task  {name, data, background}
//	deps  name -> {success, failure, done}
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/me/tasker/pkg/tasker"
)

// ErrEmptySource is returned when there is nothing to evaluate.
var ErrEmptySource = errors.New("empty script")

// Evaluator evaluates task scripts.
type Evaluator struct {
	lib []string
}

// NewEvaluator creates an evaluator. Each lib entry is run before every
// script, so helper functions it defines are visible to task bodies.
func NewEvaluator(lib ...string) *Evaluator {
	return &Evaluator{lib: lib}
}

// IsCodeBlock reports whether src uses the ${ ... } form.
func IsCodeBlock(src string) bool {
	s := strings.TrimSpace(src)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// Evaluate runs src against t and its resolved dependencies. The run is
// interrupted when ctx is cancelled.
func (e *Evaluator) Evaluate(ctx context.Context, src string, t *tasker.Task, deps map[string]*tasker.Task) (any, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, ErrEmptySource
	}

	vm, err := e.setupVM(t, deps)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	val, err := vm.RunString(wrap(src))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause := ctx.Err(); cause != nil {
				return nil, fmt.Errorf("script interrupted: %w", cause)
			}
		}
		return nil, fmt.Errorf("JavaScript error: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// Check compiles src without running it, reporting syntax errors early.
func Check(src string) error {
	src = strings.TrimSpace(src)
	if src == "" {
		return ErrEmptySource
	}
	if _, err := goja.Compile("", wrap(src), false); err != nil {
		return fmt.Errorf("JavaScript syntax error: %w", err)
	}
	return nil
}

// wrap turns src into a program whose completion value is the result.
func wrap(src string) string {
	if IsCodeBlock(src) {
		body := strings.TrimSpace(src[2 : len(src)-1])
		return fmt.Sprintf("(function() { %s })()", body)
	}
	if strings.HasPrefix(src, "{") {
		// Object literal, not a statement block.
		return "(" + src + ")"
	}
	return src
}

func (e *Evaluator) setupVM(t *tasker.Task, deps map[string]*tasker.Task) (*goja.Runtime, error) {
	vm := goja.New()
	if err := vm.Set("task", taskObject(t)); err != nil {
		return nil, fmt.Errorf("set task: %w", err)
	}
	if err := vm.Set("deps", depsObject(deps)); err != nil {
		return nil, fmt.Errorf("set deps: %w", err)
	}

	for i, lib := range e.lib {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("load library %d: %w", i, err)
		}
	}
	return vm, nil
}

func taskObject(t *tasker.Task) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	return map[string]any{
		"name":       t.Name(),
		"data":       t.Data(),
		"background": t.Background(),
	}
}

func depsObject(deps map[string]*tasker.Task) map[string]any {
	out := make(map[string]any, len(deps))
	for name, d := range deps {
		var failure any
		if err := d.Failure(); err != nil {
			failure = err.Error()
		}
		out[name] = map[string]any{
			"success": d.Success(),
			"failure": failure,
			"done":    d.Done(),
		}
	}
	return out
}
