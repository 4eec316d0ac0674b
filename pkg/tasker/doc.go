// Package tasker runs a graph of named tasks with name-based dependencies.
//
// A Runner holds every registered Task in one of six queues. A task moves
// from holding to pending once all of its dependencies are registered, and
// from pending to running (or background) once all of them are done,
// successfully or not, and a foreground slot is free. Foreground tasks are
// capped by Config.Parallel; background tasks are not, and complete only
// when their detach future is fulfilled, usually from their stop hook.
//
// Failed background tasks that were not cancelled are restarted after
// Config.RestartDelay.
//
// Basic use:
//
//	r := tasker.New(tasker.DefaultConfig(), logger)
//	_ = r.AddTask(tasker.NewTask(tasker.TaskConfig{
//		Name: "build",
//		Exec: func(ctx context.Context, t *tasker.Task, deps map[string]*tasker.Task) (any, error) {
//			return "ok", nil
//		},
//	}))
//	r.On(tasker.EventIdle, func(tasker.Event) { close(idle) })
//	r.Start()
package tasker
