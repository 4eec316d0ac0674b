package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/tasker/internal/journal"
	"github.com/me/tasker/internal/taskfile"
	"github.com/me/tasker/pkg/tasker"
)

// stopTimeout bounds how long shutdown waits for running tasks.
const stopTimeout = 30 * time.Second

// loadGraph reads a taskfile and registers its tasks with a new runner.
// Runner settings in the file override the loaded configuration, and an
// explicit --parallel overrides both.
func loadGraph(cmd *cobra.Command, path string) (*taskfile.Document, *tasker.Runner, error) {
	doc, err := taskfile.Load(path)
	if err != nil {
		return nil, nil, err
	}
	rc := doc.Config(cfg.Runner())
	if f := cmd.Flags().Lookup("parallel"); f != nil && f.Changed {
		rc.Parallel = cfg.Parallel
	}
	runner := tasker.New(rc, logger)
	if err := doc.Register(runner, logger); err != nil {
		return nil, nil, fmt.Errorf("register tasks: %w", err)
	}
	return doc, runner, nil
}

// session couples a runner with its optional journal.
type session struct {
	runner  *tasker.Runner
	journal *journal.Journal
	runID   string
	detach  func()
}

// openSession attaches a journal to runner when one is configured.
func openSession(ctx context.Context, runner *tasker.Runner, label string) (*session, error) {
	s := &session{runner: runner}
	if cfg.Journal == "" {
		return s, nil
	}
	j, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return nil, err
	}
	runID, err := j.StartRun(ctx, label)
	if err != nil {
		j.Close()
		return nil, err
	}
	s.journal = j
	s.runID = runID
	s.detach = j.Attach(runner, runID)
	logger.Info("journal enabled", "path", cfg.Journal, "run", runID)
	return s, nil
}

// close stops the runner and finalises the journal.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	err := s.runner.Stop(ctx)
	if s.journal != nil {
		s.detach()
		if ferr := s.journal.FinishRun(ctx, s.runID); ferr != nil {
			logger.Warn("failed to finish journal run", "error", ferr)
		}
		if cerr := s.journal.Close(); cerr != nil {
			logger.Warn("failed to close journal", "error", cerr)
		}
	}
	return err
}
