package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/tasker/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <taskfile>",
		Short: "Run a task graph and serve its status API",
		Long: `Runs the task graph and serves the status API until SIGINT/SIGTERM.
The API stays up after the graph is idle so results can be inspected and
tasks restarted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			_, runner, err := loadGraph(cmd, path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := openSession(ctx, runner, path)
			if err != nil {
				return err
			}

			var opts []server.Option
			if sess.journal != nil {
				opts = append(opts, server.WithJournal(sess.journal, sess.runID))
			}
			srv := server.New(runner, logger, opts...)
			httpServer := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			return serve(ctx, httpServer, sess)
		},
	}

	cmd.Flags().String("addr", "", "Listen address for the status API")
	cmd.Flags().Int("parallel", 0, "Maximum number of concurrently running foreground tasks")
	cmd.Flags().String("journal", "", "SQLite journal path for recording runner events")
	return cmd
}

// serve runs the HTTP server and the task graph until ctx ends or the
// server fails, then shuts both down.
func serve(ctx context.Context, httpServer *http.Server, sess *session) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sess.runner.Start()
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serr := httpServer.Shutdown(shutdownCtx)
		if err := sess.close(); err != nil {
			logger.Warn("errors while stopping", "error", err)
		}
		return serr
	})

	return g.Wait()
}
