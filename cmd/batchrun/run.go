package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/batchui/batchrun/internal/engine"
	"github.com/batchui/batchrun/internal/feed"
	"github.com/batchui/batchrun/internal/log"
	"github.com/batchui/batchrun/internal/model"
	"github.com/google/uuid"

	"github.com/spf13/cobra"
)

var (
	flagRunKind     string
	flagRunScriptID string
	flagRunWorkDir  string
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "run executes a script and prints its output until it finishes, Ctrl-C kills it",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringVar(&flagRunKind, "kind", "", "interpreter kind: batch, bash or powershell - default is derived from the file extension")
	runCmd.Flags().StringVar(&flagRunScriptID, "script-id", "", "script id of the run - default is the file name without extension")
	runCmd.Flags().StringVar(&flagRunWorkDir, "workdir", "", "working directory of the script - default is the current directory")
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("batchrun",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc, err := newService(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "closing service", "error", err)
		}
	}()
	eng := svc.Engine()

	script := args[0]
	kind := flagRunKind
	if kind == "" {
		kind = strings.TrimPrefix(filepath.Ext(script), ".")
	}
	// subscribe first so no output is missed
	runID := uuid.NewString()
	sub := svc.Feed().Subscribe(runID)
	defer sub.Close()

	started, err := eng.RunScript(ctx, engine.RunRequest{
		RunID:      runID,
		ScriptID:   flagRunScriptID,
		ScriptPath: script,
		Kind:       model.ParseKind(kind),
		WorkDir:    flagRunWorkDir,
	})
	if err != nil {
		return err
	}
	run, err := eng.GetRun(ctx, started.RunID)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "run started", "run_id", started.RunID, "log", started.LogPath)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	last, err := printEvents(sigCtx, cmd.OutOrStdout(), cmd.ErrOrStderr(), sub)
	if err != nil {
		// interrupted: kill the script and wait for its terminal event
		stop()
		if err := eng.KillRuns(context.WithoutCancel(ctx), run.ScriptID); err != nil {
			return err
		}
		if last, err = printEvents(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), sub); err != nil {
			return err
		}
	}
	if err := eng.Drain(ctx); err != nil {
		return err
	}

	if last.Status != model.StatusCompleted {
		return fmt.Errorf("run %s %s: %s", started.RunID, last.Status, last.Message)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s completed, log %s\n", started.RunID, started.LogPath)
	return nil
}

// printEvents copies log events to stdout or stderr and progress to stderr
// until the terminal event arrives or ctx is canceled.
func printEvents(ctx context.Context, stdout, stderr io.Writer, sub *feed.Subscription) (feed.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return feed.Event{}, ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return feed.Event{}, fmt.Errorf("feed of run %s closed", sub.RunID)
			}
			switch e.Kind {
			case feed.KindLog:
				w := stdout
				if e.Stream == feed.StreamStderr {
					w = stderr
				}
				_, _ = io.WriteString(w, e.Data)
			case feed.KindProgress:
				fmt.Fprintf(stderr, "progress: %d%%\n", e.Progress)
			case feed.KindError:
				fmt.Fprintf(stderr, "error: %s\n", e.Message)
			}
			if e.Terminal() {
				return e, nil
			}
		}
	}
}
