package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batchui/batchrun/internal/log"
	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/runner"
)

const orphanMessage = "orphaned by a previous process"

// Recover finalizes runs left pending or running by a previous process.
// A still alive process is watched until it exits. Its exit status can't be
// observed by a non-parent, so such runs always end failed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active runs: %w", err)
	}
	for _, run := range runs {
		runCtx := log.WithRun(context.WithoutCancel(ctx), run.ID, run.ScriptID)
		if run.Status == model.StatusRunning && run.PID != nil && runner.Alive(*run.PID) {
			slog.InfoContext(runCtx, "watching orphaned run", "pid", *run.PID)
			e.watchers.Add(1)
			go func() {
				defer e.watchers.Done()
				e.watchOrphan(runCtx, run.ID, *run.PID)
			}()
			continue
		}
		slog.InfoContext(runCtx, "finalizing orphaned run", "status", run.Status)
		e.finish(runCtx, run.ID, model.StatusFailed, orphanMessage)
	}
	return len(runs), nil
}

func (e *Engine) watchOrphan(ctx context.Context, runID string, pid int) {
	ticker := time.NewTicker(e.orphanPoll)
	defer ticker.Stop()
	for {
		select {
		case <-e.closing:
			return
		case <-ticker.C:
			if runner.Alive(pid) {
				continue
			}
			e.finish(ctx, runID, model.StatusFailed, orphanMessage)
			return
		}
	}
}
