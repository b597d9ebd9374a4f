// Package engine runs scripts and tracks their lifecycle. It ties the
// process runner, the run store, the live feed and the registry of
// in-flight handles together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/batchui/batchrun/internal/dedup"
	"github.com/batchui/batchrun/internal/feed"
	"github.com/batchui/batchrun/internal/log"
	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/registry"
	"github.com/batchui/batchrun/internal/runner"
	"github.com/batchui/batchrun/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const chunkSize = 32 * 1024

var ErrRunActive = errors.New("run is active")

// Starter spawns scripts, *runner.Runner in production.
type Starter interface {
	Start(ctx context.Context, kind model.Kind, scriptPath, workDir string) (runner.Handle, error)
}

// Notifier is told about every run reaching a terminal status.
type Notifier interface {
	RunFinished(ctx context.Context, run model.Run, message string) error
}

const notifyTimeout = 10 * time.Second

type Options struct {
	LogDir string
	Dedup  model.Dedup
	// Notifier is optional.
	Notifier Notifier
	// OrphanPoll is the liveness check interval of recovered processes.
	OrphanPoll time.Duration
	Now        func() time.Time
}

type Engine struct {
	store    *store.Store
	runner   Starter
	feed     *feed.Feed
	registry *registry.Registry
	notifier Notifier

	logDir     string
	dedup      model.Dedup
	orphanPoll time.Duration
	now        func() time.Time

	streams   sync.WaitGroup
	watchers  sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func New(st *store.Store, r Starter, f *feed.Feed, opts Options) *Engine {
	if opts.LogDir == "" {
		opts.LogDir = "logs"
	}
	if opts.OrphanPoll <= 0 {
		opts.OrphanPoll = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:      st,
		runner:     r,
		feed:       f,
		registry:   registry.New(),
		notifier:   opts.Notifier,
		logDir:     opts.LogDir,
		dedup:      opts.Dedup,
		orphanPoll: opts.OrphanPoll,
		now:        opts.Now,
		closing:    make(chan struct{}),
	}
}

type RunRequest struct {
	// RunID lets the caller subscribe to the feed before the run starts. A
	// uuid is generated when empty.
	RunID      string
	ScriptID   string
	ScriptPath string
	Kind       model.Kind
	WorkDir    string
}

type Started struct {
	RunID   string
	LogPath string
}

// RunScript starts the script and returns once it is running. Output is
// consumed in the background until the script exits.
func (e *Engine) RunScript(ctx context.Context, req RunRequest) (Started, error) {
	if req.ScriptID == "" {
		req.ScriptID = strings.TrimSuffix(filepath.Base(req.ScriptPath), filepath.Ext(req.ScriptPath))
	}
	if err := checkScript(req.ScriptPath); err != nil {
		return Started{}, err
	}
	if req.WorkDir == "" {
		req.WorkDir = filepath.Dir(req.ScriptPath)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	} else if _, err := uuid.Parse(req.RunID); err != nil {
		return Started{}, fmt.Errorf("invalid run id %q: %w", req.RunID, err)
	}

	start := e.now().UTC()
	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return Started{}, fmt.Errorf("%w: %w", model.ErrLogWrite, err)
	}
	logPath := filepath.Join(e.logDir, fmt.Sprintf("%s-%d.log", sanitize(req.ScriptID), start.UnixMilli()))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Started{}, fmt.Errorf("%w: %w", model.ErrLogWrite, err)
	}

	run := model.Run{
		ID:        req.RunID,
		ScriptID:  req.ScriptID,
		Kind:      req.Kind,
		Status:    model.StatusPending,
		StartTime: start,
		LogPath:   logPath,
	}
	if err := e.store.Create(ctx, run); err != nil {
		_ = logFile.Close()
		return Started{}, fmt.Errorf("creating run: %w", err)
	}

	runCtx := log.WithRun(context.WithoutCancel(ctx), run.ID, run.ScriptID)
	h, err := e.runner.Start(runCtx, req.Kind, req.ScriptPath, req.WorkDir)
	if err != nil {
		slog.ErrorContext(runCtx, "starting script failed", "error", err)
		_, _ = fmt.Fprintf(logFile, "failed to start %s: %v\n", req.ScriptPath, err)
		_ = logFile.Close()
		e.feed.Publish(run.ID, feed.Event{Kind: feed.KindError, Message: err.Error()})
		e.finish(runCtx, run.ID, model.StatusFailed, err.Error())
		return Started{}, fmt.Errorf("starting run %s: %w", run.ID, err)
	}

	// a run listed as running always has its handle registered
	e.registry.Register(run.ID, h)
	if _, err := e.store.MarkRunning(runCtx, run.ID, h.PID()); err != nil {
		slog.ErrorContext(runCtx, "marking run as running failed", "error", err)
	}
	e.feed.Publish(run.ID, feed.Event{Kind: feed.KindStatus, Status: model.StatusRunning})
	slog.InfoContext(runCtx, "run started", "kind", req.Kind, "pid", h.PID(), "log", logPath)

	run.Status = model.StatusRunning
	e.streams.Add(1)
	go func() {
		defer e.streams.Done()
		e.stream(runCtx, run, h, logFile)
	}()
	return Started{RunID: run.ID, LogPath: logPath}, nil
}

// checkScript reports ErrScriptFileMissing unless path is a readable file.
func checkScript(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrScriptFileMissing, path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrScriptFileMissing, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", model.ErrScriptFileMissing, path)
	}
	return nil
}

func (e *Engine) stream(ctx context.Context, run model.Run, h runner.Handle, logFile *os.File) {
	out := &output{
		engine:  e,
		run:     run,
		logFile: logFile,
	}
	if run.Kind.Persistent() {
		out.dedup = dedup.New(e.dedup.TokenLength, e.dedup.RepeatCap)
	}

	var g errgroup.Group
	g.Go(func() error { return out.pump(ctx, h.Stdout(), feed.StreamStdout) })
	g.Go(func() error { return out.pump(ctx, h.Stderr(), feed.StreamStderr) })
	_ = g.Wait()

	status := model.StatusCompleted
	message := ""
	if err := h.Wait(); err != nil {
		status = model.StatusFailed
		message = err.Error()
	}
	e.finish(ctx, run.ID, status, message)
	if out.dedup != nil {
		out.dedup.Reset()
	}
	if err := logFile.Close(); err != nil {
		slog.WarnContext(ctx, "closing log failed", "error", fmt.Errorf("%w: %w", model.ErrLogWrite, err))
	}
	slog.InfoContext(ctx, "run finished", "status", status)
}

// finish moves the run to a terminal status. Only the call which actually
// changed the status publishes the terminal event.
func (e *Engine) finish(ctx context.Context, runID string, status model.Status, message string) bool {
	end := e.now().UTC()
	changed, err := e.store.Finish(ctx, runID, status, end)
	e.registry.Unregister(runID)
	if err != nil {
		slog.ErrorContext(ctx, "finishing run failed", "status", status, "error", err)
		return false
	}
	if changed {
		e.feed.Terminate(runID, feed.Event{
			Kind:     feed.KindStatus,
			Status:   status,
			Progress: 100,
			EndTime:  &end,
			Message:  message,
		})
		e.notify(ctx, runID, message)
	}
	return changed
}

func (e *Engine) notify(ctx context.Context, runID, message string) {
	if e.notifier == nil {
		return
	}
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		slog.WarnContext(ctx, "loading finished run failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := e.notifier.RunFinished(ctx, run, message); err != nil {
		slog.WarnContext(ctx, "notifying finished run failed", "error", err)
	}
}

// output consumes the streams of one run.
type output struct {
	engine  *Engine
	run     model.Run
	dedup   *dedup.Deduplicator
	mx      sync.Mutex
	logFile io.Writer
}

func (o *output) pump(ctx context.Context, r io.Reader, stream string) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			o.chunk(ctx, stream, chunk)
		}
		if err != nil {
			if !runner.IsClosed(err) {
				slog.WarnContext(ctx, "reading output failed",
					"stream", stream, "error", fmt.Errorf("%w: %w", model.ErrStreamRead, err))
			}
			return nil
		}
	}
}

func (o *output) chunk(ctx context.Context, stream string, chunk []byte) {
	e := o.engine
	parse := stream == feed.StreamStdout
	if o.dedup != nil {
		if o.dedup.Suppress(chunk) {
			return
		}
		parse = true
	}

	o.mx.Lock()
	_, err := o.logFile.Write(chunk)
	o.mx.Unlock()
	if err != nil {
		slog.WarnContext(ctx, "writing log failed", "error", fmt.Errorf("%w: %w", model.ErrLogWrite, err))
	}
	e.feed.Publish(o.run.ID, feed.Event{Kind: feed.KindLog, Stream: stream, Data: string(chunk)})

	if !parse {
		return
	}
	p, ok := ParseProgress(chunk)
	if !ok {
		return
	}
	changed, err := e.store.UpdateProgress(ctx, o.run.ID, p)
	if err != nil {
		slog.WarnContext(ctx, "updating progress failed", "progress", p, "error", err)
		return
	}
	if changed {
		e.feed.Publish(o.run.ID, feed.Event{Kind: feed.KindProgress, Progress: p})
	}
}

// KillRuns fails every running run of the script and kills its process.
// Runs without a live handle are only marked failed.
func (e *Engine) KillRuns(ctx context.Context, scriptID string) error {
	runs, err := e.store.ListRunning(ctx, scriptID)
	if err != nil {
		return fmt.Errorf("listing running runs of %s: %w", scriptID, err)
	}
	for _, run := range runs {
		runCtx := log.WithRun(ctx, run.ID, run.ScriptID)
		h, ok := e.registry.Lookup(run.ID)
		e.finish(runCtx, run.ID, model.StatusFailed, "killed")
		if !ok {
			slog.DebugContext(runCtx, "no handle to kill", "error", model.ErrKillTargetNotFound)
			continue
		}
		if err := h.Kill(); err != nil {
			slog.WarnContext(runCtx, "killing process failed", "pid", h.PID(), "error", err)
			continue
		}
		slog.InfoContext(runCtx, "run killed", "pid", h.PID())
	}
	return nil
}

// Subscribe opens a live subscription for the run. Runs which already
// finished get a snapshot event and a closed channel.
func (e *Engine) Subscribe(ctx context.Context, runID string) (*feed.Subscription, error) {
	sub := e.feed.Subscribe(runID)
	if sub.Sealed() {
		return sub, nil
	}
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		sub.Close()
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", feed.ErrUnknownRun, runID)
		}
		return nil, err
	}
	if run.Terminal() {
		e.feed.Seal(sub, feed.Event{
			Kind:     feed.KindSnapshot,
			Status:   run.Status,
			Progress: run.Progress,
			EndTime:  run.EndTime,
		})
	}
	return sub, nil
}

func (e *Engine) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return e.store.Get(ctx, runID)
}

type RunWithLog struct {
	model.Run
	Log string
}

// GetRunWithLog returns the run and, once completed, its log content.
func (e *Engine) GetRunWithLog(ctx context.Context, runID string) (RunWithLog, error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return RunWithLog{}, err
	}
	ret := RunWithLog{Run: run}
	if run.Status != model.StatusCompleted {
		return ret, nil
	}
	b, err := os.ReadFile(run.LogPath)
	if err != nil {
		slog.WarnContext(ctx, "reading log failed", "run_id", runID, "log", run.LogPath, "error", err)
		return ret, nil
	}
	ret.Log = string(b)
	return ret, nil
}

func (e *Engine) ListRuns(ctx context.Context, f store.Filter) (store.Page, error) {
	return e.store.List(ctx, f)
}

func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}

// DeleteRun removes the log file and the record of a finished run.
func (e *Engine) DeleteRun(ctx context.Context, runID string) error {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunActive, runID, run.Status)
	}
	if run.LogPath != "" {
		if err := os.Remove(run.LogPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "removing log failed", "run_id", runID, "log", run.LogPath, "error", err)
		}
	}
	return e.store.Delete(ctx, runID)
}

// DeleteRuns deletes every run and joins the per run errors.
func (e *Engine) DeleteRuns(ctx context.Context, runIDs []string) (int, error) {
	var (
		deleted int
		errs    []error
	)
	for _, id := range runIDs {
		if err := e.DeleteRun(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Running is the number of runs with a live handle.
func (e *Engine) Running() int {
	return e.registry.Len()
}

// Tracked maps the runs with a live handle to their process ids.
func (e *Engine) Tracked() map[string]int {
	ret := make(map[string]int, e.registry.Len())
	e.registry.Range(func(runID string, h runner.Handle) bool {
		ret[runID] = h.PID()
		return true
	})
	return ret
}

// Drain waits until all output of started runs has been consumed.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops watching recovered processes. Started scripts keep running.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
	})
	e.watchers.Wait()
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(scriptID string) string {
	s := unsafeName.ReplaceAllString(scriptID, "_")
	if s == "" || s == "." || s == ".." {
		return "script"
	}
	return s
}
