// Package retention deletes old run records and their logs, on demand or
// periodically.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/parallel"
	"github.com/batchui/batchrun/internal/store"
)

const deleteParallelism = 4

type Options struct {
	Enabled  bool
	Interval time.Duration
	// Cron takes precedence over Interval.
	Cron          string
	RetentionDays int
	// Status limits the sweep to one status, empty matches all.
	Status model.Status
	DryRun bool
}

// OptionsFrom converts the configuration section.
func OptionsFrom(cfg model.Retention) (Options, error) {
	opts := Options{
		Enabled:       cfg.Enabled,
		Interval:      cfg.Interval.Duration,
		Cron:          cfg.Cron,
		RetentionDays: cfg.RetentionDays,
		DryRun:        cfg.DryRun,
	}
	if cfg.Status != "" {
		st, err := model.ParseStatus(cfg.Status)
		if err != nil {
			return Options{}, fmt.Errorf("retention.status: %w", err)
		}
		opts.Status = st
	}
	return opts, opts.validate()
}

func (o Options) validate() error {
	if o.RetentionDays < 0 {
		return errors.New("retention days must not be negative")
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("unknown run status %q", o.Status)
	}
	if !o.Enabled {
		return nil
	}
	if o.Cron != "" {
		if _, err := model.ParseCron(o.Cron); err != nil {
			return fmt.Errorf("parsing retention.cron: %w", err)
		}
		return nil
	}
	if o.Interval <= 0 {
		return errors.New("retention interval must be positive")
	}
	return nil
}

// ItemError is a failure to delete one run.
type ItemError struct {
	RunID string
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("run %s: %v", e.RunID, e.Err)
}

func (e ItemError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

func (e ItemError) Unwrap() []error {
	return []error{model.ErrRetentionItem, e.Err}
}

// Archiver keeps a copy of a run's log before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, run model.Run) error
}

type Summary struct {
	DryRun           bool
	Cutoff           time.Time
	TotalRuns        int
	Deleted          int
	LogsDeleted      int
	Archived         int
	RunsByStatus     map[model.Status]int
	RunsByScript     map[string]int
	LogFilesToDelete []string
	// Runs lists the matching runs of a dry run.
	Runs     []model.Run
	Errors   []ItemError
	Duration time.Duration
}

type Status struct {
	Running bool
	Options Options
	// Period is the distance between two scheduled sweeps.
	Period        time.Duration
	LastRun       *time.Time
	LastSummary   *Summary
	NextRun       *time.Time
	TimeUntilNext time.Duration
}

type Stats struct {
	RetentionDays int
	Cutoff        time.Time
	OldRuns       int
	ByStatus      map[model.Status]int
	LogFiles      int
	LogBytes      int64
}

type Sweeper struct {
	store    *store.Store
	archiver Archiver
	now      func() time.Time

	mx          sync.Mutex
	opts        Options
	scheduler   gocron.Scheduler
	job         gocron.Job
	jobCtx      context.Context
	lastRun     *time.Time
	lastSummary *Summary

	// sweeps never overlap
	sweepMx sync.Mutex
}

func New(st *store.Store, opts Options) *Sweeper {
	return &Sweeper{
		store: st,
		now:   time.Now,
		opts:  opts,
	}
}

// WithClock replaces the time source, used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithArchiver archives every log before the sweep deletes it. A run whose
// log can't be archived is kept.
func (s *Sweeper) WithArchiver(a Archiver) *Sweeper {
	s.archiver = a
	return s
}

// Configure replaces the options and restarts the periodic job if it was
// running.
func (s *Sweeper) Configure(ctx context.Context, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	s.mx.Lock()
	running := s.scheduler != nil
	s.opts = opts
	s.mx.Unlock()

	if !running {
		return nil
	}
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Start schedules the periodic sweep, which runs for the first time right
// away. Disabled sweepers don't schedule anything.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.scheduler != nil {
		return nil
	}
	if !s.opts.Enabled {
		slog.InfoContext(ctx, "retention sweeper disabled")
		return nil
	}
	if err := s.opts.validate(); err != nil {
		return err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	s.jobCtx = context.WithoutCancel(ctx)
	job, err := scheduler.NewJob(
		s.definition(),
		s.task(),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	scheduler.Start()
	s.scheduler = scheduler
	s.job = job
	slog.InfoContext(ctx, "retention sweeper started",
		"interval", s.opts.Interval.String(), "cron", s.opts.Cron, "retention_days", s.opts.RetentionDays)
	return nil
}

func (s *Sweeper) definition() gocron.JobDefinition {
	if s.opts.Cron != "" {
		return gocron.CronJob(s.opts.Cron, false)
	}
	return gocron.DurationJob(s.opts.Interval)
}

func (s *Sweeper) task() gocron.Task {
	return gocron.NewTask(func() {
		s.mx.Lock()
		ctx, dryRun := s.jobCtx, s.opts.DryRun
		s.mx.Unlock()
		if _, err := s.sweep(ctx, dryRun); err != nil {
			slog.ErrorContext(ctx, "periodic retention sweep failed", "error", err)
		}
	})
}

// Stop shuts the periodic job down.
func (s *Sweeper) Stop() error {
	s.mx.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.job = nil
	s.mx.Unlock()
	if scheduler == nil {
		return nil
	}
	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron has failed: %w", err)
	}
	return nil
}

func (s *Sweeper) Status() Status {
	s.mx.Lock()
	ret := Status{
		Running:     s.scheduler != nil,
		Options:     s.opts,
		LastRun:     s.lastRun,
		LastSummary: s.lastSummary,
	}
	job := s.job
	s.mx.Unlock()

	ret.Period = ret.Options.Interval
	if ret.Options.Cron != "" {
		if period, err := model.CronInterval(ret.Options.Cron, s.now()); err == nil {
			ret.Period = period
		}
	}
	if job != nil {
		if next, err := job.NextRun(); err == nil && !next.IsZero() {
			ret.NextRun = &next
			ret.TimeUntilNext = max(next.Sub(s.now()), 0)
		}
	}
	return ret
}

// Sweep runs a manual sweep and reschedules the periodic one.
func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) (Summary, error) {
	summary, err := s.sweep(ctx, dryRun)
	s.reschedule(ctx)
	return summary, err
}

func (s *Sweeper) reschedule(ctx context.Context) {
	s.mx.Lock()
	scheduler, job := s.scheduler, s.job
	definition := s.definition()
	s.mx.Unlock()
	if scheduler == nil || job == nil {
		return
	}
	updated, err := scheduler.Update(job.ID(), definition, s.task(),
		gocron.WithSingletonMode(gocron.LimitModeReschedule))
	if err != nil {
		slog.WarnContext(ctx, "rescheduling retention sweep failed", "error", err)
		return
	}
	s.mx.Lock()
	if s.scheduler == scheduler {
		s.job = updated
	}
	s.mx.Unlock()
}

func (s *Sweeper) sweep(ctx context.Context, dryRun bool) (Summary, error) {
	s.sweepMx.Lock()
	defer s.sweepMx.Unlock()

	s.mx.Lock()
	opts := s.opts
	s.mx.Unlock()

	start := s.now()
	cutoff := start.AddDate(0, 0, -opts.RetentionDays)
	runs, err := s.store.Expired(ctx, cutoff, opts.Status)
	if err != nil {
		return Summary{}, fmt.Errorf("selecting expired runs: %w", err)
	}

	summary := Summary{
		DryRun:       dryRun,
		Cutoff:       cutoff,
		TotalRuns:    len(runs),
		RunsByStatus: make(map[model.Status]int),
		RunsByScript: make(map[string]int),
	}
	for _, run := range runs {
		summary.RunsByStatus[run.Status]++
		summary.RunsByScript[run.ScriptID]++
		if run.LogPath != "" {
			if _, err := os.Stat(run.LogPath); err == nil {
				summary.LogFilesToDelete = append(summary.LogFilesToDelete, run.LogPath)
			}
		}
	}

	if dryRun {
		summary.Runs = runs
	} else {
		var logsDeleted, archived atomic.Int32
		errs := parallel.Each(ctx, deleteParallelism, runs, func(ctx context.Context, run model.Run) error {
			if s.archiver != nil {
				if err := s.archiver.Archive(ctx, run); err != nil {
					return fmt.Errorf("archiving log: %w", err)
				}
				archived.Add(1)
			}
			if run.LogPath != "" {
				err := os.Remove(run.LogPath)
				switch {
				case err == nil:
					logsDeleted.Add(1)
				case !errors.Is(err, os.ErrNotExist):
					slog.WarnContext(ctx, "removing log failed", "run_id", run.ID, "log", run.LogPath, "error", err)
				}
			}
			return s.store.Delete(ctx, run.ID)
		})
		for i, err := range errs {
			if err != nil {
				summary.Errors = append(summary.Errors, ItemError{RunID: runs[i].ID, Err: err})
				continue
			}
			summary.Deleted++
		}
		summary.LogsDeleted = int(logsDeleted.Load())
		summary.Archived = int(archived.Load())
	}
	summary.Duration = s.now().Sub(start)

	s.mx.Lock()
	s.lastRun = &start
	s.lastSummary = &summary
	s.mx.Unlock()

	slog.InfoContext(ctx, "retention sweep finished",
		"dry_run", dryRun,
		"cutoff", cutoff,
		"matched", summary.TotalRuns,
		"deleted", summary.Deleted,
		"errors", len(summary.Errors),
	)
	return summary, nil
}

// Stats estimates what the next sweep would reclaim.
func (s *Sweeper) Stats(ctx context.Context) (Stats, error) {
	s.mx.Lock()
	opts := s.opts
	s.mx.Unlock()

	cutoff := s.now().AddDate(0, 0, -opts.RetentionDays)
	runs, err := s.store.Expired(ctx, cutoff, opts.Status)
	if err != nil {
		return Stats{}, fmt.Errorf("selecting expired runs: %w", err)
	}
	ret := Stats{
		RetentionDays: opts.RetentionDays,
		Cutoff:        cutoff,
		OldRuns:       len(runs),
		ByStatus:      make(map[model.Status]int),
	}
	sizes, errs := parallel.Map(ctx, deleteParallelism, runs, func(_ context.Context, run model.Run) (int64, error) {
		if run.LogPath == "" {
			return 0, os.ErrNotExist
		}
		info, err := os.Stat(run.LogPath)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	})
	for i, run := range runs {
		ret.ByStatus[run.Status]++
		if errs[i] != nil {
			continue
		}
		ret.LogFiles++
		ret.LogBytes += sizes[i]
	}
	return ret, nil
}
