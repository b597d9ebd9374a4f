package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/batchui/batchrun/internal/archive"
	"github.com/batchui/batchrun/internal/engine"
	"github.com/batchui/batchrun/internal/feed"
	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/notify"
	"github.com/batchui/batchrun/internal/retention"
	"github.com/batchui/batchrun/internal/runner"
	"github.com/batchui/batchrun/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Service owns the components of one batchrun process.
type Service struct {
	cfg     model.Config
	store   *store.Store
	feed    *feed.Feed
	engine  *engine.Engine
	sweeper *retention.Sweeper
	// nil unless kafka brokers are configured
	publisher *notify.Publisher
}

// New opens the store and builds the engine and the retention sweeper. An
// empty sqlite DSN resolves to batchrun.db in dataDir. Finished runs are
// published to kafka and logs are archived to s3 before deletion when those
// sections are configured.
func New(ctx context.Context, cfg model.Config, dataDir string) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	opts, err := retention.OptionsFrom(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("initializing retention: %w", err)
	}

	var archiver *archive.S3
	if ac, ok := archive.ConfigFrom(cfg.Archive.S3); ok {
		archiver, err = archive.NewS3(ac)
		if err != nil {
			return nil, fmt.Errorf("initializing log archive: %w", err)
		}
	}

	var publisher *notify.Publisher
	if kc, ok := notify.ConfigFrom(cfg.Notify.Kafka); ok {
		publisher, err = notify.NewPublisher(kc)
		if err != nil {
			return nil, fmt.Errorf("initializing kafka publisher: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.Store.Driver, DSN(cfg.Store, dataDir))
	if err != nil {
		closePublisher(ctx, publisher)
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}

	f := feed.New(feed.Options{
		Buffer: cfg.Feed.Buffer,
		Grace:  cfg.Feed.Grace.Duration,
	})
	r := runner.New(runner.ConfigFrom(cfg.Interpreters, cfg.Engine.KillGrace.Duration))
	eopts := engine.Options{
		LogDir: cfg.Logs.Dir,
		Dedup:  cfg.Dedup,
	}
	if publisher != nil {
		eopts.Notifier = publisher
	}
	eng := engine.New(st, r, f, eopts)

	sweeper := retention.New(st, opts)
	if archiver != nil {
		sweeper.WithArchiver(archiver)
	}

	return &Service{
		cfg:       cfg,
		store:     st,
		feed:      f,
		engine:    eng,
		sweeper:   sweeper,
		publisher: publisher,
	}, nil
}

func closePublisher(ctx context.Context, p *notify.Publisher) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		slog.WarnContext(ctx, "closing kafka publisher", "error", err)
	}
}

func (s *Service) Engine() *engine.Engine {
	return s.engine
}

func (s *Service) Feed() *feed.Feed {
	return s.feed
}

func (s *Service) Sweeper() *retention.Sweeper {
	return s.sweeper
}

// Handler routes the websocket live feed.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{id}/events", feed.Handler(s.engine))
	return mux
}

// Serve recovers orphaned runs, starts the sweeper and serves the live feed
// on ln until ctx is canceled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	n, err := s.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering runs: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "recovered orphaned runs", "count", n)
	}

	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting retention sweeper: %w", err)
	}
	defer func() {
		if err := s.sweeper.Stop(); err != nil {
			slog.ErrorContext(ctx, "stopping retention sweeper", "error", err)
		}
	}()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "serving live feed", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// hijacked websocket connections end once their feeds are closed
	s.feed.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops background watchers, flushes pending notifications and closes
// the store. Started scripts are not killed.
func (s *Service) Close() error {
	s.engine.Close()
	s.feed.Close()
	var errs []error
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing kafka publisher: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
