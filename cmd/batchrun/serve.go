package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/batchui/batchrun/internal/log"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve recovers orphaned runs, runs the retention sweeper and serves live run feeds",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("batchrun",
		slog.String("cmd", "serve"),
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

	addr := config.Service.Listen.String()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer func() {
		_ = ln.Close()
	}()
	if err := svc.Serve(ctx, ln); err != nil {
		return err
	}
	for runID, pid := range svc.Engine().Tracked() {
		slog.WarnContext(context.WithoutCancel(ctx), "script keeps running after shutdown", "run_id", runID, "pid", pid)
	}
	return nil
}
