package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/koromodako/datashark/internal/datashark"
)

// newProcessCmd builds the hash, dissect and examine commands.
func newProcessCmd(a *app, op, short string) *cobra.Command {
	var opts datashark.ScanOptions
	cmd := &cobra.Command{
		Use:   op + " PATH",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.process(cmd.Context(), op, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.Recurse, "recurse", "r", false, "descend into sub-directories")
	flags.StringSliceVarP(&opts.Include, "include", "i", nil, "glob of files to keep even when excluded (repeatable)")
	flags.StringSliceVarP(&opts.Exclude, "exclude", "e", nil, "glob of files to skip (repeatable)")
	return cmd
}

func (a *app) process(ctx context.Context, op, path string, opts datashark.ScanOptions) error {
	reg, err := a.registry()
	if err != nil {
		return err
	}
	ds := datashark.New(a.cfg, reg, a.logger)
	if err := ds.Init(ctx); err != nil {
		return err
	}
	defer func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ds.Term(termCtx); err != nil {
			a.logger.Error("terminate", slog.String("error", err.Error()))
		}
	}()

	stopHTTP := a.startHTTP(a.cfg.HTTP.Address, ds, reg)
	defer stopHTTP()

	// ── First SIGINT / SIGTERM aborts the pass, the second one exits ──
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Warn("signal received, aborting", slog.String("signal", sig.String()))
			go func() {
				if err := ds.Abort(context.Background()); err != nil {
					a.logger.Error("abort", slog.String("error", err.Error()))
				}
			}()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			a.logger.Error("second signal received, exiting")
			os.Exit(130)
		case <-done:
		}
	}()

	start := time.Now()
	var run func(context.Context, string, datashark.ScanOptions) error
	switch op {
	case "hash":
		run = ds.Hash
	case "dissect":
		run = ds.Dissect
	case "examine":
		run = ds.Examine
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if err := run(ctx, path, opts); err != nil {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	a.logger.Info("operation completed",
		slog.String("operation", op),
		slog.String("path", path),
		slog.Duration("latency", time.Since(start)),
	)
	return nil
}
