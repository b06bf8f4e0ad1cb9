package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/remote"
	"github.com/koromodako/datashark/internal/task"
)

// newServeCmd runs the task service remote workers forward to.
func newServeCmd(a *app) *cobra.Command {
	var grpcAddr, httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Execute tasks on behalf of remote workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grpcAddr == "" {
				grpcAddr = a.cfg.Remote.Address
			}
			if httpAddr == "" {
				httpAddr = a.cfg.HTTP.Address
			}
			return a.serve(cmd.Context(), grpcAddr, httpAddr)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-address", "", "task service listen address (default: remote.address)")
	cmd.Flags().StringVar(&httpAddr, "http-address", "", "status endpoint listen address (default: http.address)")
	return cmd
}

func (a *app) serve(ctx context.Context, grpcAddr, httpAddr string) error {
	reg, err := a.registry()
	if err != nil {
		return err
	}
	reg.Init(ctx)
	defer reg.Term(context.Background())

	h, err := hasher.New(a.cfg.HashAlgorithms)
	if err != nil {
		return err
	}

	// ── gRPC task service ──
	grpcSrv := grpc.NewServer()
	remote.RegisterTaskServiceServer(grpcSrv, remote.NewServer(reg, task.Toolkit{Hasher: h, Selector: reg}, a.logger))

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("gRPC server listening", slog.String("addr", grpcAddr))
		serveErr <- grpcSrv.Serve(lis)
	}()

	// ── REST API ──
	stopHTTP := a.startHTTP(httpAddr, nil, reg)
	defer stopHTTP()

	// ── Graceful shutdown (SIGINT / SIGTERM) ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("gRPC serve: %w", err)
	}
	grpcSrv.GracefulStop()
	a.logger.Info("gRPC server stopped")
	return nil
}
