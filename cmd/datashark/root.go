package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/koromodako/datashark/internal/config"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/plugins"
	"github.com/koromodako/datashark/internal/restapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app is the state shared by every command once the configuration is loaded.
type app struct {
	configPath string
	debug      bool
	silent     bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "datashark",
		Short: "Forensic framework to process data containers",
		Long: `Datashark hashes, recursively dissects and examines files found in
evidence directories, storing every result in the configured databases.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: datashark.yml in ., $HOME or /etc/datashark)")
	flags.BoolVarP(&a.debug, "debug", "d", false, "enable debug logging")
	flags.BoolVarP(&a.silent, "silent", "s", false, "disable logging")
	root.MarkFlagsMutuallyExclusive("debug", "silent")

	root.AddCommand(
		newProcessCmd(a, "hash", "Compute and store the digests of files"),
		newProcessCmd(a, "dissect", "Recursively extract containers from files"),
		newProcessCmd(a, "examine", "Run the matching examiners on files"),
		newPluginsCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration and installs the logger.
func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "invalid configuration:", err)
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg, a.debug, a.silent, stderr)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(cfg *config.Config, debug, silent bool, w io.Writer) *slog.Logger {
	if silent {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// registry returns a registry holding every built-in plugin.
func (a *app) registry() (*plugin.Registry, error) {
	reg := plugin.NewRegistry(a.logger)
	if err := plugins.Register(reg, a.cfg.WorkspaceDir); err != nil {
		return nil, err
	}
	return reg, nil
}

// startHTTP serves the status endpoints on addr until the returned stop
// function is called. An empty addr disables the server.
func (a *app) startHTTP(addr string, backend restapi.Backend, reg *plugin.Registry) (stop func()) {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	restapi.NewHandler(backend, reg, a.cfg.WorkspaceDir, a.logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.logger.Info("HTTP server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP serve", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("HTTP shutdown", slog.String("error", err.Error()))
		}
		a.logger.Info("HTTP server stopped")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the datashark version",
		Args:  cobra.NoArgs,
		// No configuration needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "datashark", version)
		},
	}
}
