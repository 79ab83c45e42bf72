package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/tasksync/internal/api/apitest"
	"github.com/roach88/tasksync/internal/harness"
)

// shutdownTimeout bounds graceful shutdown of HTTP listeners.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Seed    string
	Token   string
	Latency time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory task API with a push channel",
		Long: `Run the in-memory backend over HTTP for local development.

The server speaks the same request/response API and websocket push channel
the client uses, assigns revisions, and broadcasts every change. Entities
from --seed are loaded before the listener starts.

Examples:
  tasksync serve
  tasksync serve --addr 127.0.0.1:9000 --seed ./seed.yaml
  tasksync serve --latency 300ms --token dev`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default serve.addr)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML file of entities to load (default serve.seed)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "require this bearer token (default api.token)")
	cmd.Flags().DurationVar(&opts.Latency, "latency", 0, "delay every API call")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.config()
	logger := opts.logger()
	if opts.Addr == "" {
		opts.Addr = cfg.Serve.Addr
	}
	if opts.Seed == "" {
		opts.Seed = cfg.Serve.Seed
	}
	if opts.Token == "" {
		opts.Token = cfg.API.Token
	}

	srv, err := newServeServer(opts, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (push channel ws://%s/v1/events)\n", ln.Addr(), ln.Addr())
	logger.Info("serve started", "addr", ln.Addr().String(), "seed", opts.Seed, "latency", opts.Latency)
	return serveUntilDone(ctx, httpSrv, ln, logger)
}

// newServeServer builds the backend and its HTTP surface.
func newServeServer(opts *ServeOptions, logger *slog.Logger) (*apitest.Server, error) {
	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	backend := apitest.NewBackend(apitest.WithLogger(logger), apitest.WithLatency(opts.Latency))
	if opts.Seed != "" {
		ents, err := harness.LoadSeed(opts.Seed)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load seed", err)
		}
		backend.Seed(ents...)
		logger.Info("seeded backend", "entities", len(ents))
	}

	serverOpts := []apitest.ServerOption{apitest.WithServerLogger(logger)}
	if opts.Token != "" {
		serverOpts = append(serverOpts, apitest.RequireToken(opts.Token))
	}
	return apitest.NewServer(backend, serverOpts...), nil
}

// serveUntilDone serves on ln until ctx ends, then shuts down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shut down", "error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// commandContext returns a context canceled on SIGINT or SIGTERM or when the
// command's own context ends.
func commandContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
