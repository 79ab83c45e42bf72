package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/config"
	"github.com/roach88/tasksync/internal/engine"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/metrics"
	"github.com/roach88/tasksync/internal/reconcile"
	"github.com/roach88/tasksync/internal/store"
	"github.com/roach88/tasksync/internal/timer"
	"github.com/roach88/tasksync/internal/tui"
	"github.com/roach88/tasksync/internal/window"
)

// DashOptions holds flags for the dash command.
type DashOptions struct {
	*RootOptions
	List        string
	Journal     string
	MetricsAddr string
	LogFile     string
}

// NewDashCommand creates the dash command.
func NewDashCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DashOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Open the task dashboard for one list",
		Long: `Open an interactive dashboard over the tasks of one list.

Edits apply immediately and roll back if the server rejects them. Changes
from other clients arrive over the push channel. The session journal records
every prediction, settle and channel event for later replay or trace.

Keys: ↑/↓ select, PgUp/PgDn scroll, space toggles done, t starts or stops
the timer on the selected task, q quits.

Examples:
  tasksync dash --list l1
  tasksync dash --list l1 --journal ./session.db --metrics-addr 127.0.0.1:9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDash(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.List, "list", "", "list id whose tasks to show (required)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "session journal path (default journal.path, in memory when empty)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default metrics.addr)")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "write logs to this file while the dashboard owns the terminal")
	_ = cmd.MarkFlagRequired("list")

	return cmd
}

func runDash(opts *DashOptions, cmd *cobra.Command) error {
	cfg := opts.config()
	if opts.Journal == "" {
		opts.Journal = cfg.Journal.Path
	}
	if opts.MetricsAddr == "" {
		opts.MetricsAddr = cfg.Metrics.Addr
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		defer f.Close()
		logger = newLogger(f, cfg.Log, opts.Verbose)
	}

	sess, err := newDashSession(cfg, opts.List, opts.Journal, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	if opts.MetricsAddr != "" {
		stop, err := serveMetrics(ctx, opts.MetricsAddr, sess.metrics, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := sess.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to load tasks", err)
	}

	model := tui.New(ctx, sess.store, opts.List, sess.engine, sess.timer,
		tui.WithLogger(logger),
		tui.WithGeometry(window.Geometry{ItemHeight: cfg.Window.ItemHeight, Overscan: cfg.Window.Overscan}),
		tui.WithFrameInterval(cfg.Window.FrameInterval),
	)
	if err := tui.Run(ctx, model); err != nil {
		return WrapExitError(ExitFailure, "dashboard error", err)
	}
	return nil
}

// dashSession is one client: store, engine, push channel and timer over a
// single list.
type dashSession struct {
	list    string
	store   *store.Store
	engine  *engine.Engine
	adapter *reconcile.Adapter
	dialer  *reconcile.Dialer
	timer   *timer.Machine
	journal *journal.Journal
	metrics *metrics.Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDashSession(cfg *config.Config, list, journalPath string, logger *slog.Logger) (*dashSession, error) {
	if cfg.API.BaseURL == "" {
		return nil, NewExitError(ExitCommandError, "api.base_url is not set")
	}

	httpOpts := []api.HTTPOption{api.WithTimeout(cfg.API.Timeout), api.WithLogger(logger)}
	dialOpts := []reconcile.DialerOption{}
	if cfg.API.Token != "" {
		ts := api.StaticToken(cfg.API.Token)
		httpOpts = append(httpOpts, api.WithTokenSource(ts))
		dialOpts = append(dialOpts, reconcile.WithTokenSource(ts))
	}
	client, err := api.NewHTTPClient(cfg.API.BaseURL, httpOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid api.base_url", err)
	}

	j, err := journal.Open(journalPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}

	m := metrics.New()
	st := store.New(store.WithLogger(logger))
	eng := engine.New(st, client,
		engine.WithTokenGenerator(engine.UUIDv7Generator{}),
		engine.WithJournal(j),
		engine.WithMetrics(m),
		engine.WithLogger(logger),
	)
	s := &dashSession{
		list:    list,
		store:   st,
		engine:  eng,
		journal: j,
		metrics: m,
		logger:  logger,
		adapter: reconcile.New(st,
			reconcile.WithCoordinator(eng),
			reconcile.WithJournal(j),
			reconcile.WithMetrics(m),
			reconcile.WithLogger(logger),
		),
		timer: timer.New(eng, st,
			timer.WithTickInterval(cfg.Timer.TickInterval),
			timer.WithLogger(logger),
		),
	}

	if cfg.Channel.URL != "" {
		settings := reconcile.DefaultDialerSettings()
		settings.MinReconnect = cfg.Channel.MinReconnect
		settings.ReconnectTimeout = cfg.Channel.ReconnectTimeout
		settings.PingTimeout = cfg.Channel.PingTimeout
		settings.ReadTimeout = cfg.Channel.ReadTimeout
		settings.WriteTimeout = cfg.Channel.WriteTimeout
		dialOpts = append(dialOpts,
			reconcile.WithSettings(settings),
			reconcile.WithDialerMetrics(m),
			reconcile.WithDialerLogger(logger),
			reconcile.WithOnConnect(s.rehydrate),
		)
		s.dialer = reconcile.NewDialer(cfg.Channel.URL, dialOpts...)
	}
	return s, nil
}

// Start runs the engine and the push channel and loads the list.
func (s *dashSession) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.engine.Run(runCtx)
	}()
	if s.dialer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.dialer.Run(runCtx, s.adapter.Deliver); err != nil {
				s.logger.Error("push channel stopped", "error", err)
			}
		}()
	}

	ids, err := s.engine.Hydrate(ctx, entity.KindTask, s.list)
	if err != nil {
		return err
	}
	s.logger.Info("list loaded", "list", s.list, "tasks", len(ids))
	return nil
}

// rehydrate refetches the list after a reconnect so events missed while
// disconnected are not lost.
func (s *dashSession) rehydrate(ctx context.Context) {
	if _, err := s.engine.Hydrate(ctx, entity.KindTask, s.list); err != nil {
		s.logger.Warn("rehydrate after reconnect failed", "list", s.list, "error", err)
	}
}

// Close lets in-flight mutations settle, stops the loops and closes the journal.
func (s *dashSession) Close() {
	if s.cancel != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.engine.Flush(flushCtx); err != nil {
			s.logger.Warn("flush on close failed", "error", err)
		}
		cancel()
		s.cancel()
		s.wg.Wait()
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Warn("close journal", "error", err)
	}
}

// serveMetrics exposes m on addr until the returned stop function is called.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen for metrics on %s", addr), err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
