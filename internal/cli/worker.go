package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/config"
	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/policy"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Database          string
	Policies          []string
	Fixtures          string
	Workers           int
	MetricsAddr       string
	PollInterval      time.Duration
	RetentionInterval time.Duration
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued privacy requests until stopped",
		Long: `Run queued scheduler workers against the task store.

The worker picks up every pending or in-processing request on start and on
every poll, reclaims tasks whose lease expired, and periodically drops the
results of requests older than the retention window. Any number of workers
may share one task store and cache.

Example:
  dsr worker --db ./dsr.db --policy policy.yml --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite task store (overrides config)")
	cmd.Flags().StringArrayVar(&opts.Policies, "policy", nil, "policy YAML file (repeatable, required)")
	cmd.Flags().StringVar(&opts.Fixtures, "fixtures", "", "rows served by memory connections")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent task bodies (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 30*time.Second, "how often to look for runnable requests")
	cmd.Flags().DurationVar(&opts.RetentionInterval, "retention-interval", time.Hour, "how often to run retention (0 disables)")
	_ = cmd.MarkFlagRequired("policy")

	return cmd
}

func (o *WorkerOptions) applyOverrides(cfg *config.Config) {
	if o.Database != "" {
		cfg.Database = config.Database{Path: o.Database}
	}
	if o.Workers > 0 {
		cfg.Workers = o.Workers
	}
	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}
	cfg.Scheduler = config.SchedulerQueue
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(asExitError(err))
	}
	opts.applyOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "invalid flags", err))
	}
	if opts.PollInterval <= 0 {
		return f.Fail(NewExitError(ExitCommandError, ErrCodeInvalidConfig, "--poll-interval must be positive"))
	}

	policies := make([]*policy.Policy, 0, len(opts.Policies))
	for _, path := range opts.Policies {
		p, err := policy.Load(path)
		if err != nil {
			return f.Fail(WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "loading policy", err))
		}
		policies = append(policies, p)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	defer closeRuntime(rt)
	factory, err := rt.connectors(opts.Fixtures)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	eng := rt.engine(factory, policies)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return pollRequests(gctx, eng, opts.PollInterval) })
	if opts.RetentionInterval > 0 {
		g.Go(func() error { return runRetention(gctx, eng, cfg.Retention, opts.RetentionInterval) })
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(rt), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	go func() {
		<-gctx.Done()
		eng.Stop()
	}()

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return f.Fail(WrapExitError(ExitFailure, ErrCodeGeneric, "worker stopped", err))
	}
	slog.Info("worker stopped")
	return nil
}

func metricsMux(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	return mux
}

// pollRequests requeues runnable requests now and every interval.
func pollRequests(ctx context.Context, eng *engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := eng.ResumeAll(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("resuming requests", "error", err)
		} else if n > 0 {
			slog.Info("requeued tasks", "tasks", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runRetention expires old results every interval. A run held by another
// process is skipped.
func runRetention(ctx context.Context, eng *engine.Engine, window, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := eng.RunRetention(ctx, window); err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				slog.Debug("retention already running elsewhere")
				continue
			}
			if ctx.Err() == nil {
				slog.Error("retention run failed", "error", err)
			}
		}
	}
}
