package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/roach88/dsr/internal/cache"
	"github.com/roach88/dsr/internal/config"
	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/dagrun"
	"github.com/roach88/dsr/internal/payload"
	"github.com/roach88/dsr/internal/pgstore"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/runner"
	"github.com/roach88/dsr/internal/store"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/telemetry"
)

// Object storage retries for remote payload backends.
const (
	storageAttempts = 3
	storageDelay    = 200 * time.Millisecond
)

// runtime holds the components built from a Config.
type runtime struct {
	cfg      config.Config
	store    store.TaskStore
	cache    cache.Store
	payloads *payload.Manager
	metrics  *telemetry.Metrics

	closers []func() error
}

// openRuntime opens the task store, result cache and payload storage cfg
// names. The caller must Close the runtime.
func openRuntime(ctx context.Context, cfg config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.store, err = openStore(ctx, cfg.Database); err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeStoreFailed, "opening task store", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	if rt.cache, err = openCache(cfg.Cache); err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeStoreFailed, "opening cache", err)
	}
	rt.closers = append(rt.closers, rt.cache.Close)

	storage, err := openPayloadStorage(ctx, cfg.Payload)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeStoreFailed, "opening payload storage", err)
	}
	if gcs, ok := storage.(*payload.GCSStorage); ok {
		rt.closers = append(rt.closers, gcs.Close)
		storage = payload.NewRetryingStorage(gcs, storageAttempts, storageDelay)
	}
	cipher, err := loadCipher(cfg.Payload.KeyFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "loading payload key", err)
	}
	rt.payloads = payload.NewManager(storage, cipher, cfg.Payload.Threshold)
	return rt, nil
}

// Close releases everything in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, db config.Database) (store.TaskStore, error) {
	if db.PostgresDSN != "" {
		slog.Debug("opening postgres task store")
		return pgstore.Open(ctx, db.PostgresDSN)
	}
	slog.Debug("opening sqlite task store", "path", db.Path)
	return store.Open(db.Path)
}

func openCache(c config.Cache) (cache.Store, error) {
	switch c.Backend {
	case "badger":
		bc := cache.DefaultBadgerConfig(c.Path)
		bc.Logger = slog.Default()
		return cache.OpenBadger(bc)
	default:
		return cache.NewMemory(), nil
	}
}

func openPayloadStorage(ctx context.Context, p config.Payload) (payload.Storage, error) {
	switch p.Backend {
	case "local":
		return payload.NewLocalStorage(p.Dir)
	case "gcs":
		return payload.NewGCSStorage(ctx, p.Bucket, p.Prefix, p.CredentialsFile)
	default:
		return payload.NewMemoryStorage(), nil
	}
}

// loadCipher reads a hex-encoded AES-256 key. An empty path generates one.
func loadCipher(path string) (*payload.Cipher, error) {
	if path == "" {
		return payload.NewRandomCipher(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return payload.NewCipher(key)
}

// connectors builds the connector factory. Without configured connections
// every connection key is served by one memory connector over fixtures.
func (rt *runtime) connectors(fixturesPath string) (task.ConnectorFactory, error) {
	var fixtures connector.Fixtures
	if fixturesPath != "" {
		var err error
		if fixtures, err = connector.LoadFixtures(fixturesPath); err != nil {
			return nil, WrapExitError(ExitCommandError, ErrCodeNotFound, "loading fixtures", err)
		}
	}
	if len(rt.cfg.Connections) == 0 {
		mem := connector.NewMemory(fixtures, connector.MemoryOptions{Consent: true})
		return task.ConnectorFactoryFunc(func(context.Context, string) (task.Connector, error) {
			return mem, nil
		}), nil
	}
	f, err := connector.NewFactory(rt.cfg.Connections, fixtures)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "invalid connections", err)
	}
	return f, nil
}

func (rt *runtime) engine(factory task.ConnectorFactory, policies []*policy.Policy) *engine.Engine {
	return engine.New(rt.store, rt.cache, rt.payloads, factory, policies, rt.cfg.Engine(),
		engine.WithMetrics(rt.metrics))
}

// runner returns the scheduler cfg.Scheduler selects.
func (rt *runtime) runner(factory task.ConnectorFactory, p *policy.Policy) runner.Runner {
	if rt.cfg.Scheduler == config.SchedulerMemory {
		return &runner.Memory{
			Scheduler: dagrun.New(rt.cfg.DAG(), task.WithRetryPolicy(rt.cfg.RetryPolicy())),
			Factory:   factory,
			Cache:     rt.cache,
			Store:     rt.store,
			Resources: []task.ResourcesOption{
				task.WithCacheTTL(rt.cfg.Cache.TTL),
				task.WithObserver(rt.metrics),
			},
		}
	}
	return &runner.Queue{Engine: rt.engine(factory, []*policy.Policy{p})}
}
