package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/luckiday/dreamgaussian-api/internal/cgroups"
	"github.com/luckiday/dreamgaussian-api/internal/config"
	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/executor"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/metrics"
	"github.com/luckiday/dreamgaussian-api/pkg/retry"
	"github.com/luckiday/dreamgaussian-api/pkg/shutdown"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
	"github.com/luckiday/dreamgaussian-api/pkg/tracing"
	"github.com/luckiday/dreamgaussian-api/pkg/variants"
	"github.com/luckiday/dreamgaussian-api/pkg/worker"
)

// runtime holds the components shared by serve and worker
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    store.Store
	registry *variants.Registry
	resolver *artifacts.Resolver
	metrics  *metrics.Exporter
	tracer   *tracing.Provider
	shutdown *shutdown.Manager
}

func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Dir == "" {
		return logging.NewLogger(level, cfg.Logging.JSON).WithField("component", component), nil
	}
	return logging.NewFileLogger(cfg.Logging.Dir, "dreamgen", component, level, cfg.Logging.JSON)
}

// newRuntime loads configuration and opens the store, registry and
// telemetry. Every resource it opens is registered with the shutdown
// manager.
func newRuntime(ctx context.Context, component string) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, component)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.New(cfg.Server.ShutdownTimeout, logger),
	}
	rt.shutdown.Register("logger", func(context.Context) error { return logger.Close() })

	rt.registry, err = variants.Load(cfg.Variants.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	rt.resolver = artifacts.NewResolver(cfg.Artifacts.Root, rt.registry, cfg.Artifacts.ExtraDirs...)
	logger.Info("Variants loaded", map[string]interface{}{
		"variants": rt.registry.IDs(),
		"default":  rt.registry.Default(),
		"root":     rt.resolver.Root(),
	})

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}
	rt.shutdown.Register("store", shutdown.CloseResource(rt.store))

	rt.tracer, err = tracing.InitTracer(cfg.TracingConfig(Version), logger)
	if err != nil {
		return nil, err
	}
	rt.shutdown.Register("tracer", rt.tracer.Shutdown)

	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewExporter(metrics.Options{
			Store:   rt.store,
			Host:    cfg.Metrics.Host,
			Runtime: cfg.Metrics.Runtime,
			Logger:  logger,
		})
		rt.startMetricsServer()
		if path := cfg.Metrics.SnapshotFile; path != "" {
			rt.shutdown.Register("metrics-snapshot", func(context.Context) error {
				return rt.metrics.WriteSnapshot(path)
			})
		}
	}
	return rt, nil
}

// openStore retries transient connection errors so the service can start
// before its database
func (rt *runtime) openStore(ctx context.Context) error {
	sc := rt.cfg.StoreConfig()
	err := retry.Do(ctx, retry.DefaultConfig(), func(context.Context) error {
		st, err := store.NewStore(sc)
		if errors.Is(err, store.ErrUnsupportedDatabase) {
			return retry.Permanent(err)
		}
		if err != nil {
			rt.logger.Warn("Store not ready", map[string]interface{}{"error": err.Error()})
			return err
		}
		rt.store = st
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", sc.Type, err)
	}
	rt.logger.Info("Store opened", map[string]interface{}{"type": sc.Type})
	return nil
}

func (rt *runtime) startMetricsServer() {
	router := mux.NewRouter()
	router.Handle("/metrics", rt.metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         rt.cfg.Metrics.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		rt.logger.Info("Metrics server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	rt.shutdown.Register("metrics-server", shutdown.StopHTTPServer(srv))
}

// newPool builds the executor and worker pool. It does not start them.
func (rt *runtime) newPool(ctx context.Context) (*worker.Pool, error) {
	runner := &executor.ExecRunner{OutputLimit: rt.cfg.Worker.OutputLimit, Logger: rt.logger}
	if rt.cfg.Worker.StreamOutput {
		runner.Stream = os.Stderr
	}
	if cg := rt.cfg.Worker.Cgroup; cg.Enabled {
		runner.Cgroups = cgroups.NewManager(cg.Root, "dreamgen")
		runner.Limits = rt.cfg.StageLimits()
		if !runner.Cgroups.Supported() {
			rt.logger.Warn("cgroup v2 not found, stages run unconfined", map[string]interface{}{"root": cg.Root})
		}
	}

	execOpts := []executor.Option{executor.WithTracer(rt.tracer)}
	poolOpts := []worker.Option{}
	if rt.metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(rt.metrics))
		poolOpts = append(poolOpts, worker.WithObserver(rt.metrics))
	}

	if rt.cfg.Mirror.Enabled {
		var m *artifacts.MinIOMirror
		err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
			var err error
			m, err = artifacts.NewMinIOMirror(ctx, rt.cfg.MirrorConfig())
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect artifact mirror: %w", err)
		}
		rt.logger.Info("Artifact mirror enabled", map[string]interface{}{
			"endpoint": rt.cfg.Mirror.Endpoint,
			"bucket":   rt.cfg.Mirror.Bucket,
		})
		poolOpts = append(poolOpts, worker.WithMirror(m, rt.resolver))
	}

	exec := executor.New(rt.registry, rt.resolver, runner, rt.cfg.ExecutorConfig(), rt.logger, execOpts...)
	return worker.NewPool(rt.store, exec, rt.cfg.PoolConfig(), rt.logger, poolOpts...), nil
}

// startPool runs the pool until ctx is cancelled and registers a hook that
// waits for in-flight jobs to be recorded
func (rt *runtime) startPool(ctx context.Context, pool *worker.Pool) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(ctx); err != nil {
			rt.logger.Error("Worker pool stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	rt.shutdown.Register("worker-pool", shutdown.WaitFor(done))
}
