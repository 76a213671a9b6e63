// Package bootstrap wires the deepaudit components together and manages
// their lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deepaudit/audit"
	"deepaudit/config"
	"deepaudit/core"
	"deepaudit/dlp"
	"deepaudit/ml"
	"deepaudit/risk"
	"deepaudit/storage"
)

// App holds every component of the risk engine.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Redis  *core.RedisClient
	Store  *storage.Store
	Params *config.ParamStore

	Classifier *dlp.Classifier
	Scorer     *ml.Scorer
	Watcher    *ml.ModelWatcher

	StateMachine *risk.StateMachine
	Listener     *risk.WindowListener
	Refresher    *risk.Refresher
	Subscriber   *config.Subscriber

	AuditPool *core.WorkerPool
	Sink      *audit.AsyncSink
	Pipeline  *audit.Pipeline

	metricsServer *http.Server

	serviceWg sync.WaitGroup
	cancel    context.CancelFunc
}

// NewApp initializes all components. Nothing is running yet; call Start.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("deepaudit risk engine starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg
	app.Params = config.NewParamStore(cfg)

	app.Redis = core.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		cfg.Redis.PoolSize, cfg.Redis.OpTimeout, sugar)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.Redis.Ping(pingCtx); err != nil {
		sugar.Warnw("risk store unreachable at startup, decisions will fail open until it recovers",
			"addr", cfg.Redis.Addr, "error", err)
	}

	app.Store, err = storage.NewStore(cfg.SQLite.Path, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	app.Classifier = dlp.NewClassifier(sugar)
	if err := app.reloadDLPConfig(ctx); err != nil {
		sugar.Warnw("DLP configuration load failed, classifier starts empty", "error", err)
	}

	app.Scorer = ml.NewScorer(app.Redis, sugar)
	if cfg.ML.Enabled {
		if err := app.Scorer.LoadModelFile(cfg.ML.ModelPath); err != nil {
			sugar.Warnw("anomaly model not loaded, rule overrides carry detection alone",
				"path", cfg.ML.ModelPath, "error", err)
		}
		app.Watcher, err = ml.NewModelWatcher(app.Scorer, cfg.ML.ModelPath, sugar)
		if err != nil {
			sugar.Warnw("model watcher unavailable", "error", err)
		}
	}

	app.AuditPool = core.NewWorkerPool(ctx, cfg.Audit.Workers, cfg.Audit.QueueSize, "audit", sugar)
	app.Sink = audit.NewAsyncSink(app.Store, app.AuditPool, sugar)

	app.StateMachine = risk.NewStateMachine(ctx, app.Redis, app.Params, app.AuditPool, app.Store, sugar)
	app.Listener = risk.NewWindowListener(app.Redis, app.StateMachine, app.Sink, cfg.Redis.DB, sugar)
	app.Refresher = risk.NewRefresher(app.Redis, app.StateMachine, cfg.Refresher.Interval, sugar)
	app.Subscriber = config.NewSubscriber(app.Redis, app.Params, app.Scorer, sugar)

	featureCache, err := analysisCache(cfg)
	if err != nil {
		return nil, err
	}
	app.Pipeline = audit.NewPipeline(featureCache, app.Classifier, app.Scorer,
		app.StateMachine, app.Sink, cfg.Audit.ExcludedTables, sugar)

	return app, nil
}

// reloadDLPConfig pulls sensitive-table and rule configuration from the
// durable store into the classifier.
func (a *App) reloadDLPConfig(ctx context.Context) error {
	tables, err := a.Store.LoadSensitiveTables(ctx)
	if err != nil {
		return err
	}
	rules, err := a.Store.LoadRiskRules(ctx)
	if err != nil {
		return err
	}
	a.Classifier.Reload(tables, rules)
	a.Sugar.Infow("DLP configuration loaded", "tables", len(tables), "rules", len(rules))
	return nil
}

// Start launches the background services.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.AuditPool.Start()

	a.runService(runCtx, "window-listener", a.Listener.Run)
	a.runService(runCtx, "config-subscriber", a.Subscriber.Run)
	if a.Config.Refresher.Enabled {
		a.runService(runCtx, "decay-refresher", a.Refresher.Run)
	}
	if a.Watcher != nil {
		a.runService(runCtx, "model-watcher", a.Watcher.Run)
	}

	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	a.Sugar.Info("deepaudit risk engine started")
	return nil
}

func (a *App) runService(ctx context.Context, name string, fn func(context.Context)) {
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		fn(ctx)
		a.Sugar.Debugw("service stopped", "service", name)
	}()
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.Sugar.Infow("metrics server listening", "addr", a.metricsServer.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Sugar.Errorw("metrics server failed", "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops services in reverse dependency order: background services
// first, then the audit pool drains, then the stores close.
func (a *App) Shutdown() {
	a.Sugar.Info("shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	a.serviceWg.Wait()

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(ctx)
	}

	// Drains queued audit records before returning.
	a.AuditPool.Stop()

	if err := a.Store.Close(); err != nil {
		a.Sugar.Warnw("audit store close failed", "error", err)
	}
	if err := a.Redis.Close(); err != nil {
		a.Sugar.Warnw("risk store close failed", "error", err)
	}

	_ = a.Logger.Sync()
	a.Sugar.Info("shutdown complete")
}
