package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/dune-sync/internal/config"
	"github.com/YaganovValera/dune-sync/internal/dune"
	"github.com/YaganovValera/dune-sync/internal/metrics"
	"github.com/YaganovValera/dune-sync/internal/runner"
	"github.com/YaganovValera/dune-sync/internal/sink"
	"github.com/YaganovValera/dune-sync/pkg/backoff"
	"github.com/YaganovValera/dune-sync/pkg/httpserver"
	"github.com/YaganovValera/dune-sync/pkg/logger"
	"github.com/YaganovValera/dune-sync/pkg/telemetry"
)

var errNoRunYet = errors.New("no completed run yet")

// App связывает конфиг, клиент Dune, sinks и runner.
type App struct {
	cfg     *config.Config
	log     *logger.Logger
	runner  *runner.Runner
	mirrors []sink.Sink

	gatherer       prometheus.Gatherer
	shutdownTracer telemetry.ShutdownFunc

	// readiness: nil после успешного прогона
	lastRun atomic.Pointer[error]
}

// New поднимает телеметрию и все sinks. fs == nil → файловая система ОС.
// Если ключ Dune не задан, телеметрия и зеркала не создаются.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, fs afero.Fs) (*App, error) {
	backoff.SetServiceLabel(cfg.ServiceName)
	backoff.RegisterMetrics(nil)
	metrics.Register(nil)
	dune.RegisterMetrics(nil)
	httpserver.RegisterMetrics(nil)

	client, err := dune.NewClient(cfg.Dune.Config, log)
	if err != nil {
		return nil, fmt.Errorf("dune client init: %w", err)
	}

	// без ключа прогон всё равно остановится в runner; сеть не трогаем
	shutdownTracer := telemetry.ShutdownFunc(func(context.Context) error { return nil })
	var mirrors []sink.Sink
	if cfg.Dune.APIKey == "" {
		log.Debug("no dune api key: telemetry and mirrors are not started")
	} else {
		if shutdownTracer, err = telemetry.InitTracer(ctx, cfg.Telemetry, log); err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		if mirrors, err = buildMirrors(ctx, cfg.Sinks, log); err != nil {
			_ = shutdownTracer(ctx)
			return nil, err
		}
	}

	a := &App{
		cfg:            cfg,
		log:            log,
		mirrors:        mirrors,
		gatherer:       prometheus.DefaultGatherer,
		shutdownTracer: shutdownTracer,
	}
	a.runner = runner.New(
		runner.Config{APIKey: cfg.Dune.APIKey, Queries: cfg.Queries},
		client,
		sink.NewFileSink(fs, cfg.Sync.OutputDir),
		mirrors,
		log,
	)
	notReady := errNoRunYet
	a.lastRun.Store(&notReady)
	return a, nil
}

func buildMirrors(ctx context.Context, cfg config.SinksConfig, log *logger.Logger) ([]sink.Sink, error) {
	var out []sink.Sink
	if cfg.S3.Enabled {
		s, err := sink.NewS3Sink(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 sink init: %w", err)
		}
		out = append(out, s)
	}
	if cfg.Redis.Enabled {
		s, err := sink.NewRedisSink(ctx, cfg.Redis)
		if err != nil {
			_ = sink.CloseAll(out...)
			return nil, fmt.Errorf("redis sink init: %w", err)
		}
		out = append(out, s)
	}
	if cfg.Kafka.Enabled {
		s, err := sink.NewKafkaSink(ctx, cfg.Kafka, log)
		if err != nil {
			_ = sink.CloseAll(out...)
			return nil, fmt.Errorf("kafka sink init: %w", err)
		}
		out = append(out, s)
	}
	for _, s := range out {
		log.Info("mirror enabled", zap.String("sink", s.Name()))
	}
	return out, nil
}

// RunOnce выполняет один прогон и, если задан metrics.push_url, пушит метрики.
func (a *App) RunOnce(ctx context.Context) (runner.Summary, error) {
	sum, err := a.runOnce(ctx)
	if perr := metrics.Push(ctx, a.cfg.Metrics, a.gatherer); perr != nil {
		a.log.Warn("metrics push failed", zap.Error(perr))
	}
	return sum, err
}

func (a *App) runOnce(ctx context.Context) (runner.Summary, error) {
	sum, err := a.runner.Run(ctx)
	switch {
	case err != nil:
		a.lastRun.Store(&err)
	case !sum.OK():
		failed := fmt.Errorf("%d of %d queries failed in the last run", sum.Failed, len(sum.Outcomes))
		a.lastRun.Store(&failed)
	default:
		a.lastRun.Store(new(error))
	}
	return sum, err
}

// Ready is nil once the latest completed run had no failures.
func (a *App) Ready() error {
	if p := a.lastRun.Load(); p != nil {
		return *p
	}
	return errNoRunYet
}

// Serve запускает HTTP-сервер метрик и периодические прогоны до отмены ctx.
func (a *App) Serve(ctx context.Context) error {
	srv, err := httpserver.New(httpserver.Config{
		Addr:            fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		ReadTimeout:     a.cfg.HTTP.ReadTimeout,
		WriteTimeout:    a.cfg.HTTP.WriteTimeout,
		IdleTimeout:     a.cfg.HTTP.IdleTimeout,
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
		MetricsPath:     a.cfg.HTTP.MetricsPath,
		HealthzPath:     a.cfg.HTTP.HealthzPath,
		ReadyzPath:      a.cfg.HTTP.ReadyzPath,
		CORSOrigins:     a.cfg.HTTP.CORSOrigins,
	}, a.Ready, a.gatherer, a.log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return a.schedule(ctx, a.cfg.Sync.Interval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("serve stopped")
	return nil
}

// schedule: прогон сразу, затем каждые interval. Прогоны не пересекаются:
// тикер читается только между ними.
func (a *App) schedule(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Error("sync run aborted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close закрывает зеркала и экспортёр трейсов.
func (a *App) Close(ctx context.Context) {
	shutdownSafe(ctx, "sinks", func() error { return sink.CloseAll(a.mirrors...) }, a.log)
	shutdownSafe(ctx, "telemetry", func() error { return a.shutdownTracer(ctx) }, a.log)
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
		return
	}
	log.WithContext(ctx).Debug(fmt.Sprintf("%s: shutdown complete", name))
}
