package metrics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once sync.Once

	// RunsTotal — завершённые прогоны по результату (ok | failed | no_credential).
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dune_sync",
		Subsystem: "runner",
		Name:      "runs_total",
		Help:      "Completed sync runs by result",
	}, []string{"result"})

	// QueryOutcomes — исходы по каждому запросу (success | empty | failure).
	QueryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dune_sync",
		Subsystem: "runner",
		Name:      "query_outcomes_total",
		Help:      "Per-query outcomes",
	}, []string{"query_id", "status"})

	// QueryRows — число строк в последнем записанном файле.
	QueryRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dune_sync",
		Subsystem: "runner",
		Name:      "query_rows",
		Help:      "Rows in the last written snapshot of a query",
	}, []string{"query_id"})

	// LastSuccess — unix-время последней успешной записи.
	LastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dune_sync",
		Subsystem: "runner",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful write of a query",
	}, []string{"query_id"})

	// MirrorErrors — ошибки зеркал (s3, redis, kafka); на статус запроса не влияют.
	MirrorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dune_sync",
		Subsystem: "sink",
		Name:      "mirror_errors_total",
		Help:      "Failed mirror writes by sink",
	}, []string{"sink"})

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dune_sync",
		Subsystem: "runner",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a full sync run",
		Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

// Register регистрирует метрики один раз; nil → DefaultRegisterer.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		for _, c := range []prometheus.Collector{
			RunsTotal, QueryOutcomes, QueryRows, LastSuccess, MirrorErrors, RunDuration,
		} {
			if err := r.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}

func queryLabel(id int64) string { return strconv.FormatInt(id, 10) }

// ObserveSuccess records a written snapshot.
func ObserveSuccess(queryID int64, rows int, at time.Time) {
	l := queryLabel(queryID)
	QueryOutcomes.WithLabelValues(l, "success").Inc()
	QueryRows.WithLabelValues(l).Set(float64(rows))
	LastSuccess.WithLabelValues(l).Set(float64(at.Unix()))
}

func ObserveEmpty(queryID int64) {
	QueryOutcomes.WithLabelValues(queryLabel(queryID), "empty").Inc()
}

func ObserveFailure(queryID int64) {
	QueryOutcomes.WithLabelValues(queryLabel(queryID), "failure").Inc()
}

func ObserveMirrorError(sink string) {
	MirrorErrors.WithLabelValues(sink).Inc()
}

func ObserveRun(result string, d time.Duration) {
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(d.Seconds())
}

// PushConfig — Pushgateway для одноразовых запусков (cron, CI).
type PushConfig struct {
	PushURL string `mapstructure:"push_url"`
	Job     string `mapstructure:"job"`
}

// Push отправляет всё содержимое g в Pushgateway, заменяя группу job.
func Push(ctx context.Context, cfg PushConfig, g prometheus.Gatherer) error {
	if cfg.PushURL == "" {
		return nil
	}
	job := cfg.Job
	if job == "" {
		job = "dune_sync"
	}
	if err := push.New(cfg.PushURL, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", cfg.PushURL, err)
	}
	return nil
}
