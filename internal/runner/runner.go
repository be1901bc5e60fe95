// Package runner fetches the latest result of every configured query and
// writes each one to its output file.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/dune-sync/internal/dune"
	"github.com/YaganovValera/dune-sync/internal/metrics"
	"github.com/YaganovValera/dune-sync/internal/query"
	"github.com/YaganovValera/dune-sync/internal/sink"
	"github.com/YaganovValera/dune-sync/pkg/logger"
)

var tracer = otel.Tracer("dune-sync/runner")

// ErrMissingCredential is returned by Run when no API key is configured.
var ErrMissingCredential = errors.New("DUNE_API_KEY is not set")

// Fetcher returns the latest materialized result of a query.
type Fetcher interface {
	GetLatestResult(ctx context.Context, queryID int64, apiKey string) (*dune.Result, error)
}

// Config is what a run needs besides its collaborators.
type Config struct {
	APIKey  string
	Queries []query.Descriptor
}

// Runner executes sync runs. Runs must not overlap.
type Runner struct {
	cfg     Config
	fetcher Fetcher
	primary sink.Sink
	mirrors []sink.Sink
	log     *logger.Logger
	now     func() time.Time
}

// New builds a Runner. primary receives every snapshot and decides the
// outcome; mirrors are written after it and only produce warnings.
func New(cfg Config, f Fetcher, primary sink.Sink, mirrors []sink.Sink, log *logger.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		fetcher: f,
		primary: primary,
		mirrors: mirrors,
		log:     log.Named("runner"),
		now:     time.Now,
	}
}

// Run processes every descriptor in order. The returned error is
// ErrMissingCredential or a context error; per-query failures are reported
// through the Summary only.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx = logger.ContextWithRunID(ctx, uuid.NewString())
	ctx, span := tracer.Start(ctx, "Runner.Run",
		trace.WithAttributes(attribute.Int("queries", len(r.cfg.Queries))))
	defer span.End()

	log := r.log.WithContext(ctx)
	start := time.Now()

	if r.cfg.APIKey == "" {
		log.Error("DUNE_API_KEY is not set; add it as a secret in the hosting platform " +
			"(GitHub Actions: Settings > Secrets and variables > Actions) and expose it to the job environment")
		metrics.ObserveRun("no_credential", time.Since(start))
		span.SetStatus(codes.Error, ErrMissingCredential.Error())
		return Summary{}, ErrMissingCredential
	}

	sum := Summary{Outcomes: make([]Outcome, 0, len(r.cfg.Queries))}
	for _, d := range r.cfg.Queries {
		if err := ctx.Err(); err != nil {
			log.Warn("run interrupted", zap.Error(err))
			metrics.ObserveRun("interrupted", time.Since(start))
			return sum, err
		}
		sum.add(r.SyncOne(ctx, d))
	}
	// отмена во время последнего запроса тоже прерывает прогон
	if err := ctx.Err(); err != nil {
		log.Warn("run interrupted", zap.Error(err))
		metrics.ObserveRun("interrupted", time.Since(start))
		return sum, err
	}

	result := "ok"
	if sum.Failed > 0 {
		result = "failed"
		span.SetStatus(codes.Error, fmt.Sprintf("%d queries failed", sum.Failed))
	}
	metrics.ObserveRun(result, time.Since(start))

	log.Info("sync finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("empty", sum.Empty),
		zap.Int("failed", sum.Failed),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return sum, nil
}

// SyncOne fetches and stores a single query. It never returns an error: every
// problem becomes a Failure outcome.
func (r *Runner) SyncOne(ctx context.Context, d query.Descriptor) Outcome {
	ctx, span := tracer.Start(ctx, "Runner.SyncOne", trace.WithAttributes(
		attribute.Int64("dune.query_id", d.ID),
		attribute.String("dune.query_name", d.Name),
	))
	defer span.End()

	log := r.log.WithContext(ctx).With(zap.String("query", d.String()))
	log.Info("fetching latest result")

	fail := func(msg string, err error) Outcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveFailure(d.ID)
		log.Error(msg, zap.Error(err))
		return Outcome{Query: d, Status: StatusFailure, Err: err}
	}

	res, err := r.fetcher.GetLatestResult(ctx, d.ID, r.cfg.APIKey)
	if err != nil {
		return fail(fmt.Sprintf("failed to fetch %s", d.Name), err)
	}
	if len(res.Rows) == 0 {
		metrics.ObserveEmpty(d.ID)
		log.Warn("query returned no rows, existing file left untouched")
		return Outcome{Query: d, Status: StatusEmpty}
	}

	payload, err := EncodeRows(res.Rows)
	if err != nil {
		return fail(fmt.Sprintf("failed to encode %s", d.Name), err)
	}
	snap := sink.Snapshot{
		Query:       d,
		ExecutionID: res.ExecutionID,
		Rows:        len(res.Rows),
		Payload:     payload,
		SyncedAt:    r.now(),
	}
	if err := r.primary.Write(ctx, snap); err != nil {
		return fail(fmt.Sprintf("failed to save %s", d.Name), err)
	}
	r.mirror(ctx, log, snap)

	metrics.ObserveSuccess(d.ID, snap.Rows, snap.SyncedAt)
	span.SetAttributes(attribute.Int("rows", snap.Rows))
	log.Info(fmt.Sprintf("saved %d rows", snap.Rows), zap.String("path", d.OutputPath))
	return Outcome{Query: d, Status: StatusSuccess, Rows: snap.Rows}
}

func (r *Runner) mirror(ctx context.Context, log *logger.Logger, snap sink.Snapshot) {
	for _, m := range r.mirrors {
		if err := m.Write(ctx, snap); err != nil {
			metrics.ObserveMirrorError(m.Name())
			log.Warn("mirror write failed", zap.String("sink", m.Name()), zap.Error(err))
		}
	}
}

// EncodeRows renders rows as a JSON array indented with two spaces, with
// non-ASCII and HTML characters left as is and no trailing newline.
func EncodeRows(rows []dune.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return dune.RawLineSeparators(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
