package dune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/dune-sync/pkg/backoff"
	"github.com/YaganovValera/dune-sync/pkg/logger"
)

var tracer = otel.Tracer("dune-sync/dune")

const (
	// APIKeyHeader carries the credential on every request.
	APIKeyHeader = "X-Dune-API-Key"

	DefaultBaseURL  = "https://api.dune.com"
	DefaultPageSize = 1000

	stateCompleted = "QUERY_STATE_COMPLETED"
	maxPages       = 10000
)

// ErrExecutionNotCompleted is returned when the latest execution of a query
// has no usable result (still running, failed, cancelled or expired).
var ErrExecutionNotCompleted = errors.New("latest execution is not completed")

// APIError is a non-2xx answer from the Dune API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dune api: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may help.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds client tunables.
type Config struct {
	BaseURL  string         `mapstructure:"base_url"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	PageSize int            `mapstructure:"page_size"`
	MaxAge   time.Duration  `mapstructure:"max_age"`
	Backoff  backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
}

// Result is the latest materialized result of one query.
type Result struct {
	QueryID          int64
	ExecutionID      string
	State            string
	ExecutionEndedAt time.Time
	Columns          []string
	Rows             []Row
}

// Client talks to the Dune REST API.
type Client struct {
	base     *url.URL
	pageSize int
	maxAge   time.Duration
	backoff  backoff.Config
	http     *http.Client
	log      *logger.Logger
	now      func() time.Time
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	cfg.applyDefaults()
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("dune: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("dune: base url %q must be absolute", cfg.BaseURL)
	}
	return &Client{
		base:     base,
		pageSize: cfg.PageSize,
		maxAge:   cfg.MaxAge,
		backoff:  cfg.Backoff,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log.Named("dune"),
		now:      time.Now,
	}, nil
}

// GetLatestResult fetches every page of the latest materialized result of
// queryID. It never triggers a new execution.
func (c *Client) GetLatestResult(ctx context.Context, queryID int64, apiKey string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "dune.GetLatestResult",
		trace.WithAttributes(attribute.Int64("dune.query_id", queryID)))
	defer span.End()

	res, err := c.getLatestResult(ctx, queryID, apiKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("dune.execution_id", res.ExecutionID),
		attribute.Int("dune.rows", len(res.Rows)),
	)
	return res, nil
}

func (c *Client) getLatestResult(ctx context.Context, queryID int64, apiKey string) (*Result, error) {
	next := c.firstPageURL(queryID)
	offset := 0
	res := &Result{QueryID: queryID}

	seen := make(map[string]struct{})
	for page := 0; next != ""; page++ {
		if _, dup := seen[next]; dup {
			return nil, fmt.Errorf("dune: query %d: page %s requested twice", queryID, next)
		}
		if page >= maxPages {
			return nil, fmt.Errorf("dune: query %d: more than %d pages", queryID, maxPages)
		}
		seen[next] = struct{}{}

		body, err := c.fetchPage(ctx, next, apiKey)
		if err != nil {
			return nil, err
		}

		if page == 0 {
			if err := checkState(queryID, body); err != nil {
				return nil, err
			}
			res.ExecutionID = body.ExecutionID
			res.State = body.State
			if body.ExecutionEndedAt != nil {
				res.ExecutionEndedAt = *body.ExecutionEndedAt
			}
			if body.Result != nil {
				res.Columns = body.Result.Metadata.ColumnNames
			}
		}
		if body.Result != nil {
			res.Rows = append(res.Rows, body.Result.Rows...)
		}

		next, offset, err = c.resolveNext(next, offset, body)
		if err != nil {
			return nil, err
		}
	}

	rowsFetched.Add(float64(len(res.Rows)))
	c.warnIfStale(res)
	return res, nil
}

func (c *Client) firstPageURL(queryID int64) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/query/" + strconv.FormatInt(queryID, 10) + "/results"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()
	return u.String()
}

// resolveNext returns the URL of the following page, or "" on the last one.
// next_uri wins over next_offset. Pages are only followed on the configured
// host so the key never leaks.
func (c *Client) resolveNext(current string, offset int, body *resultsResponse) (string, int, error) {
	if body.Result == nil || len(body.Result.Rows) == 0 {
		return "", offset, nil
	}
	if body.NextURI != "" {
		ref, err := url.Parse(body.NextURI)
		if err != nil {
			return "", offset, fmt.Errorf("dune: parse next_uri: %w", err)
		}
		next := c.base.ResolveReference(ref)
		if next.Host != c.base.Host {
			return "", offset, fmt.Errorf("dune: next_uri host %q does not match %q", next.Host, c.base.Host)
		}
		if n, err := strconv.Atoi(next.Query().Get("offset")); err == nil {
			if n <= offset {
				return "", offset, fmt.Errorf("dune: next_uri offset %d does not advance past %d", n, offset)
			}
			offset = n
		}
		return next.String(), offset, nil
	}
	if body.NextOffset == nil {
		return "", offset, nil
	}
	if *body.NextOffset <= offset {
		return "", offset, fmt.Errorf("dune: next_offset %d does not advance past %d", *body.NextOffset, offset)
	}
	u, err := url.Parse(current)
	if err != nil {
		return "", offset, fmt.Errorf("dune: parse page url: %w", err)
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(*body.NextOffset))
	u.RawQuery = q.Encode()
	return u.String(), *body.NextOffset, nil
}

func checkState(queryID int64, body *resultsResponse) error {
	if body.State == "" || body.State == stateCompleted {
		return nil
	}
	if body.IsExecutionFinished && body.Result != nil {
		return nil
	}
	return fmt.Errorf("query %d: execution %s in state %s: %w",
		queryID, body.ExecutionID, body.State, ErrExecutionNotCompleted)
}

func (c *Client) warnIfStale(res *Result) {
	if c.maxAge <= 0 || res.ExecutionEndedAt.IsZero() {
		return
	}
	age := c.now().Sub(res.ExecutionEndedAt)
	if age > c.maxAge {
		c.log.Warn("latest result is older than max age",
			zap.Int64("query_id", res.QueryID),
			zap.Time("execution_ended_at", res.ExecutionEndedAt),
			zap.Duration("age", age.Round(time.Second)),
			zap.Duration("max_age", c.maxAge),
		)
	}
}

func (c *Client) fetchPage(ctx context.Context, pageURL, apiKey string) (*resultsResponse, error) {
	ctx, span := tracer.Start(ctx, "dune.fetchPage")
	defer span.End()

	var body *resultsResponse
	err := backoff.Execute(ctx, c.backoff, c.log, func(ctx context.Context) error {
		b, err := c.get(ctx, pageURL, apiKey)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, pageURL, apiKey string) (*resultsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set(APIKeyHeader, apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("request results: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read results body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var body resultsResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode results: %w", err))
	}
	return &body, nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

type resultsResponse struct {
	ExecutionID         string     `json:"execution_id"`
	QueryID             int64      `json:"query_id"`
	State               string     `json:"state"`
	IsExecutionFinished bool       `json:"is_execution_finished"`
	ExecutionEndedAt    *time.Time `json:"execution_ended_at"`
	Result              *struct {
		Rows     []Row `json:"rows"`
		Metadata struct {
			ColumnNames   []string `json:"column_names"`
			RowCount      int      `json:"row_count"`
			TotalRowCount int      `json:"total_row_count"`
		} `json:"metadata"`
	} `json:"result"`
	NextOffset *int   `json:"next_offset"`
	NextURI    string `json:"next_uri"`
}
