package dune

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/dune-sync/pkg/backoff"
	"github.com/YaganovValera/dune-sync/pkg/logger"
)

func fastBackoff() backoff.Config {
	return backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      2,
	}
}

func newTestClient(t *testing.T, url string, log *logger.Logger) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, PageSize: 2, Backoff: fastBackoff()}, log)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "api.dune.com"}, logger.NewNop()); err == nil {
		t.Fatal("expected error for base url without scheme")
	}
}

func TestGetLatestResult_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query/42/results" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get(APIKeyHeader); got != "secret" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("limit = %q", got)
		}
		fmt.Fprint(w, `{"execution_id":"01H","query_id":42,"state":"QUERY_STATE_COMPLETED",
			"is_execution_finished":true,"execution_ended_at":"2024-03-01T10:00:00Z",
			"result":{"rows":[{"b":1,"a":"x"},{"b":2,"a":"y"}],
			"metadata":{"column_names":["b","a"],"row_count":2,"total_row_count":2}}}`)
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 42, "secret")
	if err != nil {
		t.Fatalf("GetLatestResult() error = %v", err)
	}
	if res.ExecutionID != "01H" || len(res.Rows) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if names := res.Rows[0].Names(); names[0] != "b" || names[1] != "a" {
		t.Fatalf("column order = %v", names)
	}
	if len(res.Columns) != 2 {
		t.Fatalf("columns = %v", res.Columns)
	}
}

func TestGetLatestResult_FollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "":
			fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"n":1},{"n":2}]},
				"next_offset":2,"next_uri":"/api/v1/query/7/results?limit=2&offset=2"}`)
		case "2":
			fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"n":3},{"n":4}]},"next_offset":4}`)
		case "4":
			fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"n":5}]}}`)
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 7, "k")
	if err != nil {
		t.Fatalf("GetLatestResult() error = %v", err)
	}
	if len(res.Rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(res.Rows))
	}
	for i, r := range res.Rows {
		v, _ := r.Get("n")
		if string(v) != fmt.Sprint(i+1) {
			t.Fatalf("row %d = %s", i, v)
		}
	}
}

func TestGetLatestResult_RejectsForeignNextURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"n":1}]},
			"next_uri":"https://evil.example.com/api/v1/query/7/results?offset=1"}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 7, "k"); err == nil {
		t.Fatal("expected error for next_uri on another host")
	}
}

func TestGetLatestResult_NonAdvancingOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"n":1}]},"next_offset":0}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 7, "k"); err == nil {
		t.Fatal("expected error for next_offset that does not advance")
	}
}

func TestGetLatestResult_RepeatedNextURI(t *testing.T) {
	cases := map[string]string{
		"same page":  "/api/v1/query/7/results?limit=2",
		"page cycle": "/api/v1/query/7/results?limit=2&page=b",
	}
	for name, nextURI := range cases {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				next := nextURI
				if r.URL.Query().Get("page") == "b" {
					next = "/api/v1/query/7/results?limit=2"
				}
				fmt.Fprintf(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"n":1}]},"next_uri":%q}`, next)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 7, "k")
			if err == nil {
				t.Fatal("expected error for a next_uri that repeats a page")
			}
			if calls.Load() > 2 {
				t.Fatalf("calls = %d, paging did not stop", calls.Load())
			}
		})
	}
}

func TestGetLatestResult_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[],"metadata":{"column_names":["a"]}}}`)
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 1, "k")
	if err != nil {
		t.Fatalf("GetLatestResult() error = %v", err)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(res.Rows))
	}
}

func TestGetLatestResult_Errors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
		check     func(t *testing.T, err error)
	}{
		{
			name: "unauthorized is permanent", status: http.StatusUnauthorized,
			body: `{"error":"invalid API Key"}`, wantCalls: 1,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 || apiErr.Message != "invalid API Key" {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "server error is retried", status: http.StatusBadGateway,
			body: `upstream down`, wantCalls: 3,
			check: func(t *testing.T, err error) {
				var maxErr *backoff.ErrMaxRetries
				if !errors.As(err, &maxErr) {
					t.Fatalf("err = %T %v, want *ErrMaxRetries", err, err)
				}
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.Message != "upstream down" {
					t.Fatalf("err = %v", err)
				}
			},
		},
		{
			name: "malformed body is permanent", status: http.StatusOK,
			body: `{"result":`, wantCalls: 1,
			check: func(t *testing.T, err error) {},
		},
		{
			name: "failed execution", status: http.StatusOK,
			body: `{"execution_id":"x","state":"QUERY_STATE_FAILED","is_execution_finished":true}`, wantCalls: 1,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrExecutionNotCompleted) {
					t.Fatalf("err = %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, logger.NewNop()).GetLatestResult(context.Background(), 1, "k")
			if err == nil {
				t.Fatal("expected error")
			}
			tc.check(t, err)
			if got := calls.Load(); got != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestGetLatestResult_WarnsWhenStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","execution_ended_at":"2024-01-01T00:00:00Z","result":{"rows":[{"a":1}]}}`)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	c, err := NewClient(Config{BaseURL: srv.URL, MaxAge: time.Hour, Backoff: fastBackoff()}, logger.FromZap(zap.New(core)))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }

	if _, err := c.GetLatestResult(context.Background(), 1, "k"); err != nil {
		t.Fatalf("GetLatestResult() error = %v", err)
	}
	if n := logs.FilterMessage("latest result is older than max age").Len(); n != 1 {
		t.Fatalf("stale warnings = %d, want 1", n)
	}
}
