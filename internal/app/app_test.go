package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/YaganovValera/dune-sync/internal/config"
	"github.com/YaganovValera/dune-sync/internal/dune"
	"github.com/YaganovValera/dune-sync/internal/query"
	"github.com/YaganovValera/dune-sync/internal/runner"
	"github.com/YaganovValera/dune-sync/internal/sink"
	"github.com/YaganovValera/dune-sync/pkg/backoff"
	"github.com/YaganovValera/dune-sync/pkg/logger"
	"github.com/YaganovValera/dune-sync/pkg/telemetry"
)

func duneServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/api/v1/query/1/results":
			fmt.Fprint(w, `{"state":"QUERY_STATE_COMPLETED","result":{"rows":[{"x":1},{"x":2}]}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"Query not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL, apiKey string, queries ...query.Descriptor) *config.Config {
	return &config.Config{
		ServiceName:    "dune-sync-test",
		ServiceVersion: "test",
		Dune: config.DuneConfig{
			Config: dune.Config{
				BaseURL: baseURL,
				Timeout: 5 * time.Second,
				Backoff: backoff.Config{InitialInterval: time.Millisecond, MaxRetries: 1},
			},
			APIKey: apiKey,
		},
		Sync:    config.SyncConfig{OutputDir: "site", Interval: time.Hour},
		Queries: queries,
		HTTP:    config.HTTPConfig{Port: 0},
	}
}

func TestRunOnce_WritesFilesAndTracksReadiness(t *testing.T) {
	var calls atomic.Int32
	srv := duneServer(t, &calls)
	fs := afero.NewMemMapFs()

	cfg := testConfig(srv.URL, "k",
		query.Descriptor{ID: 1, Name: "One", OutputPath: "public/one.json"},
		query.Descriptor{ID: 2, Name: "Two", OutputPath: "public/two.json"},
	)
	a, err := New(context.Background(), cfg, logger.NewNop(), fs)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(context.Background())

	if err := a.Ready(); !errors.Is(err, errNoRunYet) {
		t.Fatalf("Ready() before run = %v", err)
	}

	sum, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Outcomes[1].Status != runner.StatusFailure {
		t.Fatalf("outcome = %+v", sum.Outcomes[1])
	}
	data, err := afero.ReadFile(fs, "site/public/one.json")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "[\n  {\n    \"x\": 1\n  },\n  {\n    \"x\": 2\n  }\n]" {
		t.Fatalf("one.json = %q", data)
	}
	if err := a.Ready(); err == nil {
		t.Fatal("Ready() must report the failed query")
	}
}

func TestRunOnce_MissingCredential(t *testing.T) {
	var calls atomic.Int32
	srv := duneServer(t, &calls)
	fs := afero.NewMemMapFs()

	a, err := New(context.Background(), testConfig(srv.URL, "", query.Defaults()...), logger.NewNop(), fs)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(context.Background())

	if _, err := a.RunOnce(context.Background()); !errors.Is(err, runner.ErrMissingCredential) {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("dune calls = %d", calls.Load())
	}
	if exists, _ := afero.DirExists(fs, "site"); exists {
		t.Fatal("nothing may be written without a credential")
	}
}

// countingListener accepts and drops TCP connections, counting them.
func countingListener(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	var n atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			n.Add(1)
			_ = c.Close()
		}
	}()
	return ln.Addr().String(), &n
}

func TestNew_MissingCredentialSkipsMirrors(t *testing.T) {
	var calls atomic.Int32
	srv := duneServer(t, &calls)
	addr, conns := countingListener(t)

	cfg := testConfig(srv.URL, "", query.Defaults()...)
	cfg.Sinks.Redis = sink.RedisConfig{Enabled: true, Addr: addr, KeyPrefix: "dune"}
	cfg.Sinks.Kafka = sink.KafkaConfig{Enabled: true, Brokers: []string{addr}, RequiredAcks: "all"}
	cfg.Telemetry = telemetry.Config{Enabled: true, Endpoint: addr, ServiceName: "dune-sync-test", Insecure: true}

	a, err := New(context.Background(), cfg, logger.NewNop(), afero.NewMemMapFs())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(context.Background())
	if len(a.mirrors) != 0 {
		t.Fatalf("mirrors = %d, want none without a credential", len(a.mirrors))
	}

	if _, err := a.RunOnce(context.Background()); !errors.Is(err, runner.ErrMissingCredential) {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if conns.Load() != 0 || calls.Load() != 0 {
		t.Fatalf("network used without a credential: mirror conns = %d, dune calls = %d", conns.Load(), calls.Load())
	}
}

func TestServe_RunsImmediatelyAndStops(t *testing.T) {
	var calls atomic.Int32
	srv := duneServer(t, &calls)

	cfg := testConfig(srv.URL, "k", query.Descriptor{ID: 1, Name: "One", OutputPath: "one.json"})
	a, err := New(context.Background(), cfg, logger.NewNop(), afero.NewMemMapFs())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Ready() != nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("not ready: %v", a.Ready())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if calls.Load() != 1 {
		t.Fatalf("dune calls = %d, want exactly one run", calls.Load())
	}
}
