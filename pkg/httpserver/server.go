// Package httpserver поднимает служебный HTTP: /metrics, /healthz, /readyz.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YaganovValera/dune-sync/pkg/logger"
)

// ReadyChecker возвращает nil, если сервис готов.
type ReadyChecker func() error

// HTTPServer — служебный сервер режима serve.
type HTTPServer interface {
	Start(ctx context.Context) error
	Handler() http.Handler
}

// Config — адрес, таймауты и пути служебных эндпоинтов.
type Config struct {
	Addr            string // ":8080"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
	HealthzPath     string
	ReadyzPath      string
	CORSOrigins     []string // пусто → без CORS
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orPath(p, def string) string {
	if p == "" {
		return def
	}
	return p
}

func (c Config) normalized() Config {
	c.ReadTimeout = orDuration(c.ReadTimeout, 10*time.Second)
	c.WriteTimeout = orDuration(c.WriteTimeout, 15*time.Second)
	c.IdleTimeout = orDuration(c.IdleTimeout, time.Minute)
	c.ShutdownTimeout = orDuration(c.ShutdownTimeout, 5*time.Second)
	c.MetricsPath = orPath(c.MetricsPath, "/metrics")
	c.HealthzPath = orPath(c.HealthzPath, "/healthz")
	c.ReadyzPath = orPath(c.ReadyzPath, "/readyz")
	return c
}

type server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// New собирает сервер. nil gatherer → prometheus.DefaultGatherer,
// nil check → всегда готов.
func New(cfg Config, check ReadyChecker, gatherer prometheus.Gatherer, log *logger.Logger) (HTTPServer, error) {
	if cfg.Addr == "" {
		return nil, errors.New("httpserver: addr is required")
	}
	cfg = cfg.normalized()
	if check == nil {
		check = func() error { return nil }
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	log = log.Named("http-server")

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(cfg.HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	})
	mux.HandleFunc(cfg.ReadyzPath, func(w http.ResponseWriter, _ *http.Request) {
		if err := check(); err != nil {
			writeText(w, http.StatusServiceUnavailable, "NOT READY: "+err.Error())
			return
		}
		writeText(w, http.StatusOK, "READY")
	})

	mws := []Middleware{Recover(log), Metrics(cfg.MetricsPath, cfg.HealthzPath, cfg.ReadyzPath)}
	if len(cfg.CORSOrigins) > 0 {
		mws = append(mws, CORS(cfg.CORSOrigins))
	}

	return &server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      Chain(mux, mws...),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}, nil
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (s *server) Handler() http.Handler { return s.srv.Handler }

// Start слушает до отмены ctx, затем делает graceful shutdown.
// Ошибка bind возвращается сразу; отмена ctx даёт nil.
func (s *server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.srv.Addr, err)
	}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("httpserver: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	s.log.Info("stopped")
	return nil
}
