package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/key-custody-backend/common"
	"github.com/ruteri/key-custody-backend/metrics"
	"golang.org/x/sync/errgroup"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /readyz fails before the listeners close.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight requests once draining ends.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Dependencies are checked by /readyz, keyed by name.
	Dependencies map[string]DependencyCheck
}

// Server serves the custody API next to its health checks, and Prometheus
// metrics on a separate listener.
type Server struct {
	cfg    *HTTPServerConfig
	log    *slog.Logger
	health *health

	api        *http.Server
	metricsSrv *metrics.MetricsServer
}

func New(cfg *HTTPServerConfig, handler *Handler) (*Server, error) {
	srv := &Server{
		cfg:    cfg,
		log:    cfg.Log,
		health: newHealth(cfg.Dependencies, cfg.Log),
	}

	if cfg.MetricsAddr != "" {
		metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics server: %w", err)
		}
		srv.metricsSrv = metricsSrv
	}

	srv.api = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.router(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *Server) router(handler *Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(srv.log, next)
	})

	handler.RegisterRoutes(mux)
	srv.health.routes(mux)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// Handler returns the HTTP handler serving the API.
func (srv *Server) Handler() http.Handler {
	return srv.api.Handler
}

// Run serves until ctx is done or a listener fails. On the way out it drains:
// /readyz fails for DrainDuration while requests are still served, then the
// listeners close and in-flight requests get GracefulShutdownDuration.
func (srv *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		return serve(srv.api.ListenAndServe)
	})
	if srv.metricsSrv != nil {
		g.Go(func() error {
			srv.log.Info("Starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			return serve(srv.metricsSrv.ListenAndServe)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil && srv.health.startDraining() {
			time.Sleep(srv.cfg.DrainDuration)
		}
		return srv.shutdown()
	})

	return g.Wait()
}

func (srv *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	var errs []error
	if err := srv.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	if srv.metricsSrv != nil {
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	srv.log.Info("HTTP servers stopped")
	return nil
}

func serve(listen func() error) error {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
