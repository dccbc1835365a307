package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/metering-extractor/pkg/config"
)

type job struct {
	r func()
}

func (j job) Run() {
	j.r()
}

// runScheduled runs the extraction on cfg.Schedule until ctx is cancelled.
// A run that is still going when the next one is due causes that one to be
// skipped.
func runScheduled(ctx context.Context, logger log.FieldLogger, cfg *config.RunConfiguration, gatherer prometheus.Gatherer, run func() error) error {
	cronLogger := cron.PrintfLogger(logger.WithField("component", "scheduler"))
	schedule := cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	_, err := schedule.AddJob(cfg.Schedule, job{func() {
		if err := run(); err != nil {
			logger.WithError(err).Error("extraction run failed")
		}
	}})
	if err != nil {
		return fmt.Errorf("invalid schedule '%s': %w", cfg.Schedule, err)
	}

	var srv *http.Server
	if cfg.MetricsListen != "" {
		srv = &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: newRouter(logger, gatherer),
		}
		go func() {
			logger.Infof("serving metrics on %s", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	schedule.Start()
	logger.Infof("running on schedule %q", cfg.Schedule)
	<-ctx.Done()

	<-schedule.Stop().Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
	}
	logger.Infof("%s has stopped", appName)
	return nil
}

type requestLogger struct {
	log.FieldLogger
}

func (l *requestLogger) Print(v ...interface{}) {
	l.FieldLogger.Debug(v...)
}

func newRouter(logger log.FieldLogger, gatherer prometheus.Gatherer) chi.Router {
	router := chi.NewRouter()
	logger = logger.WithField("component", "api")
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &requestLogger{logger}}))

	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get("/healthy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return router
}
