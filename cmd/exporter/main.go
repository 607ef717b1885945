package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/celery-exporter/internal/celery"
	"github.com/noah-isme/celery-exporter/internal/config"
	"github.com/noah-isme/celery-exporter/internal/health"
	"github.com/noah-isme/celery-exporter/internal/monitor"
	"github.com/noah-isme/celery-exporter/internal/obs"
	"github.com/noah-isme/celery-exporter/internal/queue"
	"github.com/noah-isme/celery-exporter/internal/tracker"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Println(version)
		return 0
	}
	if cfg.Location != nil {
		time.Local = cfg.Location
	}

	logger := obs.NewLogger(cfg.LogFormat, obs.LevelFor(cfg.Verbose)).With().Str("service", "celery-exporter").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName: "celery-exporter",
			Version:     version,
			Endpoint:    cfg.OTLPEndpoint,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			cfg.TracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	redisOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		logger.Error().Err(err).Msg("parse broker url")
		return 1
	}
	redisClient := redis.NewClient(redisOpts)
	if cfg.TracingEnabled {
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	keys, err := celery.NewKeyspace(redisOpts.DB, cfg.TransportOptions)
	if err != nil {
		logger.Error().Err(err).Msg("apply transport options")
		return 1
	}

	registry := obs.NewRegistry()
	metrics := obs.NewMetrics(cfg.MetricsNamespace, registry)
	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, registry)

	store, err := tracker.NewStore(cfg.MaxTasksInMemory)
	if err != nil {
		logger.Error().Err(err).Msg("create task store")
		return 1
	}
	processor := tracker.NewProcessor(store, metrics, component(logger, "tracker"))
	clock := clockz.RealClock
	mailbox := celery.NewMailbox(redisClient, keys, clock, component(logger, "pidbox"))
	storage := celery.NewQueueStorage(redisClient, keys)

	supervisor := &monitor.Supervisor{
		Source:         celery.NewEventReceiver(redisClient, keys, metrics, component(logger, "events")),
		Registry:       mailbox,
		Processor:      processor,
		Metrics:        metrics,
		Logger:         component(logger, "supervisor"),
		InspectTimeout: cfg.InspectTimeout,
		Backoff:        cfg.ReconnectBackoff,
		Clock:          clock,
	}
	loops := map[string]func(context.Context) error{
		"supervisor": supervisor.Run,
		"workers": (&monitor.WorkerPoller{
			Control:  mailbox,
			Metrics:  metrics,
			Logger:   component(logger, "workers"),
			Interval: cfg.WorkerInterval,
			Timeout:  cfg.PingTimeout,
			Clock:    clock,
		}).Run,
		"queues": (&queue.Introspector{
			Storage:  storage,
			Decode:   celery.TaskNameFromMessage,
			Metrics:  metrics,
			Logger:   component(logger, "queues"),
			Interval: cfg.QueueInterval,
			Clock:    clock,
		}).Run,
	}
	if cfg.EnableEvents {
		loops["enable-events"] = (&monitor.EventsEnabler{
			Control:  mailbox,
			Logger:   component(logger, "enable-events"),
			Interval: cfg.EnableEventsInterval,
			Clock:    clock,
		}).Run
	}

	var wg sync.WaitGroup
	for name, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil {
				logger.Error().Err(err).Str("loop", name).Msg("loop stopped")
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, logger, registry, httpMetrics, readinessChecker{broker: storage, stream: supervisor}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	exit := 0
	logger.Info().Str("addr", srv.Addr).Str("broker", redactedURL(redisOpts)).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited unexpectedly")
		exit = 1
		stop()
	}
	wg.Wait()
	logger.Info().Msg("shutdown complete")
	return exit
}

func newRouter(cfg *config.Config, logger zerolog.Logger, registry *prometheus.Registry, httpMetrics *obs.HTTPMetrics, checker health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpMetrics.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	healthHandler := health.Handler{Checker: checker, BrokerTimeout: cfg.PingTimeout}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	if cfg.TracingEnabled {
		return otelhttp.NewHandler(r, "celery-exporter")
	}
	return r
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func redactedURL(opts *redis.Options) string {
	return fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
}

type readinessChecker struct {
	broker *celery.QueueStorage
	stream *monitor.Supervisor
}

func (c readinessChecker) PingBroker(ctx context.Context, timeout time.Duration) error {
	if c.broker == nil {
		return errors.New("broker not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.broker.Ping(ctx)
}

func (c readinessChecker) StreamConnected() bool {
	return c.stream != nil && c.stream.Connected()
}
