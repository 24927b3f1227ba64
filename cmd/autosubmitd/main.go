// autosubmitd drives one experiment: it holds the experiment lock, runs the
// reconciliation loop and serves a read-only status API while it runs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"autosubmit/internal/api"
	"autosubmit/internal/apperrors"
	"autosubmit/internal/config"
	"autosubmit/internal/health"
	"autosubmit/internal/history"
	"autosubmit/internal/lock"
	"autosubmit/internal/observability"
	"autosubmit/internal/platform"
	"autosubmit/internal/platform/docker"
	"autosubmit/internal/retrieval"
	"autosubmit/internal/runloop"
	"autosubmit/internal/store"
	"autosubmit/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Run failed",
			"error", err,
			"kind", apperrors.KindOf(err).String(),
			"code", apperrors.Code(err),
		)
		os.Exit(apperrors.ExitCode(err))
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadRunnerConfig()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.With("expid", cfg.ExpID))

	lk, err := lock.Acquire(cfg.ExperimentDir())
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			slog.Warn("Lock release failed", "error", err)
		}
	}()

	exp, err := config.LoadExperiment(cfg.ExperimentFile)
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, closePlatforms, err := openPlatforms(ctx, cfg, exp)
	if err != nil {
		return err
	}
	defer closePlatforms()
	if err := metrics.ObserveBreakers(registry); err != nil {
		return err
	}

	runID := uuid.NewString()
	sink, err := history.Open(cfg, metrics)
	if err != nil {
		return err
	}
	recorder := history.NewRecorder(sink, runID, cfg.HistoryBuffer)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			slog.Warn("History sink close failed", "error", err)
		}
		stats := recorder.Stats()
		slog.Info("History closed", "recorded", stats.Recorded, "failed", stats.Failed, "dropped", stats.Dropped)
	}()

	pool := retrieval.New(cfg.RetrievalWorkers)
	pool.OnDone = func(_ string, d time.Duration, err error) {
		metrics.RecordRetrieval(context.Background(), d.Seconds(), err != nil)
	}
	defer pool.Close()

	loop, err := runloop.New(runloop.Options{
		Runner:     cfg,
		Experiment: exp,
		Reload:     func() (*config.Experiment, error) { return config.LoadExperiment(cfg.ExperimentFile) },
		Store:      st,
		Platforms:  registry,
		Retrieval:  pool,
		Observers:  []runloop.Observer{recorder.Observe},
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	if err := loop.Load(ctx); err != nil {
		return err
	}
	if cfg.Rerun != "" {
		n, err := loop.Rerun(ctx, cfg.Rerun)
		if err != nil {
			return err
		}
		slog.Info("Jobs reset for rerun", "spec", cfg.Rerun, "jobs", n)
	}

	healthChecker := health.NewChecker(registry, registry)
	healthChecker.AddCheck("runloop", false, health.StaleCheck("clean cycle", staleAfter(exp, cfg), loop.LastCycle))
	servers := startServers(cfg, api.NewRouter(api.RouterConfig{
		View:          loop,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.StatusAPIKey,
	}), metricsHandler)

	rc := runloop.NewRunContext(ctx, runID)

	// First signal finishes the current cycle; a second one aborts in-flight calls.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		sig := <-quit
		slog.Info("Received shutdown signal, stopping after this cycle", "signal", sig)
		healthChecker.SetShuttingDown()
		rc.RequestStop(sig.String())
		sig = <-quit
		slog.Warn("Received second signal, aborting", "signal", sig)
		cancel()
	}()

	serverErr := make(chan error, 1)
	go servers.wait(serverErr)

	recorder.RunStarted(cfg.ExpID)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(rc) }()

	select {
	case err = <-loopDone:
	case err = <-serverErr:
		slog.Error("Server failed", "error", err)
		rc.RequestStop("server failure")
		if loopErr := <-loopDone; loopErr != nil {
			err = errors.Join(err, loopErr)
		}
		err = apperrors.FatalError("server", err)
	}

	recorder.RunFinished(cfg.ExpID, runOutcome(rc, err))
	healthChecker.SetShuttingDown()
	servers.shutdown(5 * time.Second)
	if err == nil {
		slog.Info("Run loop finished", "run_id", runID)
	}
	return err
}

// runOutcome summarizes how the loop ended for the run finished event.
func runOutcome(rc *runloop.RunContext, err error) string {
	switch {
	case err != nil:
		return "failed: " + err.Error()
	case rc.StopRequested():
		return "stopped: " + rc.Reason()
	default:
		return "finished"
	}
}

// openPlatforms registers a gateway for every platform of the experiment.
func openPlatforms(ctx context.Context, cfg *config.RunnerConfig, exp *config.Experiment) (*platform.Registry, func(), error) {
	registry := platform.NewRegistry(circuitbreaker.Config{
		Threshold: config.GetIntEnv("PLATFORM_BREAKER_THRESHOLD", 5),
		Cooldown:  config.GetDurationEnv("PLATFORM_BREAKER_COOLDOWN", 30*time.Second),
	})

	var gateways []*docker.Gateway
	closeAll := func() {
		for _, gw := range gateways {
			if err := gw.Close(); err != nil {
				slog.Warn("Platform close failed", "platform", gw.Name(), "error", err)
			}
		}
	}

	names := make([]string, 0, len(exp.Platforms))
	for name := range exp.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch typ := exp.Platforms[name].Type; typ {
		case "", "docker":
			gw, err := docker.New(ctx, docker.ConfigFor(exp, name, cfg.ExperimentDir()))
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			gateways = append(gateways, gw)
			registry.Register(gw)
			slog.Info("Platform connected", "platform", name, "type", "docker")
		default:
			closeAll()
			return nil, nil, apperrors.Config("platforms."+name+".type", "unsupported platform type "+typ)
		}
	}
	return registry, closeAll, nil
}

type serverSet struct {
	servers []*http.Server
	errs    chan error
}

func startServers(cfg *config.RunnerConfig, router, metricsHandler http.Handler) *serverSet {
	s := &serverSet{errs: make(chan error, 2)}

	if cfg.StatusPort != "" {
		s.start("status API", &http.Server{
			Addr:         ":" + cfg.StatusPort,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		})
	}

	if cfg.MetricsPort != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		s.start("metrics", &http.Server{
			Addr:         ":" + cfg.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}
	return s
}

func (s *serverSet) start(name string, srv *http.Server) {
	s.servers = append(s.servers, srv)
	go func() {
		slog.Info("Starting "+name+" server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- err
		}
	}()
}

// wait forwards the first server failure.
func (s *serverSet) wait(out chan<- error) {
	if len(s.servers) == 0 {
		return
	}
	out <- <-s.errs
}

// shutdown closes every server gracefully.
func (s *serverSet) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
}

// staleAfter is how long readiness tolerates cycles that keep failing: a few
// safety sleeps plus the longest recovery pause.
func staleAfter(exp *config.Experiment, cfg *config.RunnerConfig) time.Duration {
	return 3*exp.SafetySleepDuration() + cfg.RetryMaxDelay
}
