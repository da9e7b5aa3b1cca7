// udpstd -- UDP Speed Test protocol daemon (client + server roles).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpst/internal/config"
	udpstmetrics "github.com/dantte-lp/udpst/internal/metrics"
	"github.com/dantte-lp/udpst/internal/netio"
	"github.com/dantte-lp/udpst/internal/server"
	"github.com/dantte-lp/udpst/internal/udpst"
	appversion "github.com/dantte-lp/udpst/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging test failures.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("udpstd starting",
		slog.String("version", appversion.Version),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("control_addr", cfg.UDPST.ControlAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := udpstmetrics.NewCollector(reg)

	if err := runDaemon(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("udpstd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("udpstd stopped")
	return 0
}

// runDaemon wires the shared connection tables, control/data-plane
// sockets, HTTP servers and daemon-lifetime goroutines together, and
// blocks until the errgroup drains after a signal-driven shutdown.
func runDaemon(
	cfg *config.Config,
	collector *udpstmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	keyStore, err := loadKeyStore(cfg.Auth)
	if err != nil {
		return fmt.Errorf("load auth key store: %w", err)
	}

	clientMgr := udpst.NewManager(cfg.UDPST.MaxConnections)
	serverMgr := udpst.NewManager(cfg.UDPST.MaxConnections)

	// server.New requires a Runner up front, but the Runner's callbacks
	// need to publish through the *Server it hasn't built yet. forwarder
	// breaks the cycle: the callbacks close over it instead of the
	// *Server directly, and it's pointed at the real *Server below,
	// before any session has a chance to fire an event.
	forwarder := &eventForwarder{}
	clientPolicy := clientPolicyFromConfig(cfg)
	runner := newDaemonRunner(clientMgr, clientPolicy, collector, forwarder.OnSubInterval, forwarder.OnSummary, logger)

	apiSrv, apiHandler := server.New(runner, logger)
	forwarder.srv = apiSrv

	controlAddr, err := mustParseAddrPort(cfg.UDPST.ControlAddr)
	if err != nil {
		return fmt.Errorf("control address: %w", err)
	}

	controlSocket, err := netio.Listen(gCtx, controlAddr, netio.SocketOptions{ReuseAddr: true})
	if err != nil {
		return fmt.Errorf("listen on control address %s: %w", cfg.UDPST.ControlAddr, err)
	}
	defer func() { _ = controlSocket.Close() }()

	registry := newSocketRegistry()
	dataPlane := &serverDataPlane{
		bindAddr:  controlAddr.Addr(),
		opts:      netio.SocketOptions{ReuseAddr: true},
		registry:  registry,
		collector: collector,
		logger:    logger,
	}

	serverPolicy := serverPolicyFromConfig(cfg, keyStore)
	srv := udpst.NewServer(serverMgr, serverPolicy, dataPlane, dataPlane, forwarder.OnSubInterval, forwarder.OnSummary, logger)

	g.Go(func() error {
		serveControlSocket(gCtx, controlSocket, srv, serverMgr, collector, logger)
		return nil
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	httpSrv := newHTTPServer(cfg.HTTP, apiHandler)
	startHTTPServers(gCtx, g, cfg, httpSrv, metricsSrv, logger)

	startDaemonGoroutines(gCtx, g, configPath, logLevel, runner, logger)

	runner.reconcile(gCtx, desiredRuns(cfg.Runs, logger))

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, runner, registry, logger, fr, httpSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Policy Construction
// -------------------------------------------------------------------------

// clientPolicyFromConfig builds the default ClientPolicy a declarative or
// HTTP-triggered run advertises, before any per-run MCIndex/MCCount
// override is applied by the caller.
func clientPolicyFromConfig(cfg *config.Config) udpst.ClientPolicy {
	authMode := udpst.AuthModeNone
	var authKey []byte
	if cfg.Auth.FallbackKey != "" {
		authMode = udpst.AuthModeHMAC
		authKey = []byte(cfg.Auth.FallbackKey)
	}

	return udpst.ClientPolicy{
		MaxBandwidthMbps: cfg.UDPST.MaxBandwidthMbps,
		Jumbo:            cfg.UDPST.AllowJumbo,
		AuthMode:         authMode,
		AuthKeyID:        0,
		AuthKey:          authKey,
		LowThresh:        cfg.UDPST.LowThreshMs,
		UpperThresh:      cfg.UDPST.UpperThreshMs,
		TrialInt:         cfg.UDPST.TrialInt,
		SubIntPeriod:     cfg.UDPST.SubIntPeriod,
		TestIntTime:      cfg.UDPST.TestIntTime,
		WatchdogExpiry:   cfg.UDPST.WatchdogExpiry,
		SeqErrThresh:     cfg.UDPST.SeqErrThresh,
		HighSpeedDelta:   cfg.UDPST.HighSpeedDelta,
		SlowAdjThresh:    cfg.UDPST.SlowAdjThresh,
		RateAdjAlgo:      udpst.ParseRateAdjAlgo(cfg.UDPST.RateAdjAlgo),
		DSCPEcn:          cfg.UDPST.DSCPEcn,
	}
}

// serverPolicyFromConfig builds the ServerPolicy applied to inbound Setup
// and Test-Activation negotiation.
func serverPolicyFromConfig(cfg *config.Config, keys udpst.AuthKeyStore) udpst.ServerPolicy {
	return udpst.ServerPolicy{
		MaxBandwidthMbps: cfg.UDPST.MaxBandwidthMbps,
		AllowJumbo:       cfg.UDPST.AllowJumbo,
		RequireAuth:      cfg.Auth.Required,
		Keys:             keys,
		AuthTimeWindow:   cfg.Auth.TimeWindow,
		LowThresh:        cfg.UDPST.LowThreshMs,
		UpperThresh:      cfg.UDPST.UpperThreshMs,
		TrialInt:         cfg.UDPST.TrialInt,
		SubIntPeriod:     cfg.UDPST.SubIntPeriod,
		TestIntTime:      cfg.UDPST.TestIntTime,
		WatchdogExpiry:   cfg.UDPST.WatchdogExpiry,
		SeqErrThresh:     cfg.UDPST.SeqErrThresh,
		HighSpeedDelta:   cfg.UDPST.HighSpeedDelta,
		SlowAdjThresh:    cfg.UDPST.SlowAdjThresh,
		RateAdjAlgo:      udpst.ParseRateAdjAlgo(cfg.UDPST.RateAdjAlgo),
		DSCPEcn:          cfg.UDPST.DSCPEcn,
		AllowRandPayload: cfg.UDPST.AllowRandPayload,
	}
}

// eventForwarder adapts udpst.SubIntervalCallback/SummaryCallback to a
// *server.Server constructed after the callbacks themselves, so the
// server and client roles both publish through one Watch-stream
// dispatcher regardless of which side originated the connection.
type eventForwarder struct {
	srv *server.Server
}

func (f *eventForwarder) OnSubInterval(report udpst.SubIntervalReport) {
	f.srv.OnSubInterval(report)
}

func (f *eventForwarder) OnSummary(report udpst.SummaryReport) {
	f.srv.OnSummary(report)
}

// -------------------------------------------------------------------------
// HTTP Servers
// -------------------------------------------------------------------------

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	httpSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("control API server listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(ctx, &lc, httpSrv, cfg.HTTP.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newHTTPServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Daemon Goroutines — watchdog + SIGHUP reload
// -------------------------------------------------------------------------

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	runner *daemonRunner,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, runner, logger)
		return nil
	})
}

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	runner *daemonRunner,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, runner, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from configPath, applies the
// new log level, and reconciles declarative runs against the running
// set. Errors are logged but never stop the daemon -- the previous
// configuration stays in effect.
func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	runner *daemonRunner,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)
	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	runner.reconcile(ctx, desiredRuns(newCfg.Runs, logger))
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, stops every running client run and
// closes its control socket, closes every server-side data-plane socket
// still tracked by registry, stops the flight recorder, then shuts down
// the HTTP servers within shutdownTimeout.
func gracefulShutdown(
	ctx context.Context,
	runner *daemonRunner,
	registry *socketRegistry,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	runner.closeAll()
	registry.closeAll()

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Config / Logger
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
