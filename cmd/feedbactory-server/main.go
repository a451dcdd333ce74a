// The feedbactory server: a single-listener TCP request/response server
// with pooled buffers, per-IP abuse monitoring and encrypted client
// sessions fronting the account and feedback gateways.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedbactory/server/internal/account"
	"feedbactory/server/internal/config"
	"feedbactory/server/internal/dispatch"
	"feedbactory/server/internal/eventlog"
	"feedbactory/server/internal/gateway"
	"feedbactory/server/internal/ipmonitor"
	"feedbactory/server/internal/metrics"
	"feedbactory/server/internal/netbuf"
	"feedbactory/server/internal/platform/timecache"
	"feedbactory/server/internal/session"
	"feedbactory/server/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	keyPairFile        = "server.key"
	sessionsFile       = "sessions.dat"
	noncesFile         = "nonces.dat"
	clientVersionsFile = "client_versions.dat"
	ipMonitorFile      = "ipmonitor.dat"

	// Accept limiter entries for idle addresses are evicted after this.
	acceptLimiterIdleTTL = 10 * time.Minute
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to feedbactory.yaml (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("feedbactory-server version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedbactory-server failed to initialize: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("feedbactory-server failed", "error", err)
		os.Exit(1)
	}
	log.Info("feedbactory-server stopped")
}

func newLogger(level string) *eventlog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return eventlog.New(eventlog.WrapHandler(handler))
}

func run(ctx context.Context, cfg config.Config, log *eventlog.Logger) error {
	timecache.Start()
	defer timecache.Stop()

	keys, err := session.LoadOrCreateKeyPair(filepath.Join(cfg.DataDir, keyPairFile))
	if err != nil {
		return err
	}

	regular, err := netbuf.NewPool(cfg.RegularPoolCapacity, cfg.RegularPoolBufferSize)
	if err != nil {
		return err
	}
	oversize, err := netbuf.NewPool(cfg.OversizePoolCapacity, cfg.OversizePoolBufferSize)
	if err != nil {
		return err
	}
	srvMetrics := metrics.New()
	srvMetrics.RegisterPool("regular", regular)
	srvMetrics.RegisterPool("oversize", oversize)

	compat, err := gateway.NewCompatibilityManager(filepath.Join(cfg.DataDir, clientVersionsFile), log)
	if err != nil {
		return err
	}
	broadcast := gateway.NewBroadcastManager()

	monitor := ipmonitor.New(ipmonitor.Policy{
		ErroneousThreshold: cfg.ErroneousThreshold,
		SpamThreshold:      cfg.SpamThreshold,
	}, log)
	ipMonitorPath := filepath.Join(cfg.DataDir, ipMonitorFile)
	if err := monitor.RestoreCheckpoint(ipMonitorPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	// TODO: replace the unimplemented gateways once the account and
	// feedback application layers are ported onto this core.
	accounts := gateway.UnimplementedAccountGateway{}
	registry := account.NewRegistry()
	sessions := session.NewManager(session.Config{
		SessionsPerAccount:   cfg.SessionsPerAccount,
		DormantExpiry:        cfg.DormantSessionExpiry,
		TimeLeniency:         cfg.TimeLeniency,
		HousekeepingInterval: cfg.HousekeepingInterval,
	}, keys, accounts, registry, session.Pools{Regular: regular, Oversize: oversize}, log)
	sessionsPath := filepath.Join(cfg.DataDir, sessionsFile)
	noncesPath := filepath.Join(cfg.DataDir, noncesFile)
	if err := sessions.RestoreCheckpoint(sessionsPath, noncesPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	gw := gateway.New(gateway.NewHeaderHandler(compat, broadcast), sessions,
		accounts, gateway.UnimplementedFeedbackGateway{})

	reader, err := transport.NewRequestReader(cfg.MaxRequestSize, cfg.ReadTimeout)
	if err != nil {
		return err
	}
	writer, err := transport.NewResponseWriter(cfg.WriteTimeout)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(dispatch.Config{BusyThreshold: int64(cfg.BusyThreshold)},
		reader, writer, monitor, gw, regular, oversize, srvMetrics, log)

	limiter := transport.NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst, acceptLimiterIdleTTL)
	if limiter != nil {
		srvMetrics.RegisterAcceptDenied(limiter.Denied)
	}
	server := transport.NewServer(cfg.ListenAddress, limiter, log, dispatcher.HandleConnection)
	if err := server.Start(); err != nil {
		return err
	}

	sessions.StartHousekeeping()
	monitor.StartHousekeeping(cfg.MonitorWindow)

	metricsServer := startMetricsServer(cfg.MetricsAddress, srvMetrics, log)

	log.Info("feedbactory-server started",
		"version", version, "address", server.Addr())
	<-ctx.Done()
	log.Info("shutting down")

	server.Stop()
	monitor.StopHousekeeping()
	sessions.StopHousekeeping()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}

	// Checkpoints are written after housekeeping stops so a rollover cannot
	// race the save.
	if err := sessions.SaveCheckpoint(sessionsPath, noncesPath); err != nil {
		log.Error("session checkpoint failed", "error", err)
	}
	if err := monitor.SaveCheckpoint(ipMonitorPath); err != nil {
		log.Error("ip monitor checkpoint failed", "error", err)
	}
	return nil
}

func startMetricsServer(addr string, m *metrics.Server, log *eventlog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("metrics listener failed", "address", addr, "error", err)
		return nil
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("metrics listening", "address", ln.Addr().String())
	return srv
}
