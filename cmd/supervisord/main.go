// Command supervisord runs the validator supervisor: it elects a single
// leader across instances sharing a registry and drives the child process
// through Startup, Syncing, Registering, Voting, and Validating states.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodewarden/validator-supervisor/internal/childproc"
	"github.com/nodewarden/validator-supervisor/internal/config"
	"github.com/nodewarden/validator-supervisor/internal/control"
	"github.com/nodewarden/validator-supervisor/internal/logging"
	"github.com/nodewarden/validator-supervisor/internal/maintenance"
	"github.com/nodewarden/validator-supervisor/internal/metrics"
	"github.com/nodewarden/validator-supervisor/internal/oom"
	"github.com/nodewarden/validator-supervisor/internal/procstats"
	"github.com/nodewarden/validator-supervisor/internal/registry"
	"github.com/nodewarden/validator-supervisor/internal/signals"
	"github.com/nodewarden/validator-supervisor/internal/statemachine"
)

func main() {
	os.Exit(run())
}

// rpcBaseURL turns a bind address like "0.0.0.0:3030" into a loopback URL
// the supervisor can reach, since the child always runs on the same host.
func rpcBaseURL(bindAddr string) string {
	_, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		port = "3030"
	}
	return "http://127.0.0.1:" + port
}

func run() int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger := logging.New(settings.NodeID, settings.AccountID, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logger.Base()

	if err := oom.Adjust(oom.SupervisorScore); err != nil {
		log.WithError(err).Warn("failed to adjust own oom score")
	}

	childCfg, err := childproc.ReadConfig(settings.ChildHome)
	if err != nil {
		log.WithError(err).Error("failed to read child config")
		return 1
	}
	settings.ChildRPCAddr = rpcBaseURL(childCfg.RPC.Addr)

	nodeKey, err := childproc.ReadNodeKey(settings.ValidatorNodeKeyPath)
	if err != nil {
		log.WithError(err).Error("failed to read validator node key")
		return 1
	}
	settings.ValidatorNodePublicKey = nodeKey.PublicKey

	registryClient := registry.NewClient(settings.RegistryURL, settings.AuthToken)
	childClient := childproc.NewClient(settings.ChildRPCAddr)
	childManager := childproc.NewManager(
		settings.ChildHome,
		settings.ValidatorKeyPath,
		settings.ValidatorNodeKeyPath,
		settings.VoterNodeKeyPath,
		settings.BootNodes,
	)
	editor := childproc.NewDynamicConfigEditor(settings.ChildHome, childManager.PID)
	planner := maintenance.NewPlanner(settings.AccountID, childClient, editor)
	sig := signals.New()
	defer sig.Stop()

	registerer := prometheus.NewRegistry()
	m := metrics.New(registerer)

	requests := make(chan statemachine.Request, 8)
	sm := statemachine.New(settings, logger, m, registryClient, childClient, childManager, planner, sig, requests)

	controlServer, err := control.New(settings.ControlSocketPath, settings.LeaderKey(), registryClient, childClient, requests, logger)
	if err != nil {
		log.WithError(err).Error("failed to start control server")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sm.Run(ctx)
	}()

	go func() {
		if err := controlServer.Serve(); err != nil {
			log.WithError(err).Error("control server stopped")
		}
	}()

	metricsServer := newMetricsServer(settings.MetricsBindAddr, registerer)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	start := time.Now()
	go sampleProcessStats(ctx, m, childManager, start)

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, syscall.SIGTERM, syscall.SIGINT)

	var exitErr error
	select {
	case exitErr = <-errCh:
	case <-osSignals:
		log.Info("received termination signal, shutting down")
		cancel()
		exitErr = <-errCh
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("control server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown error")
	}

	if exitErr != nil {
		log.WithError(exitErr).Error("supervisor exited with error")
		return 1
	}
	return 0
}

// newMetricsServer builds the metrics HTTP listener. It is deliberately a
// separate listener from the Unix-socket control server, built on gin
// rather than gorilla/mux, per the exporter's own simple routing needs.
func newMetricsServer(addr string, registerer *prometheus.Registry) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registerer, promhttp.HandlerOpts{})))
	return &http.Server{Addr: addr, Handler: router}
}

// sampleProcessStats periodically refreshes the child's RSS/CPU gauges.
// Purely observational: it never influences state-machine decisions.
func sampleProcessStats(ctx context.Context, m *metrics.Metrics, childManager *childproc.Manager, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateUptime(start)
			pid := childManager.PID()
			if pid == 0 {
				m.ClearChildStats()
				continue
			}
			stats, err := procstats.Read(pid)
			if err != nil {
				m.ClearChildStats()
				continue
			}
			m.SetChildStats(stats.RSSBytes, stats.CPUPercent)
		}
	}
}
