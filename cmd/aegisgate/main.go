package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/gateway"
	"github.com/aegisgate/aegisgate/internal/logging"
	"github.com/aegisgate/aegisgate/internal/metrics"
	"github.com/aegisgate/aegisgate/internal/obs"
	"github.com/aegisgate/aegisgate/internal/ratelimit"
	"github.com/aegisgate/aegisgate/internal/tracing"
)

// shutdownGrace bounds how long in-flight connection handlers get to
// finish after a shutdown signal before their client sockets are
// force-closed.
const shutdownGrace = 30 * time.Second

// main wires the admission pipeline's components together and runs
// them until a termination signal arrives.
func main() {
	var configPath = flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatal(err)
	}
	cfg := config.GetInstance()

	logger := logging.NewLogger("aegisgate")

	shutdownTracing, err := tracing.InitTracing(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing()

	m := metrics.NewMetrics()

	limiter := ratelimit.NewLimiter(cfg.Limit)
	if cfg.Features.EnableRateLimiter {
		limiter.StartSweeper(cfg.Limit.CleanupIntervalDuration())
	}
	defer limiter.Stop()

	handler := gateway.NewHandler(cfg, limiter, m, logger, &net.Dialer{})
	listener := gateway.NewListener(cfg.Proxy.ListenAddress, handler, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	running := make(chan struct{})
	listenerErr := make(chan error, 1)
	go func() {
		close(running)
		listenerErr <- listener.Run(ctx)
	}()
	<-running

	ready := func() bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	var obsServer *obs.Server
	if cfg.Metrics.Enabled {
		obsServer = obs.NewServer(defaultMetricsAddr(cfg), m, ready)
		go func() {
			if err := obsServer.ListenAndServe(); err != nil {
				log.Fatalf("observability server failed: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("received termination signal, shutting down gracefully...")
	case err := <-listenerErr:
		if err != nil {
			log.Fatalf("gateway listener failed: %v", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down observability server: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		listener.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Println("shutdown grace period elapsed, force-closing remaining connections")
		listener.ForceCloseAll()
		<-done
	}

	log.Println("aegisgate stopped")
}

// defaultMetricsAddr binds the observability server to all interfaces
// on the configured port.
func defaultMetricsAddr(cfg *config.Config) string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Metrics.Port))
}
