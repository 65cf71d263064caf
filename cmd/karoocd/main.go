// karoocd is the RPC/traffic-proxy server binary (spec §4.12, §6): it
// accepts connections on a single dual-stack listener, serves the framed
// RPC protocol (calls, pub/sub, streams) and, once a connection signals
// proxy traffic instead, hands it to the traffic-proxy detector.
//
// Grounded on cmd/karoo/main.go's flag/config/signal-driven shutdown
// shape, re-themed from a Stratum config file to the flag surface spec §6
// names directly (--threads, --port, --config, --help, --version).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/karoorpc/internal/broker"
	"github.com/carlosrabelo/karoorpc/internal/demo"
	"github.com/carlosrabelo/karoorpc/internal/forward"
	"github.com/carlosrabelo/karoorpc/internal/metrics"
	"github.com/carlosrabelo/karoorpc/internal/ratelimit"
	"github.com/carlosrabelo/karoorpc/internal/registry"
	"github.com/carlosrabelo/karoorpc/internal/router"
	"github.com/carlosrabelo/karoorpc/internal/rpcconn"
	"github.com/carlosrabelo/karoorpc/internal/runtime"
	"github.com/carlosrabelo/karoorpc/internal/trafficproxy"
	"github.com/carlosrabelo/karoorpc/pkg/logger"
)

const version = "karoocd v0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("karoocd", flag.ContinueOnError)
	threads := fs.Int("threads", 8, "reactor (accept-loop) count")
	port := fs.Int("port", 32000, "TCP port to listen on")
	configPath := fs.String("config", "", "path to the proxy registry YAML seed file")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables it)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if *threads <= 0 || *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "karoocd: --threads and --port must be positive, --port must fit in 16 bits")
		return 1
	}

	log := logger.WithPrefix("karoocd")
	mx := metrics.NewCollector()
	metrics.InitPrometheus("karoorpc", mx)

	rtr := router.New()
	if err := demo.Register(rtr); err != nil {
		log.Error("registering demo methods: %v", err)
		return 1
	}

	brk := broker.New(mx, func(key string, err error) {
		log.Debug("publish to %q: %v", key, err)
	})

	reg := registry.New()
	if *configPath != "" {
		if err := registry.LoadYAMLInto(reg, *configPath); err != nil {
			log.Error("loading registry seed: %v", err)
			return 1
		}
	}

	detector := trafficproxy.New(trafficproxy.Config{
		DialTimeout:      10 * time.Second,
		TLSStage:         forward.TLSStage{Option: forward.OptionDisabled},
		RegistrySeedPath: *configPath,
	}, reg, mx)

	rl := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     200,
		MaxConnectionsPerMinute: 600,
		BanDurationSeconds:      60,
		CleanupIntervalSeconds:  300,
	})

	ln, err := runtime.ListenDual(fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Error("listen: %v", err)
		return 1
	}

	handler := func(ctx context.Context, conn net.Conn) {
		c := rpcconn.NewConn(conn, rtr, brk, detector, mx, log, rpcconn.DefaultConfig())
		c.Serve(ctx)
	}

	acceptor := runtime.NewAcceptor(ln, handler, rl, log, runtime.Config{Reactors: *threads})

	ctx, stop := runtime.WithShutdownSignals(context.Background())
	defer stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("listening on port %d with %d reactors", *port, *threads)
	if err := acceptor.Serve(ctx); err != nil {
		log.Error("acceptor: %v", err)
		return 1
	}

	if !acceptor.Drain() {
		log.Warn("shutdown: some connections did not finish draining in time")
	}
	log.Info("shutdown complete")
	return 0
}
