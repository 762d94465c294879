package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shakenfist/kerbside-proxy/internal/config"
	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/linkstate"
	"github.com/shakenfist/kerbside-proxy/internal/metrics"
	"github.com/shakenfist/kerbside-proxy/internal/store"
	"github.com/shakenfist/kerbside-proxy/internal/store/sqlstore"
	"github.com/shakenfist/kerbside-proxy/internal/supervisor"
)

// Version is overwritten at build time via -ldflags, following the
// teacher's own BuildVersion convention.
var Version = "dev"

var help = `
  Usage: kerbside-proxy [--help] [--version] [--pid]

  Version: ` + Version + `

  Proxies authenticated SPICE console connections to the hypervisor a
  console token resolves to. Configuration is read entirely from the
  KERBSIDE_-prefixed environment (see internal/config).

    --pid      Write a pid file in the current working directory.
    -v         Enable verbose (debug) logging, overriding KERBSIDE_LOG_VERBOSE.
    --version  Print the version and exit.
`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func generatePidFile(log corelog.Logger) {
	pid := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile("kerbside-proxy.pid", pid, 0644); err != nil {
		log.Fatalf("writing pid file: %s", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return sqlstore.Open(ctx, cfg.SQLURL)
}

func main() {
	version := flag.Bool("version", false, "")
	pid := flag.Bool("pid", false, "")
	verbose := flag.Bool("v", false, "")
	flag.Bool("help", false, "")
	flag.Usage = func() { fmt.Print(help) }
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %s\n", err)
		os.Exit(1)
	}

	logLevel := corelog.LogLevelInfo
	if cfg.LogVerbose || *verbose {
		logLevel = corelog.LogLevelDebug
	}
	log := corelog.NewLogger("kerbside-proxy", logLevel, cfg.LogOutputJSON)

	if *pid {
		generatePidFile(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigIntHandler(ctx, cancel)

	if err := run(ctx, log, cfg); err != nil {
		log.ELogf("kerbside-proxy exiting: %s", err)
		os.Exit(1)
	}
	log.ILog("kerbside-proxy exiting cleanly")
}

func run(ctx context.Context, log corelog.Logger, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	queue := metrics.NewQueue(256)

	var cert *supervisor.HostCert
	if cfg.ProxyHostCertPath != "" {
		cert, err = supervisor.NewHostCert(log.Fork("certwatch"), cfg.ProxyHostCertPath, cfg.ProxyHostCertKeyPath)
		if err != nil {
			return fmt.Errorf("loading host certificate: %w", err)
		}
		defer cert.Close()
	}

	var caCertPEM []byte
	if cert != nil && cfg.CACertPath != "" {
		caCertPEM, err = os.ReadFile(cfg.CACertPath)
		if err != nil {
			return fmt.Errorf("reading CA certificate: %w", err)
		}
	}

	ln, err := supervisor.Listen(ctx, cfg.VDIAddress, cfg.VDIInsecurePort, cfg.VDISecurePort, cert, caCertPEM)
	if err != nil {
		return fmt.Errorf("binding listeners: %w", err)
	}
	defer ln.Close()

	metricsSrv := corelog.NewHTTPServer(log.Fork("metrics"))
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.VDIAddress, cfg.PrometheusMetricsPort)
		if err := metricsSrv.ListenAndServe(ctx, addr, promhttp.Handler()); err != nil {
			log.WLogf("metrics server: %s", err)
		}
	}()
	defer metricsSrv.Close()

	directory := &unimplementedDirectory{}
	tickets := &unimplementedTickets{}

	opts := supervisor.Options{
		Node:                      cfg.NodeName,
		TrafficInspection:         cfg.TrafficInspection,
		TrafficInspectionIntimate: cfg.TrafficInspectionIntimate,
	}
	sup := supervisor.New(log.Fork("supervisor"), opts, st, directory, tickets, registry, queue)

	log.ILogf("kerbside-proxy listening on %s (insecure %d, secure %d)", cfg.VDIAddress, cfg.VDIInsecurePort, cfg.VDISecurePort)
	return sup.Run(ctx, ln)
}

// unimplementedDirectory and unimplementedTickets stand in for the
// out-of-scope discovery subsystem (OpenStack/oVirt/Shaken Fist clients).
// A future companion process satisfies
// linkstate.ConsoleDirectory/linkstate.TicketIssuer for real; until then
// every console resolution simply fails, which AuthenticateClient's caller
// already logs and treats as a declined session.
type unimplementedDirectory struct{}

func (unimplementedDirectory) Resolve(_ context.Context, source, uuid string) (linkstate.Hypervisor, error) {
	return linkstate.Hypervisor{}, fmt.Errorf("resolving console %s/%s requires the discovery subsystem, which is out of scope for this proxy", source, uuid)
}

type unimplementedTickets struct{}

func (unimplementedTickets) AcquireTicket(_ context.Context, source, uuid string) (string, error) {
	return "", fmt.Errorf("ticket acquisition for %s/%s requires the discovery subsystem, which is out of scope for this proxy", source, uuid)
}
