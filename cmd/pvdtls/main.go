// Command pvdtls opens a TLS session to a host through the PvD-aware client
// and reports what was negotiated.
//
//	pvdtls -config /etc/pvdtls.yaml -host www.example.com -alpn h2,http/1.1
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"pvd-tls/application/config"
	"pvd-tls/network/pvd"
	"pvd-tls/session/tls"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

type cliFlags struct {
	configPath  string
	host        string
	port        uint
	service     string
	alpn        string
	preferred   string
	engine      string
	insecure    bool
	logLevel    string
	logFormat   string
	metricsAddr string
	showVersion bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pvdtls:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet("pvdtls", flag.ContinueOnError)
	f := &cliFlags{}

	fs.StringVar(&f.configPath, "config", getEnvOrDefault("PVDTLS_CONFIG", ""), "path to the YAML configuration file")
	fs.StringVar(&f.host, "host", getEnvOrDefault("PVDTLS_HOST", ""), "host to connect to")
	fs.UintVar(&f.port, "port", uint(getEnvUint16("PVDTLS_PORT", 443)), "port to connect to")
	fs.StringVar(&f.service, "service", getEnvOrDefault("PVDTLS_SERVICE", "https"), "service the host is reached for, passed to the TLS engine and logged")
	fs.StringVar(&f.alpn, "alpn", getEnvOrDefault("PVDTLS_ALPN", ""), "comma separated ALPN protocols, overrides tls.alpn")
	fs.StringVar(&f.preferred, "pvd", getEnvOrDefault("PVDTLS_PVD", ""), "preferred PvD, overrides pvd.preferred")
	fs.StringVar(&f.engine, "engine", getEnvOrDefault("PVDTLS_ENGINE", ""), "TLS engine, overrides tls.engine")
	fs.BoolVar(&f.insecure, "insecure", getEnvBool("PVDTLS_INSECURE", false), "skip certificate verification")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("PVDTLS_LOG_LEVEL", ""), "log level, overrides log.level")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("PVDTLS_LOG_FORMAT", ""), "log format, overrides log.format")
	fs.StringVar(&f.metricsAddr, "metrics-addr", getEnvOrDefault("PVDTLS_METRICS_ADDR", ""),
		"serve Prometheus metrics on this address and hold the session until interrupted")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.port > 65535 {
		return nil, errors.Errorf("port %d out of range", f.port)
	}
	return f, nil
}

// loadConfig reads the configuration file, if any, and applies the flag overrides.
func loadConfig(f *cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	if f.alpn != "" {
		cfg.TLS.ALPN = splitList(f.alpn)
	}
	if f.preferred != "" {
		cfg.PvD.Preferred = f.preferred
	}
	if f.engine != "" {
		cfg.TLS.Engine = f.engine
	}
	if f.insecure {
		cfg.TLS.InsecureSkipVerify = true
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stdout io.Writer) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if f.showVersion {
		fmt.Fprintln(stdout, "pvdtls", version)
		return nil
	}
	if f.host == "" {
		return errors.New("-host is required")
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, syncLogger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer syncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.ClientOptions(pvd.NewMemoryBinder(cfg.PvD.Known...))
	if err != nil {
		return err
	}
	opts.Metrics = tls.NewMetrics("pvdtls")

	client, err := tls.NewClient(logger, nil, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	logger.Info("pvdtls starting",
		slog.String("version", version),
		slog.String("engine", client.Engine()),
		slog.String("host", f.host),
		slog.Uint64("port", uint64(f.port)),
	)

	session, err := client.OpenTLS(ctx, f.host, uint16(f.port), f.service, cfg.TLS.ALPN)
	if err != nil {
		return err
	}
	defer session.Close()

	report(stdout, session)
	if current, err := client.CurrentPvd(); err != nil {
		logger.Warn("reading current pvd failed", slog.Any("error", err))
	} else if current != pvd.Unbound {
		fmt.Fprintf(stdout, "process:  %s\n", current)
	}

	if f.metricsAddr == "" {
		return nil
	}
	return serveMetrics(ctx, logger, f.metricsAddr, opts.Metrics)
}

func report(w io.Writer, session *tls.Session) {
	fmt.Fprintf(w, "session:  %s\n", session.ID())
	fmt.Fprintf(w, "engine:   %s\n", session.Engine())
	fmt.Fprintf(w, "remote:   %s\n", session.Conn().RemoteAddr())
	if proto := session.NegotiatedProtocol(); proto != "" {
		fmt.Fprintf(w, "alpn:     %s\n", proto)
	} else {
		fmt.Fprintln(w, "alpn:     none")
	}

	binding := session.Binding()
	switch {
	case binding == nil:
		fmt.Fprintln(w, "pvd:      not bound")
	case binding.Err != nil:
		fmt.Fprintf(w, "pvd:      %s (%s: %v)\n", binding.Pvd, binding.Result, binding.Err)
	default:
		fmt.Fprintf(w, "pvd:      %s (%s)\n", binding.Pvd, binding.Result)
	}
}

// serveMetrics exposes the client metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, metrics *tls.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
