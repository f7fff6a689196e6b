// Command httpproxy runs the HTTP/1.x forwarding proxy with CONNECT
// tunneling (spec.md section 4.5).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arodax/p0pnet/internal/cliutil"
	"github.com/arodax/p0pnet/internal/config"
	"github.com/arodax/p0pnet/internal/httpproxy"
	"github.com/arodax/p0pnet/internal/metrics"
	appversion "github.com/arodax/p0pnet/internal/version"
)

// errUsage reports a malformed positional-argument invocation, matching the
// original implementation's usage contract: "httpproxy.py <port>".
var errUsage = errors.New("httpproxy: usage: httpproxy <port>")

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:           "httpproxy <port>",
		Short:         "HTTP/1.x forwarding proxy with CONNECT tunneling",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q is not a port number", errUsage, args[0])
			}
			return runProxy(port, configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override the metrics listen address")
	cmd.AddCommand(versionCmd())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func runProxy(port int, configPath, metricsAddrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.Proxy.ListenAddr = fmt.Sprintf(":%d", port)
	if metricsAddrOverride != "" {
		cfg.Metrics.Addr = metricsAddrOverride
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := cliutil.NewLogger(cfg.Log, logLevel)

	logger.Info("httpproxy starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.Proxy.ListenAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ln, err := net.Listen("tcp", cfg.Proxy.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Proxy.ListenAddr, err)
	}

	fwd := httpproxy.NewForwarder(cfg.Proxy.ReadBufferSize, cfg.Proxy.IdleTimeout, logger, collector)
	metricsSrv := cliutil.NewMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return fwd.Serve(gCtx, ln)
	})

	g.Go(func() error {
		<-gCtx.Done()
		cliutil.NotifyStopping(logger)
		return metricsSrv.Close()
	})

	cliutil.NotifyReady(logger)

	if err := g.Wait(); err != nil {
		logger.Error("httpproxy exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("httpproxy stopped")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("httpproxy"))
			return nil
		},
	}
}
