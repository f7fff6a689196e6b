// Command p0p-server runs the P0P session protocol server (spec.md
// section 4.4).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	"github.com/arodax/p0pnet/internal/metrics"
	"github.com/arodax/p0pnet/internal/p0pnetio"
	appversion "github.com/arodax/p0pnet/internal/version"
)

// errUsage reports a malformed positional-argument invocation, matching the
// original implementation's isvalid_usage/show_usage contract.
var errUsage = errors.New("p0p-server: usage: p0p-server [threaded|asynchronous] <port>")

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:           "p0p-server [threaded|asynchronous] <port>",
		Short:         "P0P session protocol server",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			port, err := parseServerArgs(args)
			if err != nil {
				return err
			}
			return runServer(port, configPath, metricsAddr)
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

// parseServerArgs accepts either "<port>" or "[threaded|asynchronous]
// <port>": the concurrency-model token is accepted for compatibility with
// the original command line but otherwise ignored, since the Go driver
// uses a single goroutine-per-concern design regardless of mode.
func parseServerArgs(args []string) (int, error) {
	portArg := args[len(args)-1]
	if len(args) == 2 && args[0] != "threaded" && args[0] != "asynchronous" {
		return 0, errUsage
	}
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a port number", errUsage, portArg)
	}
	return port, nil
}

func runServer(port int, configPath, metricsAddrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.P0P.ListenAddr = fmt.Sprintf(":%d", port)
	if metricsAddrOverride != "" {
		cfg.Metrics.Addr = metricsAddrOverride
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := cliutil.NewLogger(cfg.Log, logLevel)

	logger.Info("p0p-server starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.P0P.ListenAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	srv, err := p0pnetio.NewServerDriver(cfg.P0P.ListenAddr, cfg.P0P.Timeout, logger)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	srv.Manager().SetMetrics(collector)

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
		err := srv.Run(gCtx, os.Stdin)
		// srv.Run returns on stdin EOF/"q" even without a signal; stop the
		// rest of the group (metrics server, watchdog goroutine) too.
		stop()
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		cliutil.NotifyStopping(logger)
		return metricsSrv.Close()
	})

	cliutil.NotifyReady(logger)

	if err := g.Wait(); err != nil {
		logger.Error("p0p-server exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("p0p-server stopped")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("p0p-server"))
			return nil
		},
	}
}
