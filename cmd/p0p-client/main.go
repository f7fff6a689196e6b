// Command p0p-client runs the P0P session protocol client (spec.md
// section 4.3).
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
	"github.com/arodax/p0pnet/internal/metrics"
	"github.com/arodax/p0pnet/internal/p0pnetio"
	appversion "github.com/arodax/p0pnet/internal/version"
)

// errUsage reports a malformed positional-argument invocation, matching the
// original implementation's check_usage contract.
var errUsage = errors.New("p0p-client: usage: p0p-client [threaded|asynchronous] <hostname> <port>")

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:           "p0p-client [threaded|asynchronous] <hostname> <port>",
		Short:         "P0P session protocol client",
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			host, port, err := parseClientArgs(args)
			if err != nil {
				return err
			}
			return runClient(host, port, configPath, metricsAddr)
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

// parseClientArgs accepts either "<hostname> <port>" or "[threaded|
// asynchronous] <hostname> <port>"; the concurrency-model token is
// accepted for command-line compatibility but otherwise ignored, since the
// Go driver uses a single goroutine-per-concern design regardless of mode.
func parseClientArgs(args []string) (host string, port int, err error) {
	if len(args) == 3 {
		if args[0] != "threaded" && args[0] != "asynchronous" {
			return "", 0, errUsage
		}
		args = args[1:]
	}
	host = args[0]
	port, err = strconv.Atoi(args[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q is not a port number", errUsage, args[1])
	}
	return host, port, nil
}

func runClient(host string, port int, configPath, metricsAddrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if metricsAddrOverride != "" {
		cfg.Metrics.Addr = metricsAddrOverride
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := cliutil.NewLogger(cfg.Log, logLevel)

	serverAddr := net.JoinHostPort(host, strconv.Itoa(port))
	logger.Info("p0p-client starting",
		slog.String("version", appversion.Version),
		slog.String("server_addr", serverAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	client, err := p0pnetio.NewClientDriver(serverAddr, cfg.P0P.Timeout, logger)
	if err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	client.SetMetrics(collector)

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
		err := client.Run(gCtx, os.Stdin)
		// client.Run returns on stdin EOF/"q" or GOODBYE completion even
		// without a signal; stop the rest of the group too.
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
		logger.Error("p0p-client exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("p0p-client stopped")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("p0p-client"))
			return nil
		},
	}
}
