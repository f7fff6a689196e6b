// Package cliutil holds the logging, metrics-server, and systemd readiness
// boilerplate shared by p0pnet's three binaries, following the layout of
// the daemon helpers in cmd/gobfd/main.go.
package cliutil

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arodax/p0pnet/internal/config"
)

// NewLogger builds a slog.Logger whose output format follows cfg.Format
// ("text" or, by default, "json") and whose level is controlled by level.
func NewLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
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

// NewMetricsServer returns an *http.Server exposing reg's metrics at
// cfg.Path; callers run it via errgroup and shut it down on context
// cancellation.
func NewMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NotifyReady tells systemd the process has finished starting up. It is a
// no-op (and logs nothing) outside of a systemd unit with Type=notify.
func NotifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// NotifyStopping tells systemd the process is beginning graceful shutdown.
func NotifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}
