package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/camlink/viewer/internal/config"
	"github.com/camlink/viewer/internal/httpserver"
	"github.com/camlink/viewer/internal/metrics"
	"github.com/camlink/viewer/internal/negotiator"
	"github.com/camlink/viewer/internal/relayrpc"
	"github.com/camlink/viewer/internal/viewerpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup; ICE sockets are only created per negotiation attempt.
	api, err := viewerpeer.NewAPI(cfg)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ICE server configuration invalid; negotiation will use no ICE servers", "err", err)
	}

	logger.Info("starting camlink-viewer",
		"listen_addr", cfg.ListenAddr,
		"relay_url_host", safeURLHost(cfg.RelayURL),
		"device", cfg.DeviceID,
		"cameras", strings.Join(cfg.Cameras, ","),
		"mode", cfg.Mode,
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
		"ice_transport_policy", cfg.ICETransportPolicy.String(),
	)

	relayClient, closeRelay := newRelayClient(cfg)
	defer closeRelay()

	m := metrics.New()
	sessions := negotiator.NewManager(negotiator.ManagerConfig{
		DefaultDeviceID: cfg.DeviceID,
		Relay:           relayClient,
		Connect: func() (*webrtc.PeerConnection, error) {
			return viewerpeer.NewReceiveConnection(api, cfg.ICEServers, cfg.ICETransportPolicy, len(cfg.Cameras))
		},
		Cameras:             cfg.Cameras,
		BridgeServicesIn:    cfg.BridgeServicesIn,
		BridgeServicesOut:   cfg.BridgeServicesOut,
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		Logger:              logger,
		Metrics:             m,
	})
	defer sessions.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, sessions, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kick off the first negotiation for the configured device; failures are
	// non-fatal and can be retried via POST /negotiate.
	if cfg.DeviceID != "" {
		go func() {
			if err := sessions.Negotiate(ctx, cfg.DeviceID); err != nil {
				logger.Error("initial negotiation failed", "device", cfg.DeviceID, "err", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newRelayClient picks the transport by URL scheme: ws(s) keeps one
// multiplexed connection open, http(s) posts per request.
func newRelayClient(cfg config.Config) (relayrpc.Client, func()) {
	u, err := url.Parse(cfg.RelayURL)
	if err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		ws := relayrpc.NewWSClient(cfg.RelayURL)
		return ws, func() { _ = ws.Close() }
	}
	return relayrpc.NewHTTPClient(cfg.RelayURL, 30*time.Second), func() {}
}

func safeURLHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
