// Command bit-tunnel-client runs the client side of bit-tunnel: a pool of
// multiplexed tunnels to the remote server fronted by a local SOCKS5
// listener, with an optional Prometheus metrics endpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luckypoem/bit-tunnel/config"
	"github.com/luckypoem/bit-tunnel/logging"
	"github.com/luckypoem/bit-tunnel/socks"
	"github.com/luckypoem/bit-tunnel/transport"
	"github.com/luckypoem/bit-tunnel/tunnel"
)

var configPath = flag.String("config", "bit-tunnel.yaml", "Configuration file path (.yaml or .json)")

func main() {
	flag.Parse()

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	dialer, err := buildDialer(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("build dialer: %v", err))
		os.Exit(1)
	}

	tunnels := make([]*tunnel.Tunnel, cfg.Server.TunnelCount)
	for i := range tunnels {
		tunnels[i] = tunnel.New(&tunnel.Config{
			TunnelID:          uint32(i),
			ServerAddr:        cfg.Server.Address,
			Dialer:            dialer,
			Logger:            logger,
			HeartbeatInterval: time.Duration(cfg.Server.HeartbeatMS) * time.Millisecond,
		})
	}
	logger.Info(fmt.Sprintf("started %d tunnels to %s", len(tunnels), cfg.Server.Address))

	if cfg.Metrics.ListenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.Error(fmt.Sprintf("metrics endpoint: %v", err))
			}
		}()
		logger.Info(fmt.Sprintf("metrics on %s/metrics", cfg.Metrics.ListenAddr))
	}

	server := socks.NewServer(cfg.SOCKS.ListenAddr, tunnels, logger)
	if err := server.ListenAndServe(); err != nil {
		logger.Error(fmt.Sprintf("socks5 server: %v", err))
		os.Exit(1)
	}
}

// buildDialer assembles the transport chain: TCP or TLS at the bottom,
// obfuscation on top when enabled.
func buildDialer(cfg *config.Config) (transport.Dialer, error) {
	var dialer transport.Dialer = &transport.TCPDialer{}

	if cfg.Server.EnableTLS {
		tlsConfig, err := transport.LoadClientTLSConfig(&cfg.TLS)
		if err != nil {
			return nil, err
		}
		dialer = &transport.TLSDialer{Config: tlsConfig}
	}

	if cfg.Obfs.Enabled {
		dialer = &transport.ObfsDialer{Next: dialer, Secret: cfg.Obfs.Secret}
	}

	return dialer, nil
}
