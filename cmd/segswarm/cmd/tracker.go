package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	internalhttp "github.com/jmylchreest/segswarm/internal/http"
	"github.com/jmylchreest/segswarm/internal/http/handlers"
	"github.com/jmylchreest/segswarm/internal/metrics"
	"github.com/jmylchreest/segswarm/internal/rendezvous"
	"github.com/jmylchreest/segswarm/internal/version"
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Run the rendezvous tracker",
	Long: `Run the rendezvous tracker nodes announce to.

The tracker keeps swarm membership in memory and exposes:
- Announce websocket at /announce
- Swarm sizes at /swarms
- Health and readiness probes
- Prometheus metrics at /metrics`,
	RunE: runTracker,
}

func init() {
	rootCmd.AddCommand(trackerCmd)

	trackerCmd.Flags().String("host", "", "host to bind to (overrides tracker.host)")
	trackerCmd.Flags().Int("port", 0, "port to listen on (overrides tracker.port)")
}

func runTracker(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	if cmd.Flags().Changed("host") {
		cfg.Tracker.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Tracker.Port, _ = cmd.Flags().GetInt("port")
	}

	rv := rendezvous.NewServer(rendezvous.Config{
		PeerTTL:  cfg.Tracker.PeerTTL,
		Interval: cfg.Tracker.Interval,
	}, logger)
	if err := rv.Start(); err != nil {
		return fmt.Errorf("starting rendezvous: %w", err)
	}
	defer rv.Stop()

	m := metrics.New()
	serverCfg := internalhttp.ServerConfigFrom(cfg.Server, cfg.Logging)
	serverCfg.Host = cfg.Tracker.Host
	serverCfg.Port = cfg.Tracker.Port
	server := internalhttp.NewServer(serverCfg, logger, version.Version, metrics.RequestMiddleware(m))

	handlers.NewHealthHandler(version.Version).Register(server.API())
	server.Router().Handle("/metrics", m.Handler(func() {
		m.SetSwarmSizes(rv.SwarmSizes())
	}))
	server.Router().Mount("/", rv.Routes())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting segswarm tracker",
		slog.String("address", server.Address()),
		slog.Duration("peer_ttl", cfg.Tracker.PeerTTL),
		slog.String("version", version.Short()))
	return server.ListenAndServe(ctx)
}
