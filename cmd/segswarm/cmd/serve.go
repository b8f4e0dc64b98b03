package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/jmylchreest/segswarm/internal/http"
	"github.com/jmylchreest/segswarm/internal/metrics"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a delivery node",
	Long: `Run a segswarm node with its session API.

The node exposes:
- Session API for stats, streams, segment loads and playback position
- Peer websocket endpoint when p2p.advertise_addr is set
- Health and readiness probes
- Prometheus metrics at /metrics
- OpenAPI documentation at /docs

With --playlist the node opens the presentation on start. With --play it
also walks the main track in real time like a player would, which keeps
the swarm supplied with segments.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides server.port)")
	serveCmd.Flags().String("playlist", "", "HLS playlist URL to open on start")
	serveCmd.Flags().Bool("play", false, "simulate playback of the opened playlist")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	playlistURL, _ := cmd.Flags().GetString("playlist")
	play, _ := cmd.Flags().GetBool("play")
	if play && playlistURL == "" {
		return errors.New("--play requires --playlist")
	}

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

	n, err := newNode(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	server := internalhttp.NewServer(
		internalhttp.ServerConfigFrom(cfg.Server, cfg.Logging),
		logger,
		version.Version,
		metrics.RequestMiddleware(n.metrics),
	)
	n.register(server, version.Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting segswarm node",
			slog.String("address", server.Address()),
			slog.String("version", version.Short()))
		return server.ListenAndServe(gctx)
	})

	if playlistURL != "" {
		streams, err := n.open(gctx, playlistURL)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("opening %s: %w", playlistURL, err)
		}
		if main := mainStream(streams); play && main != nil {
			g.Go(func() error {
				return simulatePlayback(gctx, n, main)
			})
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("segswarm node stopped")
	return nil
}

// liveEdgeSegments is how far behind the newest segment live playback
// starts.
const liveEdgeSegments = 3

// simulatePlayback loads the main track segment by segment and advances
// the playback position at wall clock rate. Live tracks start near the
// edge of the opened playlist.
func simulatePlayback(ctx context.Context, n *node, main *models.Stream) error {
	logger := n.logger.With(slog.String("stream_id", main.ID))
	ahead := n.cfg.Storage.Main.HTTPDownloadTimeWindow

	segments := main.Segments()
	if main.IsLive {
		segments = segments[max(0, len(segments)-liveEdgeSegments):]
	}
	if len(segments) == 0 {
		return nil
	}

	origin := segments[0].StartTime
	started := time.Now()
	for _, seg := range segments {
		position := origin + time.Since(started)
		if wait := seg.StartTime - position - ahead; wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			position = origin + time.Since(started)
		}
		n.engine.SetPlayback(position, 1)

		data, err := n.engine.Load(ctx, main.ID, seg.LocalID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("segment load failed",
				slog.Int64("segment", seg.ExternalID),
				slog.Any("error", err))
			continue
		}
		logger.Debug("segment loaded",
			slog.Int64("segment", seg.ExternalID),
			slog.Int("bytes", len(data)))
	}
	logger.Info("playback reached end of playlist")
	return nil
}
