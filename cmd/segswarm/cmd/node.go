package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/database"
	"github.com/jmylchreest/segswarm/internal/engine"
	"github.com/jmylchreest/segswarm/internal/hlsplaylist"
	internalhttp "github.com/jmylchreest/segswarm/internal/http"
	"github.com/jmylchreest/segswarm/internal/http/handlers"
	"github.com/jmylchreest/segswarm/internal/httploader"
	"github.com/jmylchreest/segswarm/internal/metrics"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/p2p"
	"github.com/jmylchreest/segswarm/internal/storage"
	"github.com/jmylchreest/segswarm/internal/tracker"
)

// peerPath is where a node accepts inbound peer websockets.
const peerPath = "/peer"

// node bundles the collaborators of one engine session.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *database.DB
	storage  *storage.SegmentStorage
	origin   *httploader.Loader
	acceptor *tracker.Acceptor
	engine   *engine.Engine
	metrics  *metrics.Metrics
	peerID   string
}

// newNode wires storage, the origin loader and the engine. Swarms are
// joined only when announce endpoints are configured; inbound peers are
// accepted only when inbound is set and an advertise address exists.
func newNode(ctx context.Context, cfg *config.Config, inbound bool, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger, metrics: metrics.New()}

	var backend storage.Backend
	if cfg.Storage.Backend == "sql" {
		db, err := database.New(cfg.Storage.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("opening segment database: %w", err)
		}
		n.db = db
		sqlBackend, err := storage.NewSQLBackend(ctx, db.DB)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("preparing segment table: %w", err)
		}
		backend = sqlBackend
	}

	limit := storage.ResolveMemoryLimit(ctx, cfg.Storage.MemoryLimit.Bytes())
	n.storage = storage.New(storage.Options{
		MemoryLimit: limit,
		Policy:      engine.EvictionPolicyFrom(cfg.Storage),
		Backend:     backend,
		Logger:      logger,
	})
	n.origin = httploader.New(httploader.ConfigFrom(cfg.HTTP), nil, logger)

	var swarms p2p.SwarmFactory
	if len(cfg.P2P.AnnounceEndpoints) > 0 {
		n.peerID = tracker.NewPeerID(cfg.P2P.PeerIDPrefix)
		p2pCfg := cfg.P2P
		if inbound && p2pCfg.AdvertiseAddr != "" {
			n.acceptor = tracker.NewAcceptor(logger)
		} else {
			p2pCfg.AdvertiseAddr = ""
		}
		swarms = engine.TrackerSwarms(p2pCfg, n.peerID, n.acceptor, logger)
	}

	e, err := engine.New(engine.Options{
		Config:   engine.ConfigFrom(cfg),
		Storage:  n.storage,
		HTTP:     n.origin,
		NewSwarm: swarms,
		Logger:   logger,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	n.engine = e
	if err := n.metrics.RegisterEngine(e.Stats); err != nil {
		n.Close()
		return nil, fmt.Errorf("registering engine metrics: %w", err)
	}

	logger.Info("node ready",
		slog.String("session_id", e.ID()),
		slog.String("peer_id", n.peerID),
		slog.Int64("memory_limit", limit),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.Bool("p2p", swarms != nil),
		slog.Bool("inbound", n.acceptor != nil))
	return n, nil
}

// fetchPlaylist downloads a playlist through the origin loader so it gets
// the same retries and breakers as segments.
func (n *node) fetchPlaylist(ctx context.Context, url string) ([]byte, error) {
	return n.origin.Fetch(ctx, models.Segment{URL: url}, nil)
}

// open registers every track of a presentation and activates the main
// track and the first secondary track.
func (n *node) open(ctx context.Context, playlistURL string) ([]*models.Stream, error) {
	streams, err := hlsplaylist.Open(ctx, n.fetchPlaylist, playlistURL)
	if err != nil {
		return nil, err
	}

	activated := make(map[models.StreamType]bool)
	for _, s := range streams {
		if err := n.engine.AddStream(s); err != nil {
			return nil, err
		}
		if activated[s.Type] {
			continue
		}
		if err := n.engine.SetActiveStream(s.ID); err != nil {
			return nil, err
		}
		activated[s.Type] = true
	}
	n.logger.Info("presentation opened",
		slog.String("url", playlistURL),
		slog.Int("tracks", len(streams)),
		slog.Bool("live", len(streams) > 0 && streams[0].IsLive))
	return streams, nil
}

// mainStream returns the main track of an opened presentation.
func mainStream(streams []*models.Stream) *models.Stream {
	for _, s := range streams {
		if s.Type == models.StreamTypeMain {
			return s
		}
	}
	return nil
}

// register mounts the node routes on server.
func (n *node) register(server *internalhttp.Server, version string) {
	health := handlers.NewHealthHandler(version).WithCircuitStates(n.origin.CircuitStates)
	if n.db != nil {
		health.WithDB(n.db.DB)
	}
	health.Register(server.API())
	handlers.NewSessionHandler(n.engine).Register(server.API())

	server.Router().Handle("/metrics", n.metrics.Handler(nil))
	if n.acceptor != nil {
		server.Router().Handle(peerPath, n.acceptor)
	}
}

// Close tears the session down and releases storage.
func (n *node) Close() {
	if n.engine != nil {
		n.engine.Destroy()
	}
	var errs []error
	if n.storage != nil {
		errs = append(errs, n.storage.Close())
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("closing node", slog.Any("error", err))
	}
}
