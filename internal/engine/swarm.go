package engine

import (
	"log/slog"

	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/p2p"
	"github.com/jmylchreest/segswarm/internal/peer"
	"github.com/jmylchreest/segswarm/internal/tracker"
)

// TrackerSwarms returns a factory joining each stream's swarm through the
// configured rendezvous endpoints. Inbound peers reach the swarm through
// acceptor when it is not nil.
func TrackerSwarms(cfg config.P2PConfig, peerID string, acceptor *tracker.Acceptor, logger *slog.Logger) p2p.SwarmFactory {
	return func(l *p2p.Loader, infoHash string) (p2p.Swarm, error) {
		announcer := tracker.NewWebSocketAnnouncer(logger)
		client := tracker.NewClient(tracker.Config{
			InfoHash:      infoHash,
			PeerID:        peerID,
			AdvertiseAddr: cfg.AdvertiseAddr,
			Endpoints:     cfg.AnnounceEndpoints,
			Interval:      cfg.AnnounceInterval,
			NumWant:       cfg.NumWant,
			Peer: peer.Config{
				DownloadTimeout: cfg.DownloadTimeout,
				UploadChunkSize: cfg.UploadChunkSize.Int(),
				MaxSegmentSize:  cfg.MaxSegmentSize.Bytes(),
			},
		}, announcer, tracker.WebSocketDialer{Logger: logger}, l.PeerHandlers(), l.TrackerEvents(), logger)
		return &trackerSwarm{Client: client, announcer: announcer, acceptor: acceptor}, nil
	}
}

// trackerSwarm ties a tracker client to the acceptor and its announcer.
type trackerSwarm struct {
	*tracker.Client
	announcer *tracker.WebSocketAnnouncer
	acceptor  *tracker.Acceptor
}

func (s *trackerSwarm) Start() error {
	if s.acceptor != nil {
		s.acceptor.Register(s.Client)
	}
	return s.Client.Start()
}

func (s *trackerSwarm) Destroy() {
	if s.acceptor != nil {
		s.acceptor.Unregister(s.Client)
	}
	s.Client.Destroy()
	_ = s.announcer.Close()
}
