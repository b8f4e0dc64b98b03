// Package p2p serves segments from and to the peer swarm of each stream.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/peer"
	"github.com/jmylchreest/segswarm/internal/protocol"
	"github.com/jmylchreest/segswarm/internal/requests"
	"github.com/jmylchreest/segswarm/internal/storage"
	"github.com/jmylchreest/segswarm/internal/tracker"
)

// DefaultBroadcastTick is how long announcement triggers are collected
// before one broadcast is sent.
const DefaultBroadcastTick = 10 * time.Millisecond

const sendWait = 5 * time.Second

// PeerSet is the read-only view of a swarm's connected peers.
type PeerSet interface {
	Peers() []*peer.Peer
}

// LoaderConfig holds the collaborators of a Loader.
type LoaderConfig struct {
	Stream      *models.Stream
	Storage     storage.Storage
	Coordinator *requests.Coordinator
	// Rand picks among qualifying peers. A time-seeded source is used
	// when nil.
	Rand *rand.Rand
	// Schedule runs fn after the coalescing tick. Tests replace it to
	// control when broadcasts happen.
	Schedule func(fn func())
	Logger   *slog.Logger
}

// Loader downloads one stream's segments from peers, serves inbound peer
// requests from storage and keeps peers informed of local availability.
type Loader struct {
	stream      *models.Stream
	storage     storage.Storage
	coordinator *requests.Coordinator
	schedule    func(func())
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	peersMu sync.RWMutex
	peers   PeerSet

	requestSeq    atomic.Int64
	broadcasts    atomic.Int64
	uploadedBytes atomic.Int64
	p2pBytes      atomic.Int64

	bcMu    sync.Mutex
	pending bool
	closed  bool

	sub *storage.Subscription
}

// NewLoader creates a loader and subscribes it to storage updates of its
// stream.
func NewLoader(cfg LoaderConfig) *Loader {
	rng := cfg.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>32))
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = func(fn func()) { time.AfterFunc(DefaultBroadcastTick, fn) }
	}
	ctx, cancel := context.WithCancel(context.Background())

	l := &Loader{
		stream:      cfg.Stream,
		storage:     cfg.Storage,
		coordinator: cfg.Coordinator,
		schedule:    schedule,
		logger:      observability.WithStream(observability.WithComponent(cfg.Logger, "p2p"), cfg.Stream.ID),
		ctx:         ctx,
		cancel:      cancel,
		rng:         rng,
	}
	l.sub = cfg.Storage.Subscribe(cfg.Stream.ID, l.ScheduleBroadcast)
	return l
}

// Stream returns the loader's stream.
func (l *Loader) Stream() *models.Stream {
	return l.stream
}

// SetPeers attaches the swarm whose peers the loader uses.
func (l *Loader) SetPeers(peers PeerSet) {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	l.peers = peers
}

func (l *Loader) connected() []*peer.Peer {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	if l.peers == nil {
		return nil
	}
	return l.peers.Peers()
}

// PeerHandlers returns the handlers to attach to every peer of the swarm.
func (l *Loader) PeerHandlers() peer.Handlers {
	return peer.Handlers{
		OnSegmentRequest: l.onSegmentRequest,
	}
}

// TrackerEvents returns the swarm events the loader reacts to.
func (l *Loader) TrackerEvents() tracker.Events {
	return tracker.Events{
		OnPeerConnected: func(p *peer.Peer) {
			go l.announceTo(p)
		},
		OnWarning: func(err error) {
			l.logger.Debug("swarm warning", slog.Any("error", err))
		},
	}
}

// Download fetches a segment from a peer that announced it as loaded.
// Peers that answer Absent, time out or send corrupt data are skipped and
// the next qualifying peer is tried. ErrNotAvailable is returned once none
// remain.
func (l *Loader) Download(ctx context.Context, segment models.Segment) ([]byte, error) {
	excluded := make(map[string]bool)

	for {
		candidates := l.candidates(segment.ExternalID, excluded)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("segment %d: %w", segment.ExternalID, models.ErrNotAvailable)
		}
		p := candidates[l.intN(len(candidates))]

		data, err := p.Download(ctx, peer.DownloadRequest{
			SegmentID: segment.ExternalID,
			RequestID: l.requestSeq.Add(1),
		})
		if err == nil {
			l.p2pBytes.Add(int64(len(data)))
			return data, nil
		}
		if ctx.Err() != nil || errors.Is(err, models.ErrAborted) {
			return nil, err
		}

		l.logger.Debug("peer download failed",
			slog.String("peer_id", p.ID()),
			slog.Int64("segment_id", segment.ExternalID),
			slog.Any("error", err))
		excluded[p.ID()] = true
	}
}

// candidates returns connected, idle peers holding the segment.
func (l *Loader) candidates(externalID int64, excluded map[string]bool) []*peer.Peer {
	var out []*peer.Peer
	for _, p := range l.connected() {
		if excluded[p.ID()] || p.IsDownloading() {
			continue
		}
		if p.SegmentStatus(externalID) == peer.StatusLoaded {
			out = append(out, p)
		}
	}
	return out
}

func (l *Loader) intN(n int) int {
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return l.rng.IntN(n)
}

// ConnectedPeerCount returns the number of connected peers.
func (l *Loader) ConnectedPeerCount() int {
	return len(l.connected())
}

// IsSegmentLoadedBySomeone reports whether any peer announced the segment
// as loaded.
func (l *Loader) IsSegmentLoadedBySomeone(externalID int64) bool {
	for _, p := range l.connected() {
		if p.SegmentStatus(externalID) == peer.StatusLoaded {
			return true
		}
	}
	return false
}

// IsSegmentLoadingOrLoadedBySomeone reports whether any peer holds the
// segment or is fetching it over HTTP.
func (l *Loader) IsSegmentLoadingOrLoadedBySomeone(externalID int64) bool {
	for _, p := range l.connected() {
		if p.SegmentStatus(externalID) != peer.StatusUnknown {
			return true
		}
	}
	return false
}

// Announcement returns the current availability snapshot: stored ids plus
// ids being fetched over HTTP that are not already stored.
func (l *Loader) Announcement() protocol.Announcement {
	loaded := l.storage.StoredSegmentIDs(l.stream.ID)
	stored := make(map[int64]bool, len(loaded))
	for _, id := range loaded {
		stored[id] = true
	}

	var httpLoading []int64
	if l.coordinator != nil {
		for _, id := range l.coordinator.LoadingIDs(l.stream.ID, requests.TransportHTTP) {
			if !stored[id] {
				httpLoading = append(httpLoading, id)
			}
		}
	}
	return protocol.Announcement{Loaded: loaded, HTTPLoading: httpLoading}
}

// ScheduleBroadcast requests an announcement broadcast. Triggers arriving
// while one is pending are folded into it; the snapshot is taken when the
// broadcast runs.
func (l *Loader) ScheduleBroadcast() {
	l.bcMu.Lock()
	if l.pending || l.closed {
		l.bcMu.Unlock()
		return
	}
	l.pending = true
	l.bcMu.Unlock()

	l.schedule(func() {
		l.bcMu.Lock()
		l.pending = false
		closed := l.closed
		l.bcMu.Unlock()
		if !closed {
			l.broadcast()
		}
	})
}

func (l *Loader) broadcast() {
	ann := l.Announcement()
	for _, p := range l.connected() {
		l.sendAnnouncement(p, ann)
	}
	l.broadcasts.Add(1)
}

func (l *Loader) announceTo(p *peer.Peer) {
	l.sendAnnouncement(p, l.Announcement())
}

func (l *Loader) sendAnnouncement(p *peer.Peer, ann protocol.Announcement) {
	ctx, cancel := context.WithTimeout(l.ctx, sendWait)
	defer cancel()
	if err := p.SendSegmentsAnnouncement(ctx, ann.Loaded, ann.HTTPLoading); err != nil {
		l.logger.Debug("failed to announce to peer", slog.String("peer_id", p.ID()), slog.Any("error", err))
	}
}

// Broadcasts returns how many broadcasts have been sent.
func (l *Loader) Broadcasts() int64 {
	return l.broadcasts.Load()
}

// UploadedBytes returns the payload bytes served to peers.
func (l *Loader) UploadedBytes() int64 {
	return l.uploadedBytes.Load()
}

// DownloadedBytes returns the payload bytes received from peers.
func (l *Loader) DownloadedBytes() int64 {
	return l.p2pBytes.Load()
}

// onSegmentRequest runs on the peer's reader goroutine, so the storage
// lookup and upload happen elsewhere.
func (l *Loader) onSegmentRequest(p *peer.Peer, req protocol.Request) {
	go l.serve(p, req)
}

func (l *Loader) serve(p *peer.Peer, req protocol.Request) {
	key := models.SegmentKey{StreamID: l.stream.ID, ExternalID: req.SegmentID}
	data, err := l.storage.SegmentData(l.ctx, key)
	if err == nil && req.ByteFrom > int64(len(data)) {
		err = fmt.Errorf("%w: offset %d beyond %d bytes", models.ErrProtocol, req.ByteFrom, len(data))
	}
	if err != nil {
		ctx, cancel := context.WithTimeout(l.ctx, sendWait)
		defer cancel()
		if sendErr := p.SendSegmentAbsent(ctx, req.SegmentID, req.RequestID); sendErr != nil {
			l.logger.Debug("failed to send absent", slog.String("peer_id", p.ID()), slog.Any("error", sendErr))
		}
		return
	}

	data = data[req.ByteFrom:]
	if err := p.UploadSegmentData(l.ctx, req.SegmentID, req.RequestID, data); err != nil {
		l.logger.Debug("upload stopped",
			slog.String("peer_id", p.ID()),
			slog.Int64("segment_id", req.SegmentID),
			slog.Any("error", err))
		return
	}
	l.uploadedBytes.Add(int64(len(data)))
}

// Destroy stops broadcasts and inbound serving. The swarm itself is owned
// by the container.
func (l *Loader) Destroy() {
	l.bcMu.Lock()
	if l.closed {
		l.bcMu.Unlock()
		return
	}
	l.closed = true
	l.bcMu.Unlock()

	l.storage.Unsubscribe(l.sub)
	l.cancel()
}
