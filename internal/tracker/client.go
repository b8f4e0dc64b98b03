// Package tracker joins a stream's swarm through rendezvous endpoints and
// owns the resulting peer connections.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/peer"
	"github.com/jmylchreest/segswarm/internal/transport"
)

// Defaults applied by NewClient.
const (
	DefaultAnnounceInterval = 15 * time.Second
	DefaultNumWant          = 10
	DefaultPeerIDPrefix     = "SS01"
)

// ErrPeerConnected is returned by Accept for a peer already in the set.
var ErrPeerConnected = errors.New("peer already connected")

// NewPeerID returns a unique, lexically sortable peer id.
func NewPeerID(prefix string) string {
	return prefix + ulid.Make().String()
}

// Config configures a Client.
type Config struct {
	InfoHash      string
	PeerID        string
	AdvertiseAddr string
	Endpoints     []string
	Interval      time.Duration
	NumWant       int
	Peer          peer.Config
}

// Events are the client's outward notifications. They are invoked without
// client locks held.
type Events struct {
	OnPeerConnected func(p *peer.Peer)
	OnPeerClosed    func(p *peer.Peer)
	OnWarning       func(err error)
}

// Client is the swarm membership of one stream.
type Client struct {
	cfg       Config
	announcer Announcer
	dialer    Dialer
	handlers  peer.Handlers
	events    Events
	logger    *slog.Logger

	group singleflight.Group
	cron  *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	peers     map[string]*peer.Peer
	dialing   map[string]bool
	cronEntry cron.EntryID
	interval  time.Duration
	started   bool
	announced bool
	destroyed bool
}

// NewClient creates a client. handlers are attached to every peer.
func NewClient(cfg Config, announcer Announcer, dialer Dialer, handlers peer.Handlers, events Events, logger *slog.Logger) *Client {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	if cfg.NumWant <= 0 {
		cfg.NumWant = DefaultNumWant
	}
	if cfg.PeerID == "" {
		cfg.PeerID = NewPeerID(DefaultPeerIDPrefix)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		announcer: announcer,
		dialer:    dialer,
		handlers:  handlers,
		events:    events,
		logger:    observability.WithSwarm(observability.WithComponent(logger, "tracker"), cfg.InfoHash),
		cron:      cron.New(),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*peer.Peer),
		dialing:   make(map[string]bool),
		interval:  cfg.Interval,
	}
}

// PeerID returns the local peer id.
func (c *Client) PeerID() string {
	return c.cfg.PeerID
}

// InfoHash returns the swarm identifier.
func (c *Client) InfoHash() string {
	return c.cfg.InfoHash
}

// Start announces immediately and then on the configured schedule.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return models.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	if err := c.scheduleLocked(c.interval); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.cron.Start()
	go c.Announce(c.ctx)
	return nil
}

func (c *Client) scheduleLocked(interval time.Duration) error {
	if c.cronEntry != 0 {
		c.cron.Remove(c.cronEntry)
	}
	id, err := c.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		c.Announce(c.ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling announce: %w", err)
	}
	c.cronEntry = id
	c.interval = interval
	return nil
}

// Announce contacts every endpoint and dials newly learned peers.
// Concurrent calls share one round.
func (c *Client) Announce(ctx context.Context) {
	_, _, _ = c.group.Do("announce", func() (any, error) {
		c.announceAll(ctx)
		return nil, nil
	})
}

func (c *Client) announceAll(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	event := ""
	if !c.announced {
		event = EventStarted
		c.announced = true
	}
	c.mu.Unlock()

	for _, endpoint := range c.cfg.Endpoints {
		resp, err := c.announcer.Announce(ctx, endpoint, c.request(event))
		if err != nil {
			c.warn(fmt.Errorf("announce to %s: %w", endpoint, err))
			continue
		}
		c.adoptInterval(resp.Interval)
		c.connect(resp.Peers)
	}
}

func (c *Client) request(event string) AnnounceRequest {
	return AnnounceRequest{
		Action:   ActionAnnounce,
		InfoHash: c.cfg.InfoHash,
		PeerID:   c.cfg.PeerID,
		Addr:     c.cfg.AdvertiseAddr,
		NumWant:  c.cfg.NumWant,
		Event:    event,
	}
}

func (c *Client) adoptInterval(seconds int) {
	if seconds <= 0 {
		return
	}
	interval := time.Duration(seconds) * time.Second
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || interval == c.interval {
		return
	}
	if err := c.scheduleLocked(interval); err != nil {
		c.logger.Warn("failed to reschedule announce", slog.Any("error", err))
		return
	}
	c.logger.Debug("announce interval updated", slog.Duration("interval", interval))
}

// connect dials candidates whose id sorts below ours so exactly one side
// of each pair initiates.
func (c *Client) connect(candidates []PeerInfo) {
	for _, info := range candidates {
		if info.PeerID == "" || info.Addr == "" {
			continue
		}
		if info.PeerID >= c.cfg.PeerID {
			continue
		}

		c.mu.Lock()
		_, connected := c.peers[info.PeerID]
		if c.destroyed || connected || c.dialing[info.PeerID] {
			c.mu.Unlock()
			continue
		}
		c.dialing[info.PeerID] = true
		c.mu.Unlock()

		go c.dial(info)
	}
}

func (c *Client) dial(info PeerInfo) {
	defer func() {
		c.mu.Lock()
		delete(c.dialing, info.PeerID)
		c.mu.Unlock()
	}()

	conn, err := c.dialer.Dial(c.ctx, info.Addr, c.cfg.InfoHash, c.cfg.PeerID)
	if err != nil {
		c.logger.Debug("peer dial failed",
			slog.String("peer_id", info.PeerID),
			slog.String("addr", info.Addr),
			slog.Any("error", err))
		return
	}
	if err := c.add(info.PeerID, conn); err != nil {
		c.logger.Debug("dropping dialed peer", slog.String("peer_id", info.PeerID), slog.Any("error", err))
	}
}

// Accept adopts an inbound connection from remotePeerID.
func (c *Client) Accept(remotePeerID string, conn transport.Conn) error {
	if remotePeerID == "" || remotePeerID == c.cfg.PeerID {
		_ = conn.Close()
		return fmt.Errorf("%w: invalid peer id %q", models.ErrProtocol, remotePeerID)
	}
	return c.add(remotePeerID, conn)
}

func (c *Client) add(id string, conn transport.Conn) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = conn.Close()
		return models.ErrClosed
	}
	if _, ok := c.peers[id]; ok {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrPeerConnected
	}

	handlers := c.handlers
	handlers.OnClose = c.peerClosed
	p := peer.New(id, conn, c.cfg.Peer, handlers, c.logger)
	c.peers[id] = p
	c.mu.Unlock()

	c.logger.Debug("peer connected", slog.String("peer_id", id), slog.String("addr", conn.RemoteAddr()))
	if c.events.OnPeerConnected != nil {
		c.events.OnPeerConnected(p)
	}
	return nil
}

func (c *Client) peerClosed(p *peer.Peer) {
	c.mu.Lock()
	if c.peers[p.ID()] == p {
		delete(c.peers, p.ID())
	}
	c.mu.Unlock()

	if c.handlers.OnClose != nil {
		c.handlers.OnClose(p)
	}
	if c.events.OnPeerClosed != nil {
		c.events.OnPeerClosed(p)
	}
}

// Peers returns the connected peers ordered by id.
func (c *Client) Peers() []*peer.Peer {
	c.mu.Lock()
	out := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (c *Client) warn(err error) {
	c.logger.Warn("rendezvous warning", slog.Any("error", err))
	if c.events.OnWarning != nil {
		c.events.OnWarning(err)
	}
}

// Destroy sends stop announces and closes every peer.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	started := c.started
	peers := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	// Cancel first: a scheduled announce may be joined to a round that
	// only returns once the client context is done.
	c.cancel()
	<-c.cron.Stop().Done()

	if started {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, endpoint := range c.cfg.Endpoints {
			if _, err := c.announcer.Announce(ctx, endpoint, c.request(EventStopped)); err != nil {
				c.logger.Debug("stop announce failed", slog.String("endpoint", endpoint), slog.Any("error", err))
			}
		}
		cancel()
	}

	for _, p := range peers {
		_ = p.Close()
	}
}
