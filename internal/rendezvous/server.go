// Package rendezvous implements the swarm membership service nodes announce
// to in order to discover each other.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/tracker"
)

// Defaults for Config.
const (
	DefaultPeerTTL  = 2 * time.Minute
	DefaultInterval = 15 * time.Second
	DefaultNumWant  = 10
	MaxNumWant      = 50
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Config configures a Server.
type Config struct {
	// PeerTTL is how long a member stays listed without re-announcing.
	PeerTTL time.Duration
	// Interval is the announce interval advertised to clients.
	Interval time.Duration
}

type member struct {
	peerID   string
	addr     string
	lastSeen time.Time
}

// Server keeps swarm membership in memory.
type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cron   *cron.Cron

	upgrader websocket.Upgrader

	mu     sync.Mutex
	swarms map[string]map[string]*member
}

// NewServer creates a server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Server{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "rendezvous"),
		now:    time.Now,
		cron:   cron.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		swarms: make(map[string]map[string]*member),
	}
}

// WithClock replaces the time source.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Start schedules the periodic stale-member sweep.
func (s *Server) Start() error {
	schedule := fmt.Sprintf("@every %s", s.cfg.PeerTTL/2)
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("rendezvous started",
		slog.Duration("peer_ttl", s.cfg.PeerTTL),
		slog.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts the sweep.
func (s *Server) Stop() {
	<-s.cron.Stop().Done()
}

// Routes returns the service's HTTP routes.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/announce", s.serveAnnounce)
	r.Get("/swarms", s.serveSwarms)
	return r
}

// Announce applies one announce and returns the response to send back.
func (s *Server) Announce(req tracker.AnnounceRequest) tracker.AnnounceResponse {
	if req.Action != "" && req.Action != tracker.ActionAnnounce {
		return tracker.AnnounceResponse{FailureReason: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if req.InfoHash == "" || req.PeerID == "" {
		return tracker.AnnounceResponse{FailureReason: "info_hash and peer_id are required"}
	}

	resp := tracker.AnnounceResponse{
		Action:   tracker.ActionAnnounce,
		InfoHash: req.InfoHash,
		Interval: int(s.cfg.Interval / time.Second),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	swarm := s.swarms[req.InfoHash]
	if req.Event == tracker.EventStopped {
		if swarm != nil {
			delete(swarm, req.PeerID)
			if len(swarm) == 0 {
				delete(s.swarms, req.InfoHash)
			}
		}
		return resp
	}

	if swarm == nil {
		swarm = make(map[string]*member)
		s.swarms[req.InfoHash] = swarm
	}
	m, ok := swarm[req.PeerID]
	if !ok {
		m = &member{peerID: req.PeerID}
		swarm[req.PeerID] = m
	}
	if req.Addr != "" {
		m.addr = req.Addr
	}
	m.lastSeen = s.now()

	numWant := req.NumWant
	if numWant <= 0 {
		numWant = DefaultNumWant
	}
	numWant = min(numWant, MaxNumWant)

	// Most recently seen members first; they are the likeliest to be alive.
	others := make([]*member, 0, len(swarm))
	for _, o := range swarm {
		if o.peerID != req.PeerID && o.addr != "" {
			others = append(others, o)
		}
	}
	sort.Slice(others, func(i, j int) bool {
		if !others[i].lastSeen.Equal(others[j].lastSeen) {
			return others[i].lastSeen.After(others[j].lastSeen)
		}
		return others[i].peerID < others[j].peerID
	})
	for _, o := range others[:min(numWant, len(others))] {
		resp.Peers = append(resp.Peers, tracker.PeerInfo{PeerID: o.peerID, Addr: o.addr})
	}
	return resp
}

// Remove drops a peer from one swarm.
func (s *Server) Remove(infoHash, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swarm := s.swarms[infoHash]
	if swarm == nil {
		return
	}
	delete(swarm, peerID)
	if len(swarm) == 0 {
		delete(s.swarms, infoHash)
	}
}

// Sweep removes members that have not announced within the TTL and
// returns how many were removed.
func (s *Server) Sweep() int {
	cutoff := s.now().Add(-s.cfg.PeerTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, swarm := range s.swarms {
		for id, m := range swarm {
			if m.lastSeen.Before(cutoff) {
				delete(swarm, id)
				removed++
			}
		}
		if len(swarm) == 0 {
			delete(s.swarms, hash)
		}
	}
	if removed > 0 {
		s.logger.Debug("swept stale members", slog.Int("removed", removed))
	}
	return removed
}

// SwarmSizes returns the member count per info hash.
func (s *Server) SwarmSizes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.swarms))
	for hash, swarm := range s.swarms {
		out[hash] = len(swarm)
	}
	return out
}

func (s *Server) serveSwarms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.SwarmSizes())
}

// serveAnnounce answers announces on one websocket until it closes. Peers
// announced over the socket are dropped when it goes away.
func (s *Server) serveAnnounce(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("announce upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	type membership struct{ infoHash, peerID string }
	announced := make(map[membership]bool)
	defer func() {
		for m := range announced {
			s.Remove(m.infoHash, m.peerID)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req tracker.AnnounceRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("announce connection closed", slog.Any("error", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait + s.cfg.Interval))

		resp := s.Announce(req)
		if resp.FailureReason == "" {
			key := membership{req.InfoHash, req.PeerID}
			if req.Event == tracker.EventStopped {
				delete(announced, key)
			} else {
				announced[key] = true
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("announce write failed", slog.Any("error", err))
			return
		}
	}
}
