package tracker

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/transport"
)

// Acceptor upgrades inbound peer connections and routes them to the client
// of the swarm named by the info_hash query parameter.
type Acceptor struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewAcceptor creates an acceptor with no registered swarms.
func NewAcceptor(logger *slog.Logger) *Acceptor {
	return &Acceptor{
		logger:  observability.WithComponent(logger, "acceptor"),
		clients: make(map[string]*Client),
	}
}

// Register routes connections for the client's swarm to it.
func (a *Acceptor) Register(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[c.InfoHash()] = c
}

// Unregister removes the client if it is still the registered one.
func (a *Acceptor) Unregister(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clients[c.InfoHash()] == c {
		delete(a.clients, c.InfoHash())
	}
}

// Swarms returns the number of registered swarms.
func (a *Acceptor) Swarms() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

// ServeHTTP implements http.Handler.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	infoHash := r.URL.Query().Get("info_hash")
	peerID := r.URL.Query().Get("peer_id")
	if infoHash == "" || peerID == "" {
		http.Error(w, "info_hash and peer_id are required", http.StatusBadRequest)
		return
	}

	a.mu.RLock()
	client, ok := a.clients[infoHash]
	a.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown swarm", http.StatusNotFound)
		return
	}

	conn, err := transport.Accept(w, r, a.logger)
	if err != nil {
		a.logger.Debug("peer upgrade failed", slog.Any("error", err))
		return
	}
	if err := client.Accept(peerID, conn); err != nil {
		a.logger.Debug("rejected inbound peer",
			slog.String("peer_id", peerID),
			slog.String("swarm", infoHash),
			slog.Any("error", err))
	}
}
