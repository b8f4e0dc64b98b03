package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/transport"
	"github.com/jmylchreest/segswarm/internal/version"
)

// ErrAnnounceFailed is returned when the rendezvous service rejects an
// announce.
var ErrAnnounceFailed = errors.New("announce rejected")

// Announcer exchanges announce messages with one rendezvous endpoint.
type Announcer interface {
	Announce(ctx context.Context, endpoint string, req AnnounceRequest) (*AnnounceResponse, error)
	Close() error
}

// Dialer opens a peer connection to a swarm member.
type Dialer interface {
	Dial(ctx context.Context, addr, infoHash, localPeerID string) (transport.Conn, error)
}

const announceWait = 10 * time.Second

// WebSocketAnnouncer keeps one websocket per rendezvous endpoint and
// reconnects on the next announce after a failure.
type WebSocketAnnouncer struct {
	logger *slog.Logger
	dialer *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewWebSocketAnnouncer creates an announcer using the default dialer.
func NewWebSocketAnnouncer(logger *slog.Logger) *WebSocketAnnouncer {
	return &WebSocketAnnouncer{
		logger: observability.WithComponent(logger, "announcer"),
		dialer: websocket.DefaultDialer,
		conns:  make(map[string]*websocket.Conn),
	}
}

// Announce sends req and waits for the matching response.
func (a *WebSocketAnnouncer) Announce(ctx context.Context, endpoint string, req AnnounceRequest) (*AnnounceResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, ok := a.conns[endpoint]
	if !ok {
		c, resp, err := a.dialer.DialContext(ctx, endpoint, dialHeader())
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("connecting to rendezvous %s: %w", endpoint, err)
		}
		conn = c
		a.conns[endpoint] = conn
	}

	deadline := time.Now().Add(announceWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(req); err != nil {
		a.dropLocked(endpoint)
		return nil, fmt.Errorf("sending announce to %s: %w", endpoint, err)
	}

	for {
		var resp AnnounceResponse
		if err := conn.ReadJSON(&resp); err != nil {
			a.dropLocked(endpoint)
			return nil, fmt.Errorf("reading announce response from %s: %w", endpoint, err)
		}
		if resp.FailureReason != "" {
			return nil, fmt.Errorf("%s: %w: %s", endpoint, ErrAnnounceFailed, resp.FailureReason)
		}
		// Responses for other swarms multiplexed on this socket are skipped.
		if resp.InfoHash != "" && resp.InfoHash != req.InfoHash {
			continue
		}
		return &resp, nil
	}
}

func (a *WebSocketAnnouncer) dropLocked(endpoint string) {
	if conn, ok := a.conns[endpoint]; ok {
		_ = conn.Close()
		delete(a.conns, endpoint)
	}
}

// Close closes every endpoint connection.
func (a *WebSocketAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for endpoint := range a.conns {
		a.dropLocked(endpoint)
	}
	return nil
}

// WebSocketDialer dials peers at their advertised websocket address.
type WebSocketDialer struct {
	Logger *slog.Logger
}

// Dial connects to addr, identifying the swarm and the local peer in the
// query string.
func (d WebSocketDialer) Dial(ctx context.Context, addr, infoHash, localPeerID string) (transport.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing peer address %q: %w", addr, err)
	}
	q := u.Query()
	q.Set("info_hash", infoHash)
	q.Set("peer_id", localPeerID)
	u.RawQuery = q.Encode()

	conn, err := transport.Dial(ctx, u.String(), dialHeader(), d.Logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var (
	_ Announcer = (*WebSocketAnnouncer)(nil)
	_ Dialer    = WebSocketDialer{}
)

func dialHeader() http.Header {
	return http.Header{"User-Agent": []string{version.UserAgent()}}
}
