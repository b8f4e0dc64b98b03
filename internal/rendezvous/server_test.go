package rendezvous

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/segswarm/internal/tracker"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func announce(hash, id, addr string) tracker.AnnounceRequest {
	return tracker.AnnounceRequest{Action: tracker.ActionAnnounce, InfoHash: hash, PeerID: id, Addr: addr}
}

func TestServer_AnnounceReturnsOtherMembers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewServer(Config{Interval: 20 * time.Second}, nil).WithClock(clock.now)

	resp := s.Announce(announce("h1", "A", "ws://a"))
	assert.Empty(t, resp.FailureReason)
	assert.Empty(t, resp.Peers)
	assert.Equal(t, 20, resp.Interval)
	assert.Equal(t, "h1", resp.InfoHash)

	clock.advance(time.Second)
	s.Announce(announce("h1", "B", "ws://b"))
	clock.advance(time.Second)
	s.Announce(announce("h2", "C", "ws://c"))

	resp = s.Announce(announce("h1", "D", "ws://d"))
	assert.Equal(t, []tracker.PeerInfo{
		{PeerID: "B", Addr: "ws://b"},
		{PeerID: "A", Addr: "ws://a"},
	}, resp.Peers)

	assert.Equal(t, map[string]int{"h1": 3, "h2": 1}, s.SwarmSizes())
}

func TestServer_NumWantLimitsPeers(t *testing.T) {
	s := NewServer(Config{}, nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		s.Announce(announce("h", id, "ws://"+id))
	}
	req := announce("h", "E", "ws://e")
	req.NumWant = 2
	assert.Len(t, s.Announce(req).Peers, 2)
}

func TestServer_StoppedEventRemovesMember(t *testing.T) {
	s := NewServer(Config{}, nil)
	s.Announce(announce("h", "A", "ws://a"))
	s.Announce(announce("h", "B", "ws://b"))

	stop := announce("h", "A", "")
	stop.Event = tracker.EventStopped
	s.Announce(stop)

	assert.Equal(t, map[string]int{"h": 1}, s.SwarmSizes())
	assert.Empty(t, s.Announce(announce("h", "B", "ws://b")).Peers)
}

func TestServer_RejectsInvalidAnnounces(t *testing.T) {
	s := NewServer(Config{}, nil)
	assert.NotEmpty(t, s.Announce(tracker.AnnounceRequest{Action: "scrape", InfoHash: "h", PeerID: "A"}).FailureReason)
	assert.NotEmpty(t, s.Announce(tracker.AnnounceRequest{InfoHash: "h"}).FailureReason)
	assert.Empty(t, s.SwarmSizes())
}

func TestServer_SweepRemovesStaleMembers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewServer(Config{PeerTTL: time.Minute}, nil).WithClock(clock.now)

	s.Announce(announce("h", "A", "ws://a"))
	clock.advance(45 * time.Second)
	s.Announce(announce("h", "B", "ws://b"))
	clock.advance(30 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, map[string]int{"h": 1}, s.SwarmSizes())

	clock.advance(time.Hour)
	assert.Equal(t, 1, s.Sweep())
	assert.Empty(t, s.SwarmSizes())
}

func TestServer_WebSocketAnnounce(t *testing.T) {
	s := NewServer(Config{}, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/announce"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := tracker.NewWebSocketAnnouncer(nil)
	b := tracker.NewWebSocketAnnouncer(nil)
	defer b.Close()

	_, err := a.Announce(ctx, endpoint, announce("h", "A", "ws://a"))
	require.NoError(t, err)
	resp, err := b.Announce(ctx, endpoint, announce("h", "B", "ws://b"))
	require.NoError(t, err)
	assert.Equal(t, []tracker.PeerInfo{{PeerID: "A", Addr: "ws://a"}}, resp.Peers)

	_, err = b.Announce(ctx, endpoint, tracker.AnnounceRequest{InfoHash: "h"})
	assert.ErrorIs(t, err, tracker.ErrAnnounceFailed)

	// Dropping the socket withdraws the members it announced.
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return s.SwarmSizes()["h"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}
