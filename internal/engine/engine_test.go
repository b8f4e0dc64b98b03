package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/segswarm/internal/httploader"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/p2p"
	"github.com/jmylchreest/segswarm/internal/peer"
	"github.com/jmylchreest/segswarm/internal/protocol"
	"github.com/jmylchreest/segswarm/internal/storage"
	"github.com/jmylchreest/segswarm/internal/transport"
)

// origin serves "http-<n>" for /<n>.ts and counts hits per path.
type origin struct {
	server  *httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	missing map[string]bool
	gate    chan struct{}
}

func newOrigin(t *testing.T) *origin {
	o := &origin{hits: make(map[string]int), missing: make(map[string]bool)}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		missing := o.missing[r.URL.Path]
		gate := o.gate
		o.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if missing {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("http-" + strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".ts")))
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) hold() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
	return o.gate
}

// staticSwarm is a swarm whose peers tests attach by hand.
type staticSwarm struct {
	loader *p2p.Loader
	mu     sync.Mutex
	peers  []*peer.Peer
}

func (s *staticSwarm) Peers() []*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*peer.Peer(nil), s.peers...)
}

func (s *staticSwarm) Start() error { return nil }

func (s *staticSwarm) Destroy() {
	for _, p := range s.Peers() {
		_ = p.Close()
	}
}

// remote is the far side of a peer link.
type remote struct {
	t    *testing.T
	conn transport.Conn
	seen chan protocol.Command
}

func (r *remote) send(cmd protocol.Command) {
	frame, err := protocol.Encode(cmd)
	require.NoError(r.t, err)
	require.NoError(r.t, r.conn.Send(context.Background(), frame))
}

// run records inbound commands and answers requests from payload. With a
// nil payload requests go unanswered.
func (r *remote) run(payload map[int64][]byte) {
	for {
		msg, err := r.conn.Receive(context.Background())
		if err != nil {
			return
		}
		if !protocol.IsCommandFrame(msg) {
			continue
		}
		cmd, err := protocol.Decode(msg)
		if err != nil {
			continue
		}
		if _, ok := cmd.(protocol.Announcement); !ok {
			r.seen <- cmd
		}
		req, ok := cmd.(protocol.Request)
		if !ok || payload == nil {
			continue
		}
		data := payload[req.SegmentID]
		r.send(protocol.Data{SegmentID: req.SegmentID, RequestID: req.RequestID, ByteLength: int64(len(data))})
		_ = r.conn.Send(context.Background(), data)
	}
}

type fixture struct {
	t       *testing.T
	origin  *origin
	storage *storage.SegmentStorage
	engine  *Engine
	stream  *models.Stream

	mu     sync.Mutex
	swarms map[string]*staticSwarm
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSchedule(t, func(fn func()) { go fn() })
}

// newFixtureWithSchedule builds a fixture whose announcement broadcasts
// run through schedule.
func newFixtureWithSchedule(t *testing.T, schedule func(fn func())) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		origin:  newOrigin(t),
		storage: storage.New(storage.Options{}),
		swarms:  make(map[string]*staticSwarm),
	}

	httpCfg := httploader.DefaultConfig()
	httpCfg.RetryAttempts = 0

	e, err := New(Options{
		Storage: f.storage,
		HTTP:    httploader.New(httpCfg, nil, nil),
		NewSwarm: func(l *p2p.Loader, _ string) (p2p.Swarm, error) {
			s := &staticSwarm{loader: l}
			f.mu.Lock()
			f.swarms[l.Stream().ID] = s
			f.mu.Unlock()
			return s, nil
		},
		NewRand:  func() *rand.Rand { return rand.New(rand.NewPCG(7, 7)) },
		Schedule: schedule,
	})
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	f.engine = e

	f.stream = f.newStream(0)
	return f
}

func (f *fixture) newStream(index int) *models.Stream {
	s := models.NewStream(f.origin.server.URL+"/index.m3u8", models.StreamTypeMain, index, false)
	for i := range 10 {
		start := time.Duration(i) * 4 * time.Second
		s.AddSegments(models.NewSegment(int64(i), fmt.Sprintf("%s/%d.ts", f.origin.server.URL, i), nil, start, start+4*time.Second))
	}
	require.NoError(f.t, f.engine.AddStream(s))
	return s
}

func (f *fixture) localID(id int64) string {
	seg, ok := f.stream.SegmentByExternalID(id)
	require.True(f.t, ok)
	return seg.LocalID
}

func (f *fixture) swarm(streamID string) *staticSwarm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swarms[streamID]
}

// connect activates the stream and attaches a peer announcing loaded.
func (f *fixture) connect(id string, cfg peer.Config, loaded ...int64) (*remote, *peer.Peer) {
	require.NoError(f.t, f.engine.SetActiveStream(f.stream.ID))
	swarm := f.swarm(f.stream.ID)
	require.NotNil(f.t, swarm)

	local, far := transport.Pipe("local", id)
	p := peer.New(id, local, cfg, swarm.loader.PeerHandlers(), nil)
	swarm.mu.Lock()
	swarm.peers = append(swarm.peers, p)
	swarm.mu.Unlock()

	r := &remote{t: f.t, conn: far, seen: make(chan protocol.Command, 16)}
	r.send(protocol.Announcement{Loaded: loaded})
	for _, segID := range loaded {
		require.Eventually(f.t, func() bool {
			return p.SegmentStatus(segID) == peer.StatusLoaded
		}, time.Second, 5*time.Millisecond)
	}
	return r, p
}

func TestEngine_EmptySwarmLoadsOverHTTP(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetActiveStream(f.stream.ID))

	data, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(2))
	require.NoError(t, err)
	assert.Equal(t, "http-2", string(data))

	assert.Equal(t, []int64{2}, f.storage.StoredSegmentIDs(f.stream.ID))
	loader, ok := f.engine.Loaders().ActiveLoader(f.stream.ID)
	require.True(t, ok)
	assert.Equal(t, protocol.Announcement{Loaded: []int64{2}}, loader.Announcement())

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Loads[SourceHTTP])
	assert.Equal(t, int64(len("http-2")), stats.Bytes[SourceHTTP])
	assert.Equal(t, 0, stats.LiveRequests)
}

func TestEngine_HTTPLoadQueuesOneBroadcast(t *testing.T) {
	queued := make(chan func(), 8)
	f := newFixtureWithSchedule(t, func(fn func()) { queued <- fn })
	r, _ := f.connect("A", peer.Config{})

	data, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(2))
	require.NoError(t, err)
	assert.Equal(t, "http-2", string(data))

	// HTTP start, store and completion fold into one pending broadcast.
	require.Len(t, queued, 1)
	(<-queued)()

	loader, ok := f.engine.Loaders().ActiveLoader(f.stream.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), loader.Broadcasts())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := r.conn.Receive(ctx)
	require.NoError(t, err)
	cmd, err := protocol.Decode(msg)
	require.NoError(t, err)
	ann, ok := cmd.(protocol.Announcement)
	require.True(t, ok, "got %T", cmd)
	assert.Equal(t, []int64{2}, ann.Loaded)
	assert.Empty(t, ann.HTTPLoading)
}

func TestEngine_StoredSegmentSkipsNetwork(t *testing.T) {
	f := newFixture(t)

	for range 2 {
		data, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(4))
		require.NoError(t, err)
		assert.Equal(t, "http-4", string(data))
	}
	assert.Equal(t, 1, f.origin.hitCount("/4.ts"))
	assert.Equal(t, int64(1), f.engine.Stats().Loads[SourceStorage])
}

func TestEngine_PeerHoldingSegmentServesIt(t *testing.T) {
	f := newFixture(t)
	r, _ := f.connect("A", peer.Config{DownloadTimeout: time.Second}, 5)
	go r.run(map[int64][]byte{5: []byte("peer-5")})

	data, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(5))
	require.NoError(t, err)
	assert.Equal(t, "peer-5", string(data))
	assert.Equal(t, 0, f.origin.hitCount("/5.ts"))

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Loads[SourceP2P])
	require.Len(t, stats.Swarms, 1)
	assert.Equal(t, 1, stats.Swarms[0].Peers)
	assert.Equal(t, int64(len("peer-5")), stats.Swarms[0].DownloadedBytes)
}

func TestEngine_PeerTimeoutFallsBackToHTTP(t *testing.T) {
	f := newFixture(t)
	r, p := f.connect("A", peer.Config{DownloadTimeout: 100 * time.Millisecond}, 9)
	go r.run(nil)

	data, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(9))
	require.NoError(t, err)
	assert.Equal(t, "http-9", string(data))
	assert.Equal(t, 1, f.origin.hitCount("/9.ts"))

	req := <-r.seen
	assert.Equal(t, int64(9), req.(protocol.Request).SegmentID)
	cancel := <-r.seen
	assert.Equal(t, int64(9), cancel.(protocol.Cancel).SegmentID)

	assert.Equal(t, peer.StatusUnknown, p.SegmentStatus(9))
	assert.Equal(t, int64(1), f.engine.Stats().Loads[SourceHTTP])
}

func TestEngine_DeduplicatesConcurrentLoads(t *testing.T) {
	f := newFixture(t)
	release := f.origin.hold()

	const callers = 10
	var wg, started sync.WaitGroup
	var ok atomic.Int32
	for range callers {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			data, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(1))
			if err == nil && string(data) == "http-1" {
				ok.Add(1)
			}
		}()
	}

	started.Wait()
	require.Eventually(t, func() bool { return f.origin.hitCount("/1.ts") == 1 }, time.Second, 5*time.Millisecond)
	// Let every caller reach the pending request before the origin answers.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(callers), ok.Load())
	assert.Equal(t, 1, f.origin.hitCount("/1.ts"))
}

func TestEngine_AbortResolvesWaiters(t *testing.T) {
	f := newFixture(t)
	release := f.origin.hold()
	defer close(release)

	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(3))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.origin.hitCount("/3.ts") == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, f.engine.Abort(f.stream.ID, f.localID(3)))

	err := <-errc
	var le *models.LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, models.ReasonAborted, le.Reason)
	assert.False(t, f.storage.HasSegment(models.SegmentKey{StreamID: f.stream.ID, ExternalID: 3}))
}

func TestEngine_CallerCancelAbortsRequest(t *testing.T) {
	f := newFixture(t)
	release := f.origin.hold()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Load(ctx, f.stream.ID, f.localID(6))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.origin.hitCount("/6.ts") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	var le *models.LoadError
	require.True(t, errors.As(<-errc, &le))
	assert.Equal(t, models.ReasonAborted, le.Reason)
	assert.Eventually(t, func() bool { return f.engine.Stats().LiveRequests == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ExhaustedWhenOriginFails(t *testing.T) {
	f := newFixture(t)
	f.origin.mu.Lock()
	f.origin.missing["/7.ts"] = true
	f.origin.mu.Unlock()

	_, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(7))
	var le *models.LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, models.ReasonExhausted, le.Reason)

	var se *httploader.StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, int64(1), f.engine.Stats().Failures)
}

func TestEngine_UnknownStreamOrSegment(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Load(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, models.ErrStreamNotFound)

	_, err = f.engine.Load(context.Background(), f.stream.ID, "https://elsewhere/1.ts")
	assert.ErrorIs(t, err, models.ErrSegmentNotFound)

	assert.False(t, f.engine.Abort(f.stream.ID, f.localID(1)))
	assert.Error(t, f.engine.AddStream(f.stream))
}

func TestEngine_UpdateStreamAbortsRemovedSegments(t *testing.T) {
	f := newFixture(t)
	release := f.origin.hold()
	defer close(release)

	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(8))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.origin.hitCount("/8.ts") == 1 }, time.Second, 5*time.Millisecond)

	next := models.NewSegment(10, f.origin.server.URL+"/10.ts", nil, 40*time.Second, 44*time.Second)
	require.NoError(t, f.engine.UpdateStream(f.stream.ID, []models.Segment{next}, []string{f.localID(8)}))

	assert.ErrorIs(t, <-errc, models.ErrAborted)
	_, ok := f.stream.SegmentByExternalID(10)
	assert.True(t, ok)
	_, ok = f.stream.SegmentByExternalID(8)
	assert.False(t, ok)
}

func TestEngine_SetActiveStreamSwitchesLoaders(t *testing.T) {
	f := newFixture(t)
	low := f.stream
	high := f.newStream(1)

	require.NoError(t, f.engine.SetActiveStream(low.ID))
	require.NoError(t, f.engine.SetActiveStream(high.ID))

	assert.Equal(t, p2p.StateDestroyed, f.engine.Loaders().State(low.ID))
	assert.Equal(t, p2p.StateActive, f.engine.Loaders().State(high.ID))
	assert.ErrorIs(t, f.engine.SetActiveStream("missing"), models.ErrStreamNotFound)
}

func TestEngine_UrgencyFollowsPlayback(t *testing.T) {
	f := newFixture(t)
	seg, _ := f.stream.SegmentByExternalID(9)

	urgent, ahead := f.engine.urgency(f.stream, seg)
	assert.True(t, urgent)
	assert.Equal(t, 36*time.Second, ahead)

	f.engine.SetPlayback(-100*time.Second, 2)
	urgent, ahead = f.engine.urgency(f.stream, seg)
	assert.False(t, urgent)
	assert.Equal(t, 68*time.Second, ahead)
}

func TestEngine_DestroyRejectsLoads(t *testing.T) {
	f := newFixture(t)
	f.engine.Destroy()
	f.engine.Destroy()

	_, err := f.engine.Load(context.Background(), f.stream.ID, f.localID(1))
	assert.ErrorIs(t, err, models.ErrClosed)
	assert.ErrorIs(t, f.engine.AddStream(models.NewStream("x", models.StreamTypeMain, 0, false)), models.ErrClosed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Storage: storage.New(storage.Options{})})
	assert.Error(t, err)
}
