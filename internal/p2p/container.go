package p2p

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/requests"
	"github.com/jmylchreest/segswarm/internal/storage"
)

// DefaultInactiveLoaderDestroyTimeout is how long a loader switched away
// from survives before its swarm is left.
const DefaultInactiveLoaderDestroyTimeout = 30 * time.Second

// State is the lifecycle state of a stream's loader.
type State string

const (
	StateAbsent          State = "absent"
	StateActive          State = "active"
	StatePendingTeardown State = "pending-teardown"
	StateDestroyed       State = "destroyed"
)

// Swarm is the membership a loader downloads through. tracker.Client
// implements it.
type Swarm interface {
	PeerSet
	Start() error
	Destroy()
}

// SwarmFactory joins the swarm identified by infoHash on behalf of l.
type SwarmFactory func(l *Loader, infoHash string) (Swarm, error)

// AfterFunc schedules f after d and returns a function that cancels it,
// reporting whether the call was stopped before running.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// ContainerConfig configures a Container.
type ContainerConfig struct {
	// SwarmID overrides the manifest-derived swarm identifier.
	SwarmID                      string
	InactiveLoaderDestroyTimeout time.Duration

	Storage     storage.Storage
	Coordinator *requests.Coordinator
	NewSwarm    SwarmFactory
	// NewRand returns the peer-selection source of each new loader.
	NewRand func() *rand.Rand
	// Schedule is passed to every loader, see LoaderConfig.
	Schedule  func(fn func())
	AfterFunc AfterFunc
	Logger    *slog.Logger
}

type loaderEntry struct {
	loader   *Loader
	swarm    Swarm
	infoHash string
	state    State
	stop     func() bool
}

// Container owns one loader per active stream and tears down loaders of
// streams playback has switched away from.
type Container struct {
	cfg    ContainerConfig
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*loaderEntry
	destroyed map[string]bool
	current   map[models.StreamType]*models.Stream
	closed    bool
}

// NewContainer creates an empty container and routes coordinator changes
// to the loader of the affected stream.
func NewContainer(cfg ContainerConfig) *Container {
	if cfg.InactiveLoaderDestroyTimeout <= 0 {
		cfg.InactiveLoaderDestroyTimeout = DefaultInactiveLoaderDestroyTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	c := &Container{
		cfg:       cfg,
		logger:    observability.WithComponent(cfg.Logger, "loaders"),
		entries:   make(map[string]*loaderEntry),
		destroyed: make(map[string]bool),
		current:   make(map[models.StreamType]*models.Stream),
	}
	if cfg.Coordinator != nil {
		cfg.Coordinator.OnChange(func(streamID string) {
			if l, ok := c.ActiveLoader(streamID); ok {
				l.ScheduleBroadcast()
			}
		})
	}
	return c
}

// Loader returns the stream's loader, creating it and joining its swarm on
// first use. A loader pending teardown is reactivated as is. The swarm is
// joined without the container lock held.
func (c *Container) Loader(stream *models.Stream) (*Loader, error) {
	c.mu.Lock()
	l, ok, err := c.existingLocked(stream.ID)
	c.mu.Unlock()
	if ok || err != nil {
		return l, err
	}

	e, err := c.newEntry(stream)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	existing, ok, err := c.existingLocked(stream.ID)
	if ok || err != nil {
		c.mu.Unlock()
		// Lost the race to a concurrent caller, or closed meanwhile.
		c.teardown(stream.ID, e)
		return existing, err
	}
	c.entries[stream.ID] = e
	delete(c.destroyed, stream.ID)
	c.mu.Unlock()

	c.logger.Debug("loader created",
		slog.String("stream_id", stream.ID),
		slog.String("swarm", e.infoHash))
	return e.loader, nil
}

func (c *Container) existingLocked(streamID string) (*Loader, bool, error) {
	if c.closed {
		return nil, false, models.ErrClosed
	}
	e, ok := c.entries[streamID]
	if !ok {
		return nil, false, nil
	}
	if e.state == StatePendingTeardown {
		if e.stop != nil {
			e.stop()
		}
		e.stop = nil
		e.state = StateActive
		c.logger.Debug("loader reactivated", slog.String("stream_id", streamID))
	}
	return e.loader, true, nil
}

func (c *Container) newEntry(stream *models.Stream) (*loaderEntry, error) {
	swarmID := models.SwarmID(c.cfg.SwarmID, stream.ManifestURL)
	infoHash := models.InfoHash(models.StreamSwarmID(swarmID, stream))

	l := NewLoader(LoaderConfig{
		Stream:      stream,
		Storage:     c.cfg.Storage,
		Coordinator: c.cfg.Coordinator,
		Rand:        c.newRand(),
		Schedule:    c.cfg.Schedule,
		Logger:      c.cfg.Logger,
	})
	e := &loaderEntry{loader: l, infoHash: infoHash, state: StateActive}

	if c.cfg.NewSwarm != nil {
		swarm, err := c.cfg.NewSwarm(l, infoHash)
		if err != nil {
			l.Destroy()
			return nil, fmt.Errorf("joining swarm for %s: %w", stream.ID, err)
		}
		l.SetPeers(swarm)
		if err := swarm.Start(); err != nil {
			swarm.Destroy()
			l.Destroy()
			return nil, fmt.Errorf("starting swarm for %s: %w", stream.ID, err)
		}
		e.swarm = swarm
	}
	return e, nil
}

func (c *Container) newRand() *rand.Rand {
	if c.cfg.NewRand != nil {
		return c.cfg.NewRand()
	}
	return nil
}

// SetCurrentStream makes stream the playing track of its type. The loader
// of the previously playing track of that type is destroyed immediately
// when storage holds none of its segments, otherwise after the inactive
// timeout unless playback switches back first.
func (c *Container) SetCurrentStream(stream *models.Stream) (*Loader, error) {
	c.mu.Lock()
	prev := c.current[stream.Type]
	c.current[stream.Type] = stream
	c.mu.Unlock()

	if prev != nil && prev.ID != stream.ID {
		c.deactivate(prev.ID)
	}
	return c.Loader(stream)
}

func (c *Container) deactivate(streamID string) {
	c.mu.Lock()
	e, ok := c.entries[streamID]
	if !ok || e.state != StateActive {
		c.mu.Unlock()
		return
	}
	if c.cfg.Storage == nil || len(c.cfg.Storage.StoredSegmentIDs(streamID)) == 0 {
		c.detachLocked(streamID, e)
		c.mu.Unlock()
		c.teardown(streamID, e)
		return
	}

	e.state = StatePendingTeardown
	e.stop = c.cfg.AfterFunc(c.cfg.InactiveLoaderDestroyTimeout, func() {
		c.expire(streamID, e)
	})
	c.mu.Unlock()
	c.logger.Debug("loader pending teardown",
		slog.String("stream_id", streamID),
		slog.Duration("timeout", c.cfg.InactiveLoaderDestroyTimeout))
}

func (c *Container) expire(streamID string, e *loaderEntry) {
	c.mu.Lock()
	if c.entries[streamID] != e || e.state != StatePendingTeardown {
		c.mu.Unlock()
		return
	}
	c.detachLocked(streamID, e)
	c.mu.Unlock()
	c.teardown(streamID, e)
}

// detachLocked removes e from the container. The caller tears it down
// after releasing the lock.
func (c *Container) detachLocked(streamID string, e *loaderEntry) {
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	e.state = StateDestroyed
	delete(c.entries, streamID)
	c.destroyed[streamID] = true
}

// teardown stops a detached loader and leaves its swarm.
func (c *Container) teardown(streamID string, e *loaderEntry) {
	e.loader.Destroy()
	if e.swarm != nil {
		e.swarm.Destroy()
	}
	c.logger.Debug("loader destroyed", slog.String("stream_id", streamID))
}

// State returns the lifecycle state of a stream's loader.
func (c *Container) State(streamID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[streamID]; ok {
		return e.state
	}
	if c.destroyed[streamID] {
		return StateDestroyed
	}
	return StateAbsent
}

// ActiveLoader returns the loader of a stream unless it is absent or
// destroyed.
func (c *Container) ActiveLoader(streamID string) (*Loader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[streamID]
	if !ok {
		return nil, false
	}
	return e.loader, true
}

// Loaders returns every live loader ordered by stream id.
func (c *Container) Loaders() []*Loader {
	c.mu.Lock()
	out := make([]*Loader, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.loader)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Stream().ID < out[j].Stream().ID })
	return out
}

// Destroy tears down every loader and leaves every swarm.
func (c *Container) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	victims := make(map[string]*loaderEntry, len(c.entries))
	for id, e := range c.entries {
		c.detachLocked(id, e)
		victims[id] = e
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.teardown(id, e)
		}()
	}
	wg.Wait()
}
