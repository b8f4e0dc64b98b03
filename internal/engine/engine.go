// Package engine is the per-player delivery session. It answers segment
// loads from storage, the peer swarm or the origin, deduplicating
// concurrent loads of the same segment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/segswarm/internal/bandwidth"
	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/httploader"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/p2p"
	"github.com/jmylchreest/segswarm/internal/requests"
	"github.com/jmylchreest/segswarm/internal/storage"
)

// Default download caps.
const (
	DefaultP2PSimultaneousDownloads  = 3
	DefaultHTTPSimultaneousDownloads = 2
)

// Source names where the bytes of a load came from.
type Source string

const (
	SourceStorage Source = "storage"
	SourceHTTP    Source = "http"
	SourceP2P     Source = "p2p"
)

// Fetcher downloads a segment from its origin.
type Fetcher interface {
	Fetch(ctx context.Context, segment models.Segment, onProgress httploader.Progress) ([]byte, error)
}

// Config holds the scheduling settings of an engine.
type Config struct {
	SwarmID                      string
	InactiveLoaderDestroyTimeout time.Duration
	P2PSimultaneousDownloads     int
	HTTPSimultaneousDownloads    int
	// Windows supplies the per stream type HTTP download window.
	Windows storage.EvictionPolicy
}

// ConfigFrom maps the application configuration onto a Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SwarmID:                      cfg.P2P.SwarmID,
		InactiveLoaderDestroyTimeout: cfg.P2P.InactiveLoaderDestroyTimeout,
		P2PSimultaneousDownloads:     cfg.P2P.SimultaneousDownloads,
		HTTPSimultaneousDownloads:    cfg.HTTP.SimultaneousDownloads,
		Windows:                      EvictionPolicyFrom(cfg.Storage),
	}
}

// EvictionPolicyFrom maps the storage windows configuration onto a policy.
func EvictionPolicyFrom(cfg config.StorageConfig) storage.EvictionPolicy {
	return storage.EvictionPolicy{
		Main: storage.Windows{
			HighDemandTimeWindow:   cfg.Main.HighDemandTimeWindow,
			HTTPDownloadTimeWindow: cfg.Main.HTTPDownloadTimeWindow,
		},
		Secondary: storage.Windows{
			HighDemandTimeWindow:   cfg.Secondary.HighDemandTimeWindow,
			HTTPDownloadTimeWindow: cfg.Secondary.HTTPDownloadTimeWindow,
		},
	}
}

// Options holds the collaborators of an engine.
type Options struct {
	Config  Config
	Storage storage.Storage
	HTTP    Fetcher
	// NewSwarm joins the swarm of a stream. P2P is disabled when nil.
	NewSwarm p2p.SwarmFactory
	// NewRand seeds peer selection of each loader.
	NewRand func() *rand.Rand
	// Schedule overrides the announcement coalescing tick.
	Schedule func(fn func())
	Logger   *slog.Logger
}

// Engine is one player session.
type Engine struct {
	id          string
	cfg         Config
	storage     storage.Storage
	http        Fetcher
	coordinator *requests.Coordinator
	loaders     *p2p.Container
	logger      *slog.Logger

	httpSlots *semaphore.Weighted
	p2pSlots  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	streams  map[string]*models.Stream
	active   map[models.StreamType]string
	playback storage.Playback
	closed   bool

	loads    [3]atomic.Int64
	bytes    [3]atomic.Int64
	failures atomic.Int64
}

// New creates an engine session.
func New(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("engine: storage is required")
	}
	if opts.HTTP == nil {
		return nil, errors.New("engine: http fetcher is required")
	}
	cfg := opts.Config
	if cfg.P2PSimultaneousDownloads <= 0 {
		cfg.P2PSimultaneousDownloads = DefaultP2PSimultaneousDownloads
	}
	if cfg.HTTPSimultaneousDownloads <= 0 {
		cfg.HTTPSimultaneousDownloads = DefaultHTTPSimultaneousDownloads
	}

	id := uuid.New().String()
	logger := observability.Or(opts.Logger).With(slog.String("session_id", id))
	coordinator := requests.NewCoordinator(logger)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		id:          id,
		cfg:         cfg,
		storage:     opts.Storage,
		http:        opts.HTTP,
		coordinator: coordinator,
		logger:      observability.WithComponent(logger, "engine"),
		httpSlots:   semaphore.NewWeighted(int64(cfg.HTTPSimultaneousDownloads)),
		p2pSlots:    semaphore.NewWeighted(int64(cfg.P2PSimultaneousDownloads)),
		ctx:         ctx,
		cancel:      cancel,
		streams:     make(map[string]*models.Stream),
		active:      make(map[models.StreamType]string),
		playback:    storage.Playback{Rate: 1},
	}
	if opts.NewSwarm != nil {
		e.loaders = p2p.NewContainer(p2p.ContainerConfig{
			SwarmID:                      cfg.SwarmID,
			InactiveLoaderDestroyTimeout: cfg.InactiveLoaderDestroyTimeout,
			Storage:                      opts.Storage,
			Coordinator:                  coordinator,
			NewSwarm:                     opts.NewSwarm,
			NewRand:                      opts.NewRand,
			Schedule:                     opts.Schedule,
			Logger:                       logger,
		})
	}
	return e, nil
}

// ID returns the session id.
func (e *Engine) ID() string {
	return e.id
}

// Loaders returns the P2P loaders container, nil when P2P is disabled.
func (e *Engine) Loaders() *p2p.Container {
	return e.loaders
}

// AddStream registers a stream so its segments can be loaded.
func (e *Engine) AddStream(stream *models.Stream) error {
	if !stream.Type.IsValid() {
		return fmt.Errorf("stream %s: invalid type %q", stream.ID, stream.Type)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.ErrClosed
	}
	if _, ok := e.streams[stream.ID]; ok {
		return fmt.Errorf("stream %s already added", stream.ID)
	}
	e.streams[stream.ID] = stream
	return nil
}

// UpdateStream applies a manifest refresh. Loads of removed segments are
// aborted.
func (e *Engine) UpdateStream(streamID string, added []models.Segment, removed []string) error {
	stream, err := e.stream(streamID)
	if err != nil {
		return err
	}

	var aborted []models.SegmentKey
	for _, localID := range removed {
		if seg, ok := stream.Segment(localID); ok {
			aborted = append(aborted, models.SegmentKey{StreamID: streamID, ExternalID: seg.ExternalID})
		}
	}
	stream.RemoveSegments(removed...)
	stream.AddSegments(added...)

	for _, key := range aborted {
		e.coordinator.Abort(key)
	}
	return nil
}

// Streams returns the registered streams.
func (e *Engine) Streams() []*models.Stream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Stream, 0, len(e.streams))
	for _, s := range e.streams {
		out = append(out, s)
	}
	return out
}

func (e *Engine) stream(streamID string) (*models.Stream, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, models.ErrClosed
	}
	s, ok := e.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStreamNotFound, streamID)
	}
	return s, nil
}

// SetPlayback records the player position and rate. Storage eviction and
// download scheduling follow it.
func (e *Engine) SetPlayback(position time.Duration, rate float64) {
	e.mu.Lock()
	e.playback = storage.Playback{Position: position, Rate: rate}
	e.mu.Unlock()
	e.storage.SetPlayback(position, rate)
}

// SetActiveStream marks the stream as the playing track of its type. The
// previous track's loader is torn down after the inactive timeout.
func (e *Engine) SetActiveStream(streamID string) error {
	stream, err := e.stream(streamID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.active[stream.Type] = streamID
	e.mu.Unlock()

	if e.loaders == nil {
		return nil
	}
	if _, err := e.loaders.SetCurrentStream(stream); err != nil {
		return fmt.Errorf("activating stream %s: %w", streamID, err)
	}
	return nil
}

// ActiveStreams returns the playing stream id per stream type.
func (e *Engine) ActiveStreams() map[models.StreamType]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[models.StreamType]string, len(e.active))
	for t, id := range e.active {
		out[t] = id
	}
	return out
}

// Load returns the bytes of a segment. Failures are *models.LoadError.
func (e *Engine) Load(ctx context.Context, streamID, localID string) ([]byte, error) {
	stream, err := e.stream(streamID)
	if err != nil {
		return nil, &models.LoadError{Reason: models.ReasonExhausted, Key: models.SegmentKey{StreamID: streamID}, Err: err}
	}
	seg, ok := stream.Segment(localID)
	if !ok {
		return nil, &models.LoadError{
			Reason: models.ReasonExhausted,
			Key:    models.SegmentKey{StreamID: streamID},
			Err:    fmt.Errorf("%w: %s", models.ErrSegmentNotFound, localID),
		}
	}
	key := models.SegmentKey{StreamID: streamID, ExternalID: seg.ExternalID}

	if e.storage.HasSegment(key) {
		data, err := e.storage.SegmentData(ctx, key)
		if err == nil {
			e.record(SourceStorage, len(data))
			return data, nil
		}
		e.logger.Debug("stored segment unreadable, refetching",
			slog.String("segment", key.String()),
			slog.Any("error", err))
	}

	req, created := e.coordinator.GetOrCreate(key, seg)
	if created {
		go e.run(req, stream)
	}
	data, err := req.Wait(ctx)
	if err != nil {
		return nil, models.NewLoadError(key, err)
	}
	return data, nil
}

// Abort cancels the in-flight load of a segment. Waiting callers receive
// an aborted LoadError.
func (e *Engine) Abort(streamID, localID string) bool {
	stream, err := e.stream(streamID)
	if err != nil {
		return false
	}
	seg, ok := stream.Segment(localID)
	if !ok {
		return false
	}
	return e.coordinator.Abort(models.SegmentKey{StreamID: streamID, ExternalID: seg.ExternalID})
}

// Destroy aborts every load and leaves every swarm. Storage is owned by
// the caller and left open.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.coordinator.AbortAll()
	if e.loaders != nil {
		e.loaders.Destroy()
	}
	e.cancel()
	e.logger.Info("session destroyed")
}

func (e *Engine) record(source Source, n int) {
	i := sourceIndex(source)
	e.loads[i].Add(1)
	e.bytes[i].Add(int64(n))
}

func sourceIndex(s Source) int {
	switch s {
	case SourceHTTP:
		return 1
	case SourceP2P:
		return 2
	default:
		return 0
	}
}

// bandwidthSource is implemented by fetchers that track throughput.
type bandwidthSource interface {
	Bandwidth() *bandwidth.Smoothed
}
