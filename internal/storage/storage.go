// Package storage implements the segment cache shared by the engine, the
// per-stream P2P loaders and inbound peer requests. Eviction runs
// synchronously after every store and follows the playback position.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
)

// Usage reports the storage budget and the bytes currently resident.
type Usage struct {
	Capacity int64 `json:"capacity"`
	Used     int64 `json:"used"`
}

// Storage is the segment cache contract.
type Storage interface {
	StoreSegment(ctx context.Context, stream *models.Stream, segment models.Segment, data []byte) error
	SegmentData(ctx context.Context, key models.SegmentKey) ([]byte, error)
	HasSegment(key models.SegmentKey) bool
	StoredSegmentIDs(streamID string) []int64
	Usage() Usage
	Subscribe(streamID string, fn func()) *Subscription
	Unsubscribe(sub *Subscription)
	SetPlayback(position time.Duration, rate float64)
	RemoveStream(ctx context.Context, streamID string) error
	Close() error
}

// Subscription is a handle returned by Subscribe. Unsubscribe removes
// exactly this handle.
type Subscription struct {
	streamID string
	fn       func()
}

// StreamID returns the stream the subscription listens to.
func (s *Subscription) StreamID() string {
	return s.streamID
}

// entry is the index record of one resident segment.
type entry struct {
	info EntryInfo
}

// Options configures a SegmentStorage.
type Options struct {
	// MemoryLimit caps resident bytes. Zero means unlimited.
	MemoryLimit int64
	Policy      EvictionPolicy
	Backend     Backend
	Logger      *slog.Logger
	Now         func() time.Time
}

// SegmentStorage implements Storage over a pluggable Backend.
type SegmentStorage struct {
	backend Backend
	policy  EvictionPolicy
	limit   int64
	logger  *slog.Logger
	now     func() time.Time

	// writeMu serializes stores and removals so backend writes and
	// deletes for the same key never interleave.
	writeMu sync.Mutex

	mu       sync.RWMutex
	index    map[models.SegmentKey]*entry
	used     int64
	playback Playback
	subs     map[string][]*Subscription
	closed   bool
}

// New creates a SegmentStorage. A nil backend means an in-memory one.
func New(opts Options) *SegmentStorage {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SegmentStorage{
		backend: opts.Backend,
		policy:  opts.Policy,
		limit:   opts.MemoryLimit,
		logger:  observability.WithComponent(opts.Logger, "storage"),
		now:     opts.Now,
		index:   make(map[models.SegmentKey]*entry),
		subs:    make(map[string][]*Subscription),
	}
}

// StoreSegment persists data and runs eviction. A backend failure leaves
// the index untouched, so the segment is never announced.
func (s *SegmentStorage) StoreSegment(ctx context.Context, stream *models.Stream, segment models.Segment, data []byte) error {
	key := models.SegmentKey{StreamID: stream.ID, ExternalID: segment.ExternalID}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return models.ErrClosed
	}

	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: storing %s: %w", models.ErrStorage, key, err)
	}

	now := s.now()
	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.used -= old.info.Size
	}
	s.index[key] = &entry{info: EntryInfo{
		Key:          key,
		StreamType:   stream.Type,
		IsLive:       stream.IsLive,
		Start:        segment.StartTime,
		End:          segment.EndTime,
		Size:         int64(len(data)),
		LastAccessed: now,
	}}
	s.used += int64(len(data))
	evicted := s.evictLocked(now)
	s.mu.Unlock()

	if len(evicted) > 0 {
		if err := s.backend.Delete(ctx, evicted...); err != nil {
			s.logger.WarnContext(ctx, "failed to delete evicted segments",
				slog.Int("count", len(evicted)),
				slog.String("error", err.Error()),
			)
		}
		s.logger.DebugContext(ctx, "evicted segments",
			slog.Int("count", len(evicted)),
			slog.Int64("used", s.Usage().Used),
		)
	}

	affected := map[string]bool{key.StreamID: true}
	for _, k := range evicted {
		affected[k.StreamID] = true
	}
	s.notify(affected)
	return nil
}

// evictLocked removes the policy's victims from the index and returns them.
func (s *SegmentStorage) evictLocked(now time.Time) []models.SegmentKey {
	infos := make([]EntryInfo, 0, len(s.index))
	for _, e := range s.index {
		infos = append(infos, e.info)
	}
	victims := s.policy.Select(infos, s.playback, now, s.limit, s.used)
	for _, k := range victims {
		if e, ok := s.index[k]; ok {
			s.used -= e.info.Size
			delete(s.index, k)
		}
	}
	return victims
}

// SegmentData returns the stored bytes for key and marks it accessed.
func (s *SegmentStorage) SegmentData(ctx context.Context, key models.SegmentKey) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.index[key]
	if ok {
		e.info.LastAccessed = s.now()
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSegmentNotFound, key)
	}

	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrSegmentNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", models.ErrStorage, key, err)
	}
	return data, nil
}

// HasSegment reports whether key is resident.
func (s *SegmentStorage) HasSegment(key models.SegmentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key]
	return ok
}

// StoredSegmentIDs returns the resident external ids of a stream in
// ascending order.
func (s *SegmentStorage) StoredSegmentIDs(streamID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for k := range s.index {
		if k.StreamID == streamID {
			ids = append(ids, k.ExternalID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Usage returns the configured capacity and resident bytes.
func (s *SegmentStorage) Usage() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Usage{Capacity: s.limit, Used: s.used}
}

// Subscribe registers fn to run after any store or eviction affecting
// streamID. Callbacks run outside storage locks, in subscription order.
func (s *SegmentStorage) Subscribe(streamID string, fn func()) *Subscription {
	sub := &Subscription{streamID: streamID, fn: fn}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[streamID] = append(s.subs[streamID], sub)
	return sub
}

// Unsubscribe removes sub. Removing an unknown handle is a no-op.
func (s *SegmentStorage) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.subs[sub.streamID]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.subs, sub.streamID)
	} else {
		s.subs[sub.streamID] = list
	}
}

func (s *SegmentStorage) notify(streams map[string]bool) {
	s.mu.RLock()
	var fns []func()
	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, sub := range s.subs[id] {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// SetPlayback records the player position used by the next eviction pass.
func (s *SegmentStorage) SetPlayback(position time.Duration, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playback = Playback{Position: position, Rate: rate}
}

// Playback returns the last recorded playback state.
func (s *SegmentStorage) Playback() Playback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// RemoveStream drops every segment of streamID.
func (s *SegmentStorage) RemoveStream(ctx context.Context, streamID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	var keys []models.SegmentKey
	for k, e := range s.index {
		if k.StreamID == streamID {
			keys = append(keys, k)
			s.used -= e.info.Size
			delete(s.index, k)
		}
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("%w: removing stream %s: %w", models.ErrStorage, streamID, err)
	}
	s.notify(map[string]bool{streamID: true})
	return nil
}

// Close releases the backend. Later stores fail with models.ErrClosed.
func (s *SegmentStorage) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.index = make(map[models.SegmentKey]*entry)
	s.used = 0
	s.subs = make(map[string][]*Subscription)
	s.mu.Unlock()

	return s.backend.Close()
}

func (s *SegmentStorage) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

var _ Storage = (*SegmentStorage)(nil)
