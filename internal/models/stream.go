package models

import (
	"crypto/sha1" //nolint:gosec // swarm ids only need a stable digest
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// StreamType distinguishes the main (video or muxed) track from secondary
// (audio) tracks.
type StreamType string

const (
	// StreamTypeMain is the primary track.
	StreamTypeMain StreamType = "main"
	// StreamTypeSecondary is an alternate audio track.
	StreamTypeSecondary StreamType = "secondary"
)

// IsValid reports whether t is a known stream type.
func (t StreamType) IsValid() bool {
	return t == StreamTypeMain || t == StreamTypeSecondary
}

// shortType is the single-letter prefix used in swarm ids.
func (t StreamType) shortType() string {
	if t == StreamTypeSecondary {
		return "s"
	}
	return "m"
}

// Stream is one media track within a swarm together with its ordered
// segment list. The segment list is mutated only by manifest updates.
type Stream struct {
	ID          string     `json:"id"`
	Type        StreamType `json:"type"`
	Index       int        `json:"index"`
	ManifestURL string     `json:"manifest_url"`
	IsLive      bool       `json:"is_live"`

	mu         sync.RWMutex
	order      []string
	segments   map[string]Segment
	byExternal map[int64]string
}

// NewStream creates a stream with an empty segment list.
func NewStream(manifestURL string, streamType StreamType, index int, isLive bool) *Stream {
	return &Stream{
		ID:          StreamID(manifestURL, streamType, index),
		Type:        streamType,
		Index:       index,
		ManifestURL: manifestURL,
		IsLive:      isLive,
		segments:    make(map[string]Segment),
		byExternal:  make(map[int64]string),
	}
}

// StreamID derives the stable id of a stream from its manifest and position.
func StreamID(manifestURL string, streamType StreamType, index int) string {
	return fmt.Sprintf("%s-%s%d", manifestURL, streamType.shortType(), index)
}

// AddSegments appends segments in order. Segments whose LocalID is already
// present replace the stored value in place.
func (s *Stream) AddSegments(segments ...Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range segments {
		if old, ok := s.segments[seg.LocalID]; ok {
			delete(s.byExternal, old.ExternalID)
		} else {
			s.order = append(s.order, seg.LocalID)
		}
		s.segments[seg.LocalID] = seg
		s.byExternal[seg.ExternalID] = seg.LocalID
	}
}

// RemoveSegments drops segments by local id. Unknown ids are ignored.
func (s *Stream) RemoveSegments(localIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		seg, ok := s.segments[id]
		if !ok {
			continue
		}
		delete(s.segments, id)
		if s.byExternal[seg.ExternalID] == id {
			delete(s.byExternal, seg.ExternalID)
		}
		removed[id] = struct{}{}
	}
	if len(removed) == 0 {
		return
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if _, gone := removed[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// Segment returns the segment with the given local id.
func (s *Stream) Segment(localID string) (Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[localID]
	return seg, ok
}

// SegmentByExternalID returns the segment with the given wire id.
func (s *Stream) SegmentByExternalID(externalID int64) (Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	localID, ok := s.byExternal[externalID]
	if !ok {
		return Segment{}, false
	}
	return s.segments[localID], true
}

// Segments returns a copy of the segment list in manifest order.
func (s *Stream) Segments() []Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Segment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.segments[id])
	}
	return out
}

// Len returns the number of segments.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// SwarmID returns the swarm identifier for a manifest. A configured id
// always wins; otherwise the manifest URL without its query string is used
// so that signed URLs of the same content share a swarm.
func SwarmID(configured, manifestURL string) string {
	if configured != "" {
		return configured
	}
	u, err := url.Parse(manifestURL)
	if err != nil {
		return manifestURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// StreamSwarmID returns the per-stream swarm id.
func StreamSwarmID(swarmID string, stream *Stream) string {
	return fmt.Sprintf("%s-%s%d", swarmID, stream.Type.shortType(), stream.Index)
}

// InfoHash digests a stream swarm id into the fixed-width identifier used
// on the rendezvous wire.
func InfoHash(streamSwarmID string) string {
	sum := sha1.Sum([]byte(streamSwarmID)) //nolint:gosec // not a security boundary
	return hex.EncodeToString(sum[:])
}

// SortedIDs returns ids sorted ascending. It does not modify its input.
func SortedIDs(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
