// Package models defines the stream and segment types shared by the
// segswarm delivery engine.
package models

import (
	"fmt"
	"time"
)

// ByteRange is an inclusive byte range within a segment resource,
// following HTTP Range semantics.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// HeaderValue formats the range for an HTTP Range header.
func (r ByteRange) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Segment is one independently fetchable unit of a media stream.
// Segments are values: a manifest refresh that reorders the playlist
// produces new Segment values instead of mutating existing ones.
type Segment struct {
	// LocalID is derived from URL and byte range and stays stable across
	// manifest refreshes.
	LocalID string `json:"local_id"`

	// ExternalID is the compact numeric id used on the peer wire
	// (media sequence number or position).
	ExternalID int64 `json:"external_id"`

	URL       string        `json:"url"`
	ByteRange *ByteRange    `json:"byte_range,omitempty"`
	StartTime time.Duration `json:"start_time"`
	EndTime   time.Duration `json:"end_time"`
}

// Duration returns the presentation duration of the segment.
func (s Segment) Duration() time.Duration {
	return s.EndTime - s.StartTime
}

// NewSegment builds a Segment with its LocalID derived from url and br.
func NewSegment(externalID int64, url string, br *ByteRange, start, end time.Duration) Segment {
	return Segment{
		LocalID:    SegmentLocalID(url, br),
		ExternalID: externalID,
		URL:        url,
		ByteRange:  br,
		StartTime:  start,
		EndTime:    end,
	}
}

// SegmentLocalID returns the stable local identifier for a segment URL and
// optional byte range.
func SegmentLocalID(url string, br *ByteRange) string {
	if br == nil {
		return url
	}
	return fmt.Sprintf("%s|%d-%d", url, br.Start, br.End)
}

// SegmentKey identifies a segment system-wide: the owning stream plus the
// segment's wire id.
type SegmentKey struct {
	StreamID   string
	ExternalID int64
}

// String implements fmt.Stringer.
func (k SegmentKey) String() string {
	return fmt.Sprintf("%s#%d", k.StreamID, k.ExternalID)
}
