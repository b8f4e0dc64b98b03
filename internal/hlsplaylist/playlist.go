// Package hlsplaylist turns HLS playlists into the streams and segments
// the delivery engine loads.
package hlsplaylist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/segswarm/internal/models"
)

// ErrNoTracks indicates a multivariant playlist without playable variants.
var ErrNoTracks = errors.New("playlist has no playable variants")

// Getter fetches a playlist body.
type Getter func(ctx context.Context, url string) ([]byte, error)

// Track is one media playlist of a presentation.
type Track struct {
	Type  models.StreamType
	Index int
	URL   string
}

// Media is a parsed media playlist.
type Media struct {
	URL            string
	TargetDuration time.Duration
	MediaSequence  int64
	IsLive         bool
	Segments       []models.Segment
}

// ParseTracks lists the media playlists of a presentation. The highest
// bandwidth variant is the main track; audio renditions of its group are
// secondary tracks. A media playlist is its own single main track.
func ParseTracks(playlistURL string, data []byte) ([]Track, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		return []Track{{Type: models.StreamTypeMain, URL: playlistURL}}, nil
	case *playlist.Multivariant:
		return multivariantTracks(playlistURL, p)
	default:
		return nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func multivariantTracks(playlistURL string, mv *playlist.Multivariant) ([]Track, error) {
	if len(mv.Variants) == 0 {
		return nil, ErrNoTracks
	}
	variants := make([]*playlist.MultivariantVariant, len(mv.Variants))
	copy(variants, mv.Variants)
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})
	best := variants[0]

	tracks := []Track{{Type: models.StreamTypeMain, URL: resolve(playlistURL, best.URI)}}
	for _, r := range mv.Renditions {
		if r.Type != playlist.MultivariantRenditionTypeAudio || r.URI == nil {
			continue
		}
		if best.Audio != "" && r.GroupID != best.Audio {
			continue
		}
		tracks = append(tracks, Track{
			Type:  models.StreamTypeSecondary,
			Index: len(tracks) - 1,
			URL:   resolve(playlistURL, *r.URI),
		})
	}
	return tracks, nil
}

// ParseMedia parses a media playlist. External ids are media sequence
// numbers and segment times accumulate from the first listed segment.
func ParseMedia(playlistURL string, data []byte) (*Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	mp, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got %T", pl)
	}

	m := &Media{
		URL:            playlistURL,
		TargetDuration: time.Duration(mp.TargetDuration) * time.Second,
		MediaSequence:  int64(mp.MediaSequence),
		IsLive:         !mp.Endlist,
		Segments:       make([]models.Segment, 0, len(mp.Segments)),
	}

	var (
		start    time.Duration
		lastURI  string
		rangeEnd int64 = -1
	)
	for i, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		uri := resolve(playlistURL, seg.URI)

		var br *models.ByteRange
		if seg.ByteRangeLength != nil {
			from := rangeEnd + 1
			if seg.ByteRangeStart != nil {
				from = int64(*seg.ByteRangeStart) //nolint:gosec // playlist offsets fit
			} else if uri != lastURI {
				from = 0
			}
			br = &models.ByteRange{Start: from, End: from + int64(*seg.ByteRangeLength) - 1} //nolint:gosec // playlist lengths fit
			rangeEnd = br.End
		} else {
			rangeEnd = -1
		}
		lastURI = uri

		end := start + seg.Duration
		m.Segments = append(m.Segments, models.NewSegment(m.MediaSequence+int64(i), uri, br, start, end))
		start = end
	}
	return m, nil
}

// Stream builds the engine stream for a track from its parsed playlist.
// manifestURL names the presentation and keys the stream id.
func (m *Media) Stream(manifestURL string, t Track) *models.Stream {
	s := models.NewStream(manifestURL, t.Type, t.Index, m.IsLive)
	s.AddSegments(m.Segments...)
	return s
}

// Diff compares a refreshed playlist with the stream's current segments.
// Added segments are shifted onto the stream's timeline using a segment
// both lists share.
func Diff(stream *models.Stream, refreshed *Media) (added []models.Segment, removed []string) {
	current := stream.Segments()
	known := make(map[string]models.Segment, len(current))
	for _, seg := range current {
		known[seg.LocalID] = seg
	}

	var offset time.Duration
	if len(current) > 0 {
		offset = current[len(current)-1].EndTime
	}
	next := make(map[string]struct{}, len(refreshed.Segments))
	for _, seg := range refreshed.Segments {
		next[seg.LocalID] = struct{}{}
		if old, ok := known[seg.LocalID]; ok {
			offset = old.StartTime - seg.StartTime
		}
	}

	for _, seg := range refreshed.Segments {
		if _, ok := known[seg.LocalID]; ok {
			continue
		}
		seg.StartTime += offset
		seg.EndTime += offset
		added = append(added, seg)
	}
	for _, seg := range current {
		if _, ok := next[seg.LocalID]; !ok {
			removed = append(removed, seg.LocalID)
		}
	}
	return added, removed
}

// Open fetches a presentation and returns one stream per track.
func Open(ctx context.Context, get Getter, playlistURL string) ([]*models.Stream, error) {
	data, err := get(ctx, playlistURL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", playlistURL, err)
	}
	tracks, err := ParseTracks(playlistURL, data)
	if err != nil {
		return nil, err
	}

	streams := make([]*models.Stream, 0, len(tracks))
	for _, t := range tracks {
		body := data
		if t.URL != playlistURL {
			if body, err = get(ctx, t.URL); err != nil {
				return nil, fmt.Errorf("fetching %s: %w", t.URL, err)
			}
		}
		media, err := ParseMedia(t.URL, body)
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", t.URL, err)
		}
		streams = append(streams, media.Stream(playlistURL, t))
	}
	return streams, nil
}

func resolve(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
