package storage

import (
	"sort"
	"time"

	"github.com/jmylchreest/segswarm/internal/models"
)

// Windows are the playback windows configured for one stream type.
type Windows struct {
	// HighDemandTimeWindow is the trailing span behind playback within
	// which live segments stay resident.
	HighDemandTimeWindow time.Duration
	// HTTPDownloadTimeWindow is the span ahead of playback the engine
	// fetches over HTTP. Live segments behind playback that were not read
	// within this span are dropped.
	HTTPDownloadTimeWindow time.Duration
}

// DefaultWindows are used when a stream type has no configured windows.
var DefaultWindows = Windows{
	HighDemandTimeWindow:   15 * time.Second,
	HTTPDownloadTimeWindow: 60 * time.Second,
}

// EntryInfo describes one resident segment to the eviction policy.
type EntryInfo struct {
	Key          models.SegmentKey
	StreamType   models.StreamType
	IsLive       bool
	Start        time.Duration
	End          time.Duration
	Size         int64
	LastAccessed time.Time
}

// Playback is the player's current position and rate.
type Playback struct {
	Position time.Duration
	Rate     float64
}

// EvictionPolicy decides which segments leave storage after a store.
type EvictionPolicy struct {
	Main      Windows
	Secondary Windows
}

// WindowsFor returns the windows of a stream type with defaults applied.
func (p EvictionPolicy) WindowsFor(t models.StreamType) Windows {
	w := p.Main
	if t == models.StreamTypeSecondary {
		w = p.Secondary
	}
	if w.HighDemandTimeWindow <= 0 {
		w.HighDemandTimeWindow = DefaultWindows.HighDemandTimeWindow
	}
	if w.HTTPDownloadTimeWindow <= 0 {
		w.HTTPDownloadTimeWindow = DefaultWindows.HTTPDownloadTimeWindow
	}
	return w
}

// Select returns the keys to evict from entries given the playback state,
// the memory limit (0 means unlimited) and the bytes currently used.
//
// Live segments that ended before position minus the high-demand window
// are always removed, as are live segments behind playback that were not
// read within the HTTP download window. While over budget, segments behind
// playback are removed in ascending start order, and after that the least
// recently accessed on-demand segments.
func (p EvictionPolicy) Select(entries []EntryInfo, pb Playback, now time.Time, limit, used int64) []models.SegmentKey {
	sorted := make([]EntryInfo, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Key.String() < sorted[j].Key.String()
	})

	removed := make(map[models.SegmentKey]bool)
	var evict []models.SegmentKey
	remove := func(e EntryInfo) {
		removed[e.Key] = true
		evict = append(evict, e.Key)
		used -= e.Size
	}
	overBudget := func() bool { return limit > 0 && used > limit }

	for _, e := range sorted {
		if !e.IsLive {
			continue
		}
		w := p.WindowsFor(e.StreamType)
		behind := e.End < pb.Position
		switch {
		case e.End < pb.Position-w.HighDemandTimeWindow:
			remove(e)
		case behind && now.Sub(e.LastAccessed) > w.HTTPDownloadTimeWindow:
			remove(e)
		}
	}

	for _, e := range sorted {
		if !overBudget() {
			break
		}
		if !removed[e.Key] && e.End < pb.Position {
			remove(e)
		}
	}

	if overBudget() {
		var lru []EntryInfo
		for _, e := range sorted {
			if !removed[e.Key] && !e.IsLive {
				lru = append(lru, e)
			}
		}
		sort.SliceStable(lru, func(i, j int) bool {
			return lru[i].LastAccessed.Before(lru[j].LastAccessed)
		})
		for _, e := range lru {
			if !overBudget() {
				break
			}
			remove(e)
		}
	}

	return evict
}
