package engine

import (
	"sort"

	"github.com/jmylchreest/segswarm/internal/p2p"
	"github.com/jmylchreest/segswarm/internal/storage"
)

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	SessionID     string           `json:"session_id"`
	Streams       int              `json:"streams"`
	LiveRequests  int              `json:"live_requests"`
	Loads         map[Source]int64 `json:"loads"`
	Bytes         map[Source]int64 `json:"bytes"`
	Failures      int64            `json:"failures"`
	UploadedBytes int64            `json:"uploaded_bytes"`
	HTTPBandwidth float64          `json:"http_bandwidth"` // bytes per second, smoothed
	Storage       storage.Usage    `json:"storage"`
	Swarms        []SwarmStats     `json:"swarms"`
}

// SwarmStats describes the loader of one stream.
type SwarmStats struct {
	StreamID        string    `json:"stream_id"`
	State           p2p.State `json:"state"`
	Peers           int       `json:"peers"`
	Broadcasts      int64     `json:"broadcasts"`
	UploadedBytes   int64     `json:"uploaded_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
}

// Stats returns a snapshot of the session.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	streams := len(e.streams)
	e.mu.RUnlock()

	st := Stats{
		SessionID:    e.id,
		Streams:      streams,
		LiveRequests: e.coordinator.Len(),
		Loads:        make(map[Source]int64, 3),
		Bytes:        make(map[Source]int64, 3),
		Failures:     e.failures.Load(),
		Storage:      e.storage.Usage(),
	}
	for _, src := range []Source{SourceStorage, SourceHTTP, SourceP2P} {
		i := sourceIndex(src)
		st.Loads[src] = e.loads[i].Load()
		st.Bytes[src] = e.bytes[i].Load()
	}
	if bw, ok := e.http.(bandwidthSource); ok {
		st.HTTPBandwidth = bw.Bandwidth().BytesPerSecond()
	}

	if e.loaders != nil {
		for _, l := range e.loaders.Loaders() {
			id := l.Stream().ID
			st.Swarms = append(st.Swarms, SwarmStats{
				StreamID:        id,
				State:           e.loaders.State(id),
				Peers:           l.ConnectedPeerCount(),
				Broadcasts:      l.Broadcasts(),
				UploadedBytes:   l.UploadedBytes(),
				DownloadedBytes: l.DownloadedBytes(),
			})
			st.UploadedBytes += l.UploadedBytes()
		}
		sort.Slice(st.Swarms, func(i, j int) bool { return st.Swarms[i].StreamID < st.Swarms[j].StreamID })
	}
	return st
}
