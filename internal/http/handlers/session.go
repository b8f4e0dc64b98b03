package handlers

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/segswarm/internal/engine"
	"github.com/jmylchreest/segswarm/internal/models"
)

// Session is the part of an engine session the API exposes.
type Session interface {
	Stats() engine.Stats
	Streams() []*models.Stream
	ActiveStreams() map[models.StreamType]string
	Load(ctx context.Context, streamID, localID string) ([]byte, error)
	SetPlayback(position time.Duration, rate float64)
}

// SessionHandler serves session statistics, the stream list and segment
// bytes to a local player.
type SessionHandler struct {
	session Session
}

// NewSessionHandler creates a handler for session.
func NewSessionHandler(session Session) *SessionHandler {
	return &SessionHandler{session: session}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Session statistics",
		Description: "Loads and bytes per source, storage usage and per-stream swarm state",
		Tags:        []string{"Session"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      "GET",
		Path:        "/api/v1/streams",
		Summary:     "List streams",
		Tags:        []string{"Session"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "getSegment",
		Method:      "GET",
		Path:        "/api/v1/segment",
		Summary:     "Load a segment",
		Description: "Returns segment bytes from storage, a peer or the origin",
		Tags:        []string{"Session"},
	}, h.GetSegment)

	huma.Register(api, huma.Operation{
		OperationID: "setPlayback",
		Method:      "PUT",
		Path:        "/api/v1/playback",
		Summary:     "Update playback position",
		Tags:        []string{"Session"},
	}, h.SetPlayback)
}

// StatsInput is the input for GetStats.
type StatsInput struct{}

// StatsOutput is the output for GetStats.
type StatsOutput struct {
	Body StatsResponse
}

// GetStats returns a snapshot of the session.
func (h *SessionHandler) GetStats(context.Context, *StatsInput) (*StatsOutput, error) {
	st := h.session.Stats()
	return &StatsOutput{Body: StatsResponse{
		Stats: st,
		StorageHuman: StorageHuman{
			Used:     humanize.IBytes(uint64(max(st.Storage.Used, 0))),
			Capacity: humanize.IBytes(uint64(max(st.Storage.Capacity, 0))),
		},
	}}, nil
}

// ListStreamsInput is the input for ListStreams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for ListStreams.
type ListStreamsOutput struct {
	Body struct {
		Streams []StreamResponse `json:"streams"`
	}
}

// ListStreams returns the registered streams sorted by id.
func (h *SessionHandler) ListStreams(context.Context, *ListStreamsInput) (*ListStreamsOutput, error) {
	active := h.session.ActiveStreams()
	out := &ListStreamsOutput{}
	out.Body.Streams = []StreamResponse{}
	for _, s := range h.session.Streams() {
		out.Body.Streams = append(out.Body.Streams, StreamResponse{
			ID:          s.ID,
			Type:        string(s.Type),
			Index:       s.Index,
			ManifestURL: s.ManifestURL,
			IsLive:      s.IsLive,
			Segments:    s.Len(),
			Active:      active[s.Type] == s.ID,
		})
	}
	sort.Slice(out.Body.Streams, func(i, j int) bool { return out.Body.Streams[i].ID < out.Body.Streams[j].ID })
	return out, nil
}

// GetSegmentInput is the input for GetSegment.
type GetSegmentInput struct {
	Stream  string `query:"stream" required:"true" doc:"Stream id"`
	Segment string `query:"segment" required:"true" doc:"Segment local id"`
}

// GetSegmentOutput is the output for GetSegment.
type GetSegmentOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// GetSegment loads a segment through the engine.
func (h *SessionHandler) GetSegment(ctx context.Context, input *GetSegmentInput) (*GetSegmentOutput, error) {
	data, err := h.session.Load(ctx, input.Stream, input.Segment)
	if err != nil {
		return nil, loadErrorStatus(err)
	}
	return &GetSegmentOutput{
		ContentType: "application/octet-stream",
		Body:        data,
	}, nil
}

// SetPlaybackInput is the input for SetPlayback.
type SetPlaybackInput struct {
	Body struct {
		PositionSeconds float64 `json:"position_seconds" doc:"Playhead position in seconds"`
		Rate            float64 `json:"rate,omitempty" minimum:"0" default:"1" doc:"Playback rate"`
	}
}

// SetPlaybackOutput is the output for SetPlayback.
type SetPlaybackOutput struct{}

// SetPlayback moves the playhead used for eviction and scheduling.
func (h *SessionHandler) SetPlayback(_ context.Context, input *SetPlaybackInput) (*SetPlaybackOutput, error) {
	rate := input.Body.Rate
	if rate <= 0 {
		rate = 1
	}
	position := time.Duration(input.Body.PositionSeconds * float64(time.Second))
	h.session.SetPlayback(position, rate)
	return &SetPlaybackOutput{}, nil
}

// loadErrorStatus maps a failed load to an API error.
func loadErrorStatus(err error) error {
	switch {
	case errors.Is(err, models.ErrStreamNotFound), errors.Is(err, models.ErrSegmentNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, models.ErrClosed):
		return huma.Error503ServiceUnavailable("session closed", err)
	}

	var le *models.LoadError
	if errors.As(err, &le) {
		switch le.Reason {
		case models.ReasonTimeout:
			return huma.Error504GatewayTimeout("segment load timed out", err)
		case models.ReasonAborted:
			return huma.Error503ServiceUnavailable("segment load aborted", err)
		}
	}
	return huma.Error502BadGateway("segment unavailable", err)
}
