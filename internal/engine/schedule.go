package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/p2p"
	"github.com/jmylchreest/segswarm/internal/requests"
)

// run resolves one coordinator request. Transports are tried one at a
// time so a segment is never fetched twice concurrently.
func (e *Engine) run(req *requests.Request, stream *models.Stream) {
	key, seg := req.Key, req.Segment
	logger := e.logger.With(slog.String("segment", key.String()))

	loader := e.loader(stream)
	urgent, untilPlay := e.urgency(stream, seg)

	if loader != nil && loader.IsSegmentLoadedBySomeone(seg.ExternalID) {
		data, err := e.fetchP2P(req, loader, urgent, untilPlay)
		if err == nil {
			e.finish(req, stream, SourceP2P, data)
			return
		}
		if finished(req) {
			return
		}
		logger.Debug("p2p load failed, falling back to http", slog.Any("error", err))
	}

	data, err := e.fetchHTTP(req)
	if err != nil {
		if finished(req) {
			return
		}
		e.failures.Add(1)
		logger.Warn("segment load failed", slog.Any("error", err))
		e.coordinator.CompleteFailure(key, err)
		return
	}
	e.finish(req, stream, SourceHTTP, data)
}

func finished(req *requests.Request) bool {
	select {
	case <-req.Done():
		return true
	default:
		return false
	}
}

// loader returns the stream's P2P loader, creating it on demand. Swarm
// failures disable P2P for this load only.
func (e *Engine) loader(stream *models.Stream) *p2p.Loader {
	if e.loaders == nil {
		return nil
	}
	l, err := e.loaders.Loader(stream)
	if err != nil {
		e.logger.Debug("p2p unavailable for stream",
			slog.String("stream_id", stream.ID),
			slog.Any("error", err))
		return nil
	}
	return l
}

// urgency reports whether the segment plays within the stream type's HTTP
// download window, and the wall time left before it plays.
func (e *Engine) urgency(stream *models.Stream, seg models.Segment) (bool, time.Duration) {
	e.mu.RLock()
	pb := e.playback
	e.mu.RUnlock()

	ahead := seg.StartTime - pb.Position
	if pb.Rate > 0 {
		ahead = time.Duration(float64(ahead) / pb.Rate)
	}
	window := e.cfg.Windows.WindowsFor(stream.Type).HTTPDownloadTimeWindow
	return ahead < window, ahead
}

// fetchP2P downloads from the swarm. Urgent segments do not queue for a
// P2P slot and get at most half the time left before they play.
func (e *Engine) fetchP2P(req *requests.Request, loader *p2p.Loader, urgent bool, untilPlay time.Duration) ([]byte, error) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	if urgent {
		if untilPlay <= 0 {
			return nil, fmt.Errorf("%w: segment already due", models.ErrNotAvailable)
		}
		if !e.p2pSlots.TryAcquire(1) {
			return nil, fmt.Errorf("%w: no free p2p slot", models.ErrNotAvailable)
		}
		var budgetCancel context.CancelFunc
		ctx, budgetCancel = context.WithTimeout(ctx, untilPlay/2)
		defer budgetCancel()
	} else if err := e.acquire(ctx, req, e.p2pSlots); err != nil {
		return nil, err
	}
	defer e.p2pSlots.Release(1)

	if err := e.coordinator.AttachTransport(req.Key, requests.TransportP2P, cancel); err != nil {
		return nil, err
	}
	defer e.coordinator.DetachTransport(req.Key, requests.TransportP2P)
	return loader.Download(ctx, req.Segment)
}

func (e *Engine) fetchHTTP(req *requests.Request) ([]byte, error) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	if err := e.acquire(ctx, req, e.httpSlots); err != nil {
		return nil, err
	}
	defer e.httpSlots.Release(1)

	if err := e.coordinator.AttachTransport(req.Key, requests.TransportHTTP, cancel); err != nil {
		return nil, err
	}
	defer e.coordinator.DetachTransport(req.Key, requests.TransportHTTP)

	data, err := e.http.Fetch(ctx, req.Segment, nil)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	return data, nil
}

// acquire waits for a download slot, giving up when the request finishes
// or the engine is destroyed.
func (e *Engine) acquire(ctx context.Context, req *requests.Request, slots *semaphore.Weighted) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-req.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	if err := slots.Acquire(waitCtx, 1); err != nil {
		return fmt.Errorf("%w: waiting for a download slot: %w", models.ErrAborted, err)
	}
	return nil
}

// finish stores the bytes and resolves the request. A storage failure is
// logged and the bytes are still handed to the waiters.
func (e *Engine) finish(req *requests.Request, stream *models.Stream, source Source, data []byte) {
	if err := e.storage.StoreSegment(e.ctx, stream, req.Segment, data); err != nil {
		e.logger.Warn("failed to store segment",
			slog.String("segment", req.Key.String()),
			slog.Any("error", err))
	}
	if e.coordinator.CompleteSuccess(req.Key, data) {
		e.record(source, len(data))
	}
}

func classifyHTTPError(err error) error {
	if errors.Is(err, models.ErrAborted) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	return fmt.Errorf("http: %w", err)
}
