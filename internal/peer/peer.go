// Package peer manages one swarm connection: the remote node's segment
// availability, at most one outbound segment download and the uploads
// requested by the remote side.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/segswarm/internal/bandwidth"
	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
	"github.com/jmylchreest/segswarm/internal/protocol"
	"github.com/jmylchreest/segswarm/internal/transport"
)

// Status is what a peer last announced about one segment.
type Status int

const (
	StatusUnknown Status = iota
	StatusHTTPLoading
	StatusLoaded
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusHTTPLoading:
		return "http-loading"
	case StatusLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Default peer settings.
const (
	DefaultDownloadTimeout = 5 * time.Second
	DefaultUploadChunkSize = 16 * 1024
	DefaultMaxSegmentSize  = 64 << 20
)

// Config holds per-peer transfer settings.
type Config struct {
	// DownloadTimeout bounds the wait for the next response (Data header,
	// payload chunk or Absent) of an outbound download.
	DownloadTimeout time.Duration
	// UploadChunkSize is the payload size of one raw message.
	UploadChunkSize int
	// MaxSegmentSize is the largest Data length accepted from the remote
	// side. Longer transfers fail with ErrProtocol.
	MaxSegmentSize int64
}

func (c Config) withDefaults() Config {
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.UploadChunkSize <= 0 {
		c.UploadChunkSize = DefaultUploadChunkSize
	}
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
	return c
}

// Handlers receive peer events. They run on the peer's reader goroutine
// and must not block.
type Handlers struct {
	OnSegmentRequest func(p *Peer, req protocol.Request)
	OnAnnouncement   func(p *Peer)
	OnClose          func(p *Peer)
}

// DownloadRequest describes one outbound segment download.
type DownloadRequest struct {
	SegmentID int64
	RequestID int64
	// ByteFrom resumes a partial transfer at this offset.
	ByteFrom int64
	// OnProgress, if set, is called with bytes received so far and the
	// announced total after every payload chunk.
	OnProgress func(received, total int64)
}

type downloadResult struct {
	data []byte
	err  error
}

// download is the state of the single outbound transfer.
type download struct {
	req      DownloadRequest
	expected int64 // -1 until the Data header arrives
	buf      []byte
	progress chan struct{}
	result   chan downloadResult
}

// upload is the state of the current inbound-requested transfer.
type upload struct {
	segmentID int64
	requestID int64
	cancel    context.CancelFunc
}

// Peer is one connection in a swarm.
type Peer struct {
	id       string
	conn     transport.Conn
	cfg      Config
	handlers Handlers
	logger   *slog.Logger
	speed    *bandwidth.Speed

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// uploadMu serializes payload writers so chunks of a superseded
	// upload never follow the Data header of the next one.
	uploadMu sync.Mutex

	mu          sync.Mutex
	loaded      map[int64]bool
	httpLoading map[int64]bool
	download    *download
	upload      *upload
	discard     int64
	closeOnce   sync.Once
}

// New wraps conn and starts the reader goroutine.
func New(id string, conn transport.Conn, cfg Config, handlers Handlers, logger *slog.Logger) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:          id,
		conn:        conn,
		cfg:         cfg.withDefaults(),
		handlers:    handlers,
		logger:      observability.WithPeer(observability.WithComponent(logger, "peer"), id),
		speed:       bandwidth.NewSpeed(bandwidth.DefaultSpeedWindow, nil),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		loaded:      make(map[int64]bool),
		httpLoading: make(map[int64]bool),
	}
	go p.readLoop()
	return p
}

// ID returns the remote peer id.
func (p *Peer) ID() string {
	return p.id
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// SegmentStatus returns the remote availability of a segment.
func (p *Peer) SegmentStatus(externalID int64) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.loaded[externalID]:
		return StatusLoaded
	case p.httpLoading[externalID]:
		return StatusHTTPLoading
	default:
		return StatusUnknown
	}
}

// IsDownloading reports whether an outbound download is in flight.
func (p *Peer) IsDownloading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.download != nil
}

// DownloadSpeed returns the recent receive rate in bytes per second.
func (p *Peer) DownloadSpeed() float64 {
	return p.speed.BytesPerSecond()
}

// Download requests a segment and waits for the full payload. A peer that
// stays silent for the configured timeout is treated as not having the
// segment: Cancel is sent and its status for the segment is reset.
func (p *Peer) Download(ctx context.Context, req DownloadRequest) ([]byte, error) {
	d := &download{
		req:      req,
		expected: -1,
		progress: make(chan struct{}, 1),
		result:   make(chan downloadResult, 1),
	}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil, models.ErrClosed
	default:
	}
	if p.download != nil {
		p.mu.Unlock()
		return nil, models.ErrPeerBusy
	}
	p.download = d
	p.mu.Unlock()

	err := p.send(ctx, protocol.Request{SegmentID: req.SegmentID, RequestID: req.RequestID, ByteFrom: req.ByteFrom})
	if err != nil {
		p.clearDownload(d)
		return nil, err
	}

	timer := time.NewTimer(p.cfg.DownloadTimeout)
	defer timer.Stop()

	for {
		select {
		case r := <-d.result:
			return r.data, r.err
		case <-d.progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.DownloadTimeout)
		case <-timer.C:
			if p.abandon(d) {
				p.forgetSegment(req.SegmentID)
				p.logger.Debug("peer download timed out", slog.Int64("segment_id", req.SegmentID))
				return nil, fmt.Errorf("peer %s segment %d: %w", p.id, req.SegmentID, models.ErrTimeout)
			}
		case <-ctx.Done():
			if p.abandon(d) {
				return nil, fmt.Errorf("%w: %w", models.ErrAborted, ctx.Err())
			}
		case <-p.done:
			p.clearDownload(d)
			return nil, models.ErrClosed
		}
	}
}

// abandon drops d and tells the remote side to stop. It returns false when
// d already completed, in which case the result is waiting on d.result.
func (p *Peer) abandon(d *download) bool {
	p.mu.Lock()
	if p.download != d {
		p.mu.Unlock()
		return false
	}
	p.download = nil
	if d.expected > int64(len(d.buf)) {
		p.discard = d.expected - int64(len(d.buf))
	}
	p.mu.Unlock()

	cancel := protocol.Cancel{SegmentID: d.req.SegmentID, RequestID: d.req.RequestID}
	ctx, stop := context.WithTimeout(p.ctx, time.Second)
	defer stop()
	if err := p.send(ctx, cancel); err != nil {
		p.logger.Debug("failed to send cancel", slog.String("error", err.Error()))
	}
	return true
}

func (p *Peer) clearDownload(d *download) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.download == d {
		p.download = nil
	}
}

// forgetSegment resets the remote status of a segment to unknown.
func (p *Peer) forgetSegment(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.loaded, id)
	delete(p.httpLoading, id)
}

// UploadSegmentData sends the Data header followed by payload chunks. An
// inbound Cancel for the same request, a newer upload or ctx stops it.
func (p *Peer) UploadSegmentData(ctx context.Context, segmentID, requestID int64, data []byte) error {
	uctx, cancel := context.WithCancel(ctx)
	defer cancel()
	u := &upload{segmentID: segmentID, requestID: requestID, cancel: cancel}

	p.mu.Lock()
	if p.upload != nil {
		p.upload.cancel()
	}
	p.upload = u
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.upload == u {
			p.upload = nil
		}
		p.mu.Unlock()
	}()

	p.uploadMu.Lock()
	defer p.uploadMu.Unlock()

	if err := uctx.Err(); err != nil {
		return fmt.Errorf("%w: upload superseded", models.ErrAborted)
	}
	header := protocol.Data{SegmentID: segmentID, RequestID: requestID, ByteLength: int64(len(data))}
	if err := p.send(uctx, header); err != nil {
		return err
	}

	for off := 0; off < len(data); off += p.cfg.UploadChunkSize {
		if err := uctx.Err(); err != nil {
			return fmt.Errorf("%w: upload of segment %d stopped", models.ErrAborted, segmentID)
		}
		end := min(off+p.cfg.UploadChunkSize, len(data))
		if err := p.conn.Send(uctx, data[off:end]); err != nil {
			if uctx.Err() != nil {
				return fmt.Errorf("%w: upload of segment %d stopped", models.ErrAborted, segmentID)
			}
			return fmt.Errorf("sending segment %d payload: %w", segmentID, err)
		}
	}
	return nil
}

// SendSegmentsAnnouncement tells the remote side what this node holds and
// what it is fetching over HTTP.
func (p *Peer) SendSegmentsAnnouncement(ctx context.Context, loaded, httpLoading []int64) error {
	return p.send(ctx, protocol.Announcement{Loaded: loaded, HTTPLoading: httpLoading})
}

// SendSegmentAbsent answers a request for a segment this node lacks.
func (p *Peer) SendSegmentAbsent(ctx context.Context, segmentID, requestID int64) error {
	return p.send(ctx, protocol.Absent{SegmentID: segmentID, RequestID: requestID})
}

func (p *Peer) send(ctx context.Context, cmd protocol.Command) error {
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := p.conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("sending %s to peer %s: %w", cmd.Type(), p.id, err)
	}
	return nil
}

// Close shuts the connection and fails any in-flight download.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.conn.Close()

		p.mu.Lock()
		d := p.download
		p.download = nil
		u := p.upload
		p.mu.Unlock()

		if d != nil {
			d.result <- downloadResult{err: models.ErrClosed}
		}
		if u != nil {
			u.cancel()
		}
		close(p.done)

		if p.handlers.OnClose != nil {
			p.handlers.OnClose(p)
		}
	})
	return err
}

func (p *Peer) readLoop() {
	defer p.Close()

	for {
		msg, err := p.conn.Receive(p.ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Debug("peer connection closed", slog.String("error", err.Error()))
			}
			return
		}

		if !protocol.IsCommandFrame(msg) {
			p.handlePayload(msg)
			continue
		}

		cmd, err := protocol.Decode(msg)
		if err != nil && p.acceptsPayload(len(msg)) {
			// Payload bytes that happen to be framed like a command.
			p.handlePayload(msg)
			continue
		}
		if err != nil {
			p.logger.Warn("corrupt frame from peer", slog.String("error", err.Error()))
			p.failDownload(nil, fmt.Errorf("%w: %w", models.ErrProtocol, err))
			continue
		}
		p.dispatch(cmd)
	}
}

func (p *Peer) dispatch(cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Announcement:
		p.mu.Lock()
		p.loaded = toSet(c.Loaded)
		p.httpLoading = toSet(c.HTTPLoading)
		p.mu.Unlock()
		if p.handlers.OnAnnouncement != nil {
			p.handlers.OnAnnouncement(p)
		}

	case protocol.Request:
		p.mu.Lock()
		if p.upload != nil {
			p.upload.cancel()
		}
		p.mu.Unlock()
		if p.handlers.OnSegmentRequest != nil {
			p.handlers.OnSegmentRequest(p, c)
		}

	case protocol.Data:
		p.handleData(c)

	case protocol.Absent:
		match := func(d *download) bool {
			return d.req.SegmentID == c.SegmentID && d.req.RequestID == c.RequestID
		}
		if p.failDownload(match, fmt.Errorf("peer %s segment %d: %w", p.id, c.SegmentID, models.ErrSegmentAbsent)) {
			p.forgetSegment(c.SegmentID)
		}

	case protocol.Cancel:
		p.mu.Lock()
		u := p.upload
		p.mu.Unlock()
		if u != nil && u.segmentID == c.SegmentID && u.requestID == c.RequestID {
			u.cancel()
		}
	}
}

func (p *Peer) handleData(c protocol.Data) {
	valid := c.ByteLength >= 0 && c.ByteLength <= p.cfg.MaxSegmentSize

	p.mu.Lock()
	d := p.download
	if d == nil || d.expected >= 0 || d.req.SegmentID != c.SegmentID || d.req.RequestID != c.RequestID {
		// Stale or unsolicited transfer: drop its payload too.
		p.discard = 0
		if valid {
			p.discard = c.ByteLength
		}
		p.mu.Unlock()
		return
	}
	p.discard = 0
	if !valid {
		p.download = nil
		p.mu.Unlock()
		p.logger.Warn("peer announced oversized segment",
			slog.Int64("segment_id", c.SegmentID),
			slog.Int64("byte_length", c.ByteLength))
		d.result <- downloadResult{err: fmt.Errorf("%w: segment %d length %d outside [0, %d]",
			models.ErrProtocol, c.SegmentID, c.ByteLength, p.cfg.MaxSegmentSize)}
		return
	}
	d.expected = c.ByteLength
	// Grown by append; the header alone never sizes the allocation.
	d.buf = make([]byte, 0, min(c.ByteLength, int64(p.cfg.UploadChunkSize)))
	complete := c.ByteLength == 0
	if complete {
		p.download = nil
	}
	p.mu.Unlock()

	p.signalProgress(d)
	if complete {
		d.result <- downloadResult{data: d.buf}
	}
}

func (p *Peer) handlePayload(chunk []byte) {
	p.mu.Lock()
	if p.discard > 0 {
		p.discard -= int64(len(chunk))
		if p.discard < 0 {
			p.discard = 0
		}
		p.mu.Unlock()
		return
	}
	d := p.download
	if d == nil || d.expected < 0 {
		p.mu.Unlock()
		return
	}
	if int64(len(d.buf)+len(chunk)) > d.expected {
		p.download = nil
		p.mu.Unlock()
		d.result <- downloadResult{err: fmt.Errorf("%w: payload exceeds announced length", models.ErrProtocol)}
		return
	}
	d.buf = append(d.buf, chunk...)
	received, total := int64(len(d.buf)), d.expected
	complete := received == total
	if complete {
		p.download = nil
	}
	p.mu.Unlock()

	p.speed.Add(uint64(len(chunk)))
	p.signalProgress(d)
	if d.req.OnProgress != nil {
		d.req.OnProgress(received, total)
	}
	if complete {
		d.result <- downloadResult{data: d.buf}
	}
}

// acceptsPayload reports whether n more payload bytes fit the transfer in
// progress or the stale payload being discarded.
func (p *Peer) acceptsPayload(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discard >= int64(n) {
		return true
	}
	d := p.download
	return d != nil && d.expected >= 0 && int64(len(d.buf)+n) <= d.expected
}

// failDownload fails the in-flight download when match accepts it (nil
// matches any) and reports whether it did.
func (p *Peer) failDownload(match func(*download) bool, err error) bool {
	p.mu.Lock()
	d := p.download
	if d == nil || (match != nil && !match(d)) {
		p.mu.Unlock()
		return false
	}
	p.download = nil
	p.mu.Unlock()

	d.result <- downloadResult{err: err}
	return true
}

func (p *Peer) signalProgress(d *download) {
	select {
	case d.progress <- struct{}{}:
	default:
	}
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
