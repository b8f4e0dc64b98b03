package peer

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/protocol"
	"github.com/jmylchreest/segswarm/internal/transport"
)

// remote drives the far end of a pipe with raw frames.
type remote struct {
	t    *testing.T
	conn transport.Conn
}

func (r *remote) send(cmd protocol.Command) {
	r.t.Helper()
	frame, err := protocol.Encode(cmd)
	require.NoError(r.t, err)
	require.NoError(r.t, r.conn.Send(context.Background(), frame))
}

func (r *remote) sendRaw(b []byte) {
	r.t.Helper()
	require.NoError(r.t, r.conn.Send(context.Background(), b))
}

func (r *remote) receive() []byte {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := r.conn.Receive(ctx)
	require.NoError(r.t, err)
	return msg
}

func (r *remote) receiveCommand() protocol.Command {
	r.t.Helper()
	cmd, err := protocol.Decode(r.receive())
	require.NoError(r.t, err)
	return cmd
}

func newTestPeer(t *testing.T, cfg Config, handlers Handlers) (*Peer, *remote) {
	t.Helper()
	local, far := transport.Pipe("local", "remote")
	p := New("remote-peer", local, cfg, handlers, nil)
	t.Cleanup(func() { _ = p.Close() })
	return p, &remote{t: t, conn: far}
}

func TestPeer_AnnouncementReplacesStatus(t *testing.T) {
	announced := make(chan struct{}, 4)
	p, r := newTestPeer(t, Config{}, Handlers{
		OnAnnouncement: func(*Peer) { announced <- struct{}{} },
	})

	r.send(protocol.Announcement{Loaded: []int64{1, 2}, HTTPLoading: []int64{3}})
	<-announced
	assert.Equal(t, StatusLoaded, p.SegmentStatus(1))
	assert.Equal(t, StatusLoaded, p.SegmentStatus(2))
	assert.Equal(t, StatusHTTPLoading, p.SegmentStatus(3))
	assert.Equal(t, StatusUnknown, p.SegmentStatus(4))

	r.send(protocol.Announcement{Loaded: []int64{3}})
	<-announced
	assert.Equal(t, StatusUnknown, p.SegmentStatus(1))
	assert.Equal(t, StatusLoaded, p.SegmentStatus(3))
}

func TestPeer_DownloadReceivesChunkedPayload(t *testing.T) {
	p, r := newTestPeer(t, Config{}, Handlers{})
	payload := bytes.Repeat([]byte("segment-"), 100)

	var progress []int64
	var mu sync.Mutex
	go func() {
		req, ok := r.receiveCommand().(protocol.Request)
		if !assert.True(t, ok) {
			return
		}
		r.send(protocol.Data{SegmentID: req.SegmentID, RequestID: req.RequestID, ByteLength: int64(len(payload))})
		for off := 0; off < len(payload); off += 300 {
			r.sendRaw(payload[off:min(off+300, len(payload))])
		}
	}()

	got, err := p.Download(context.Background(), DownloadRequest{
		SegmentID: 7,
		RequestID: 1,
		OnProgress: func(received, total int64) {
			mu.Lock()
			progress = append(progress, received)
			mu.Unlock()
			assert.Equal(t, int64(len(payload)), total)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.False(t, p.IsDownloading())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{300, 600, 800}, progress)
	assert.Greater(t, p.DownloadSpeed(), 0.0)
}

func TestPeer_DownloadIsExclusive(t *testing.T) {
	p, r := newTestPeer(t, Config{DownloadTimeout: time.Second}, Handlers{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 1, RequestID: 1})
		done <- err
	}()
	<-started
	r.receiveCommand()

	_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 2, RequestID: 2})
	assert.ErrorIs(t, err, models.ErrPeerBusy)

	r.send(protocol.Absent{SegmentID: 1, RequestID: 1})
	assert.ErrorIs(t, <-done, models.ErrSegmentAbsent)
}

func TestPeer_DownloadTimeoutActsAsAbsent(t *testing.T) {
	announced := make(chan struct{}, 1)
	p, r := newTestPeer(t, Config{DownloadTimeout: 50 * time.Millisecond}, Handlers{
		OnAnnouncement: func(*Peer) { announced <- struct{}{} },
	})
	r.send(protocol.Announcement{Loaded: []int64{9}})
	<-announced
	require.Equal(t, StatusLoaded, p.SegmentStatus(9))

	_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 9, RequestID: 4})
	require.ErrorIs(t, err, models.ErrTimeout)

	assert.Equal(t, protocol.Request{SegmentID: 9, RequestID: 4}, r.receiveCommand())
	assert.Equal(t, protocol.Cancel{SegmentID: 9, RequestID: 4}, r.receiveCommand())
	assert.Equal(t, StatusUnknown, p.SegmentStatus(9))
	assert.False(t, p.IsDownloading())
}

func TestPeer_DownloadContextCancelSendsCancel(t *testing.T) {
	p, r := newTestPeer(t, Config{DownloadTimeout: time.Minute}, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	halfway := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := p.Download(ctx, DownloadRequest{
			SegmentID:  3,
			RequestID:  8,
			OnProgress: func(int64, int64) { close(halfway) },
		})
		done <- err
	}()

	r.receiveCommand()
	r.send(protocol.Data{SegmentID: 3, RequestID: 8, ByteLength: 10})
	r.sendRaw([]byte("01234"))
	<-halfway
	cancel()

	err := <-done
	assert.ErrorIs(t, err, models.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, protocol.Cancel{SegmentID: 3, RequestID: 8}, r.receiveCommand())

	// The rest of the cancelled payload is discarded, not mistaken for the
	// next transfer.
	go func() {
		r.receiveCommand()
		r.sendRaw([]byte("56789"))
		r.send(protocol.Data{SegmentID: 4, RequestID: 9, ByteLength: 3})
		r.sendRaw([]byte("new"))
	}()
	got, err := p.Download(context.Background(), DownloadRequest{SegmentID: 4, RequestID: 9})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestPeer_UnmatchedDataIsDiscarded(t *testing.T) {
	p, r := newTestPeer(t, Config{}, Handlers{})

	go func() {
		r.receiveCommand()
		// Stale transfer for an older request id.
		r.send(protocol.Data{SegmentID: 5, RequestID: 1, ByteLength: 4})
		r.sendRaw([]byte("old!"))
		r.send(protocol.Data{SegmentID: 5, RequestID: 2, ByteLength: 4})
		r.sendRaw([]byte("new!"))
	}()

	got, err := p.Download(context.Background(), DownloadRequest{SegmentID: 5, RequestID: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("new!"), got)
}

func TestPeer_CorruptFrameFailsDownloadButKeepsConnection(t *testing.T) {
	announced := make(chan struct{}, 1)
	p, r := newTestPeer(t, Config{}, Handlers{
		OnAnnouncement: func(*Peer) { announced <- struct{}{} },
	})

	go func() {
		r.receiveCommand()
		r.sendRaw([]byte("cstr\x09garbagecend"))
	}()
	_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 1, RequestID: 1})
	require.ErrorIs(t, err, models.ErrProtocol)

	r.send(protocol.Announcement{Loaded: []int64{1}})
	select {
	case <-announced:
	case <-time.After(time.Second):
		t.Fatal("connection stopped after corrupt frame")
	}
	assert.Equal(t, StatusLoaded, p.SegmentStatus(1))
}

func TestPeer_OversizedDataFailsDownloadButKeepsConnection(t *testing.T) {
	p, r := newTestPeer(t, Config{MaxSegmentSize: 1024}, Handlers{})

	for _, length := range []int64{1 << 62, 1025, -1} {
		go func() {
			req, ok := r.receiveCommand().(protocol.Request)
			if !assert.True(t, ok) {
				return
			}
			r.send(protocol.Data{SegmentID: req.SegmentID, RequestID: req.RequestID, ByteLength: length})
			r.sendRaw([]byte("junk"))
		}()
		_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 1, RequestID: 1})
		require.ErrorIs(t, err, models.ErrProtocol, "length %d", length)
		assert.False(t, p.IsDownloading())
	}

	go func() {
		req, ok := r.receiveCommand().(protocol.Request)
		if !assert.True(t, ok) {
			return
		}
		r.send(protocol.Data{SegmentID: req.SegmentID, RequestID: req.RequestID, ByteLength: 4})
		r.sendRaw([]byte("okay"))
	}()
	got, err := p.Download(context.Background(), DownloadRequest{SegmentID: 2, RequestID: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("okay"), got)
	assert.Equal(t, StatusUnknown, p.SegmentStatus(2))
}

func TestPeer_FrameLikePayloadIsData(t *testing.T) {
	p, r := newTestPeer(t, Config{}, Handlers{})
	chunk := []byte("cstr\x09not-a-commandcend")

	go func() {
		req, ok := r.receiveCommand().(protocol.Request)
		if !assert.True(t, ok) {
			return
		}
		r.send(protocol.Data{SegmentID: req.SegmentID, RequestID: req.RequestID, ByteLength: int64(len(chunk))})
		r.sendRaw(chunk)
	}()

	require.True(t, protocol.IsCommandFrame(chunk))
	got, err := p.Download(context.Background(), DownloadRequest{SegmentID: 3, RequestID: 1})
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestPeer_ZeroLengthSegment(t *testing.T) {
	p, r := newTestPeer(t, Config{}, Handlers{})
	go func() {
		r.receiveCommand()
		r.send(protocol.Data{SegmentID: 1, RequestID: 1, ByteLength: 0})
	}()
	got, err := p.Download(context.Background(), DownloadRequest{SegmentID: 1, RequestID: 1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPeer_UploadSendsHeaderThenChunks(t *testing.T) {
	p, r := newTestPeer(t, Config{UploadChunkSize: 4}, Handlers{})

	require.NoError(t, p.UploadSegmentData(context.Background(), 2, 6, []byte("0123456789")))

	assert.Equal(t, protocol.Data{SegmentID: 2, RequestID: 6, ByteLength: 10}, r.receiveCommand())
	assert.Equal(t, []byte("0123"), r.receive())
	assert.Equal(t, []byte("4567"), r.receive())
	assert.Equal(t, []byte("89"), r.receive())
}

func TestPeer_InboundRequestAndCancelStopUpload(t *testing.T) {
	var requests atomic.Int32
	p, r := newTestPeer(t, Config{UploadChunkSize: 1}, Handlers{
		OnSegmentRequest: func(_ *Peer, req protocol.Request) {
			requests.Add(1)
			assert.Equal(t, int64(11), req.SegmentID)
		},
	})

	// A pipe holds a bounded number of messages, so a large upload blocks
	// until the remote side reads or cancels.
	data := bytes.Repeat([]byte{1}, 1000)
	done := make(chan error, 1)
	go func() {
		done <- p.UploadSegmentData(context.Background(), 11, 1, data)
	}()

	assert.Equal(t, protocol.Data{SegmentID: 11, RequestID: 1, ByteLength: 1000}, r.receiveCommand())
	r.send(protocol.Request{SegmentID: 11, RequestID: 1})
	r.send(protocol.Cancel{SegmentID: 11, RequestID: 1})

	// Drain so the uploader observes the cancellation.
	go func() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			_, err := r.conn.Receive(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not stop")
	}
	assert.Equal(t, int32(1), requests.Load())
}

func TestPeer_SendHelpers(t *testing.T) {
	p, r := newTestPeer(t, Config{}, Handlers{})
	ctx := context.Background()

	require.NoError(t, p.SendSegmentsAnnouncement(ctx, []int64{1, 2}, []int64{3}))
	require.NoError(t, p.SendSegmentAbsent(ctx, 4, 5))

	assert.Equal(t, protocol.Announcement{Loaded: []int64{1, 2}, HTTPLoading: []int64{3}}, r.receiveCommand())
	assert.Equal(t, protocol.Absent{SegmentID: 4, RequestID: 5}, r.receiveCommand())
}

func TestPeer_CloseFailsDownloadAndNotifies(t *testing.T) {
	closed := make(chan struct{})
	p, r := newTestPeer(t, Config{DownloadTimeout: time.Minute}, Handlers{
		OnClose: func(*Peer) { close(closed) },
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 1, RequestID: 1})
		done <- err
	}()
	r.receiveCommand()

	require.NoError(t, r.conn.Close())
	assert.ErrorIs(t, <-done, models.ErrClosed)
	<-closed
	<-p.Done()

	_, err := p.Download(context.Background(), DownloadRequest{SegmentID: 2, RequestID: 2})
	assert.ErrorIs(t, err, models.ErrClosed)
}
