// Package requests deduplicates concurrent loads of the same segment and
// tracks which transport is serving each one.
package requests

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/segswarm/internal/models"
	"github.com/jmylchreest/segswarm/internal/observability"
)

// Transport names the channel currently serving a request.
type Transport string

const (
	TransportNone Transport = ""
	TransportHTTP Transport = "http"
	TransportP2P  Transport = "p2p"
)

// Request is one pending segment load shared by every caller that asked
// for the same segment while it was in flight.
type Request struct {
	Key     models.SegmentKey
	Segment models.Segment
	Created time.Time

	c    *Coordinator
	done chan struct{}

	// Guarded by c.mu.
	waiters   int
	finished  bool
	transport Transport
	cancel    context.CancelFunc
	data      []byte
	err       error
}

// Done is closed once the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Transport returns the transport currently attached.
func (r *Request) Transport() Transport {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return r.transport
}

// Wait registers a waiter and blocks until the request completes or ctx
// ends. The last waiter leaving an unfinished request aborts it.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	r.c.mu.Lock()
	if r.finished {
		data, err := r.data, r.err
		r.c.mu.Unlock()
		return data, err
	}
	r.waiters++
	r.c.mu.Unlock()

	select {
	case <-r.done:
		r.c.mu.Lock()
		defer r.c.mu.Unlock()
		return r.data, r.err
	case <-ctx.Done():
	}

	r.c.mu.Lock()
	r.waiters--
	last := r.waiters == 0 && !r.finished
	r.c.mu.Unlock()

	if last {
		r.c.abortRequest(r)
	}
	return nil, fmt.Errorf("%w: %w", models.ErrAborted, ctx.Err())
}

// Coordinator owns the set of live requests.
type Coordinator struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	live     map[models.SegmentKey]*Request
	onChange []func(streamID string)
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: observability.WithComponent(logger, "requests"),
		now:    time.Now,
		live:   make(map[models.SegmentKey]*Request),
	}
}

// OnChange registers fn to be called with a stream id whenever the set of
// HTTP-loading requests of that stream changes.
func (c *Coordinator) OnChange(fn func(streamID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// GetOrCreate returns the live request for key, creating it if needed.
func (c *Coordinator) GetOrCreate(key models.SegmentKey, segment models.Segment) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.live[key]; ok {
		return r, false
	}
	r := &Request{
		Key:     key,
		Segment: segment,
		Created: c.now(),
		c:       c,
		done:    make(chan struct{}),
	}
	c.live[key] = r
	return r, true
}

// Get returns the live request for key.
func (c *Coordinator) Get(key models.SegmentKey) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.live[key]
	return r, ok
}

// Len returns the number of live requests.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// AttachTransport records the transport serving key and its abort handle.
// A previously attached subscription is cancelled.
func (c *Coordinator) AttachTransport(key models.SegmentKey, transport Transport, cancel context.CancelFunc) error {
	c.mu.Lock()
	r, ok := c.live[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("attaching %s to %s: %w", transport, key, models.ErrSegmentNotFound)
	}
	prevCancel := r.cancel
	changed := (r.transport == TransportHTTP) != (transport == TransportHTTP)
	r.transport = transport
	r.cancel = cancel
	hooks := c.hooksLocked(changed)
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	fire(hooks, key.StreamID)
	return nil
}

// DetachTransport clears the transport of key if it is still the one
// attached. The abort handle is not called.
func (c *Coordinator) DetachTransport(key models.SegmentKey, transport Transport) {
	c.mu.Lock()
	r, ok := c.live[key]
	if !ok || r.transport != transport {
		c.mu.Unlock()
		return
	}
	changed := transport == TransportHTTP
	r.transport = TransportNone
	r.cancel = nil
	hooks := c.hooksLocked(changed)
	c.mu.Unlock()

	fire(hooks, key.StreamID)
}

// CompleteSuccess resolves key with data. It reports whether a live
// request was completed.
func (c *Coordinator) CompleteSuccess(key models.SegmentKey, data []byte) bool {
	return c.complete(key, data, nil)
}

// CompleteFailure resolves key with err.
func (c *Coordinator) CompleteFailure(key models.SegmentKey, err error) bool {
	return c.complete(key, nil, err)
}

// Abort cancels the attached transport and resolves key with ErrAborted.
func (c *Coordinator) Abort(key models.SegmentKey) bool {
	c.mu.Lock()
	r, ok := c.live[key]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("abort of unknown request", slog.String("segment", key.String()))
		return false
	}
	return c.abortRequest(r)
}

func (c *Coordinator) abortRequest(r *Request) bool {
	c.mu.Lock()
	if c.live[r.Key] != r {
		c.mu.Unlock()
		return false
	}
	cancel := r.cancel
	hooks := c.finishLocked(r, nil, models.ErrAborted)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	fire(hooks, r.Key.StreamID)
	return true
}

func (c *Coordinator) complete(key models.SegmentKey, data []byte, err error) bool {
	c.mu.Lock()
	r, ok := c.live[key]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("completion of unknown request", slog.String("segment", key.String()))
		return false
	}
	hooks := c.finishLocked(r, data, err)
	c.mu.Unlock()

	fire(hooks, key.StreamID)
	return true
}

// finishLocked resolves r, removes it from the live set and returns the
// change hooks to fire once the lock is released.
func (c *Coordinator) finishLocked(r *Request, data []byte, err error) []func(string) {
	delete(c.live, r.Key)
	r.finished = true
	r.data = data
	r.err = err
	wasHTTP := r.transport == TransportHTTP
	r.transport = TransportNone
	r.cancel = nil
	close(r.done)
	return c.hooksLocked(wasHTTP)
}

func (c *Coordinator) hooksLocked(changed bool) []func(string) {
	if !changed || len(c.onChange) == 0 {
		return nil
	}
	return append([]func(string){}, c.onChange...)
}

func fire(hooks []func(string), streamID string) {
	for _, fn := range hooks {
		fn(streamID)
	}
}

// LoadingIDs returns the sorted external ids of the stream's requests
// currently served by transport.
func (c *Coordinator) LoadingIDs(streamID string, transport Transport) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []int64
	for key, r := range c.live {
		if key.StreamID == streamID && r.transport == transport {
			ids = append(ids, key.ExternalID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AbortStream aborts every live request of a stream.
func (c *Coordinator) AbortStream(streamID string) {
	c.mu.Lock()
	var pending []*Request
	for key, r := range c.live {
		if key.StreamID == streamID {
			pending = append(pending, r)
		}
	}
	c.mu.Unlock()

	for _, r := range pending {
		c.abortRequest(r)
	}
}

// AbortAll aborts every live request.
func (c *Coordinator) AbortAll() {
	c.mu.Lock()
	pending := make([]*Request, 0, len(c.live))
	for _, r := range c.live {
		pending = append(pending, r)
	}
	c.mu.Unlock()

	for _, r := range pending {
		c.abortRequest(r)
	}
}
