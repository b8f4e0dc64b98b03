// Package transport provides the ordered, reliable, message-based
// connections peers exchange commands and segment payload over.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is one bidirectional peer connection. Messages arrive whole and in
// the order they were sent. Send may be called concurrently; Receive is
// called by a single reader.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// pipeBuffer is the number of in-flight messages per direction.
const pipeBuffer = 64

// pipeEnd is one side of an in-memory connection pair.
type pipeEnd struct {
	name string
	in   <-chan []byte
	out  chan<- []byte

	// closing is shared by both ends.
	closing *pipeState
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// Pipe returns two connected in-memory ends. Closing either end closes
// both.
func Pipe(nameA, nameB string) (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	a := &pipeEnd{name: nameB, in: ba, out: ab, closing: state}
	b := &pipeEnd{name: nameA, in: ab, out: ba, closing: state}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	cp := make([]byte, len(msg))
	copy(cp, msg)

	select {
	case <-p.closing.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- cp:
		return nil
	case <-p.closing.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	// Drain what was sent before a close so ordering holds up to the end.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closing.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closing.once.Do(func() { close(p.closing.done) })
	return nil
}

// RemoteAddr returns the name given to the other end.
func (p *pipeEnd) RemoteAddr() string {
	return p.name
}
