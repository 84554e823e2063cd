// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessiontest

import (
	"bytes"
	"io"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/sshtunneler"
)

// flowBuffer is one direction of an in-memory channel: a windowed byte
// queue whose operations never block. Producers and consumers
// coordinate through would-block results and transport pulses.
type flowBuffer struct {
	transport *signalTransport
	window    int

	mu   sync.Mutex
	data bytes.Buffer
	eof  bool  // no further writes; readers drain and then see io.EOF
	err  error // injected fault; all I/O fails
}

func newFlowBuffer(transport *signalTransport, window int) *flowBuffer {
	return &flowBuffer{transport: transport, window: window}
}

func (b *flowBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	if b.data.Len() == 0 {
		if b.eof {
			return 0, io.EOF
		}
		return 0, sshtunneler.ErrWouldBlock
	}
	n, _ := b.data.Read(p)
	b.transport.pulse()
	return n, nil
}

func (b *flowBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	if b.eof {
		return 0, errors.New("write on closed stream")
	}
	room := b.window - b.data.Len()
	if room <= 0 {
		return 0, sshtunneler.ErrWouldBlock
	}
	if len(p) > room {
		b.data.Write(p[:room])
		b.transport.pulse()
		return room, sshtunneler.ErrWouldBlock
	}
	b.data.Write(p)
	b.transport.pulse()
	return len(p), nil
}

// closeWrite half-closes the buffer: no further writes are accepted,
// and readers see io.EOF once the buffered bytes are drained.
func (b *flowBuffer) closeWrite() {
	b.mu.Lock()
	b.eof = true
	b.mu.Unlock()
	b.transport.pulse()
}

// breakWith fails all further I/O with err, keeping the first fault.
func (b *flowBuffer) breakWith(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.transport.pulse()
}

// Channel is the tunnel-facing side of an in-memory channel.
type Channel struct {
	config Config

	in  *flowBuffer // remote to client
	out *flowBuffer // client to remote

	mu         sync.Mutex
	spurious   int
	closed     bool
	eof        bool
	closeCount int
}

// newChannelPair returns the two halves of a channel: the tunnel-facing
// Channel and the blocking stream the session handler serves.
func newChannelPair(config Config, transport *signalTransport) (*Channel, io.ReadWriteCloser) {
	in := newFlowBuffer(transport, config.WindowSize)
	out := newFlowBuffer(transport, config.WindowSize)
	ch := &Channel{config: config, in: in, out: out}
	return ch, &serverStream{transport: transport, in: out, out: in}
}

// Read implements sshtunneler.Channel.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("read on closed channel")
	}
	if c.spurious < c.config.SpuriousReads {
		c.spurious++
		c.mu.Unlock()
		return 0, nil
	}
	c.mu.Unlock()
	n, err := c.in.read(p)
	if errors.Is(err, io.EOF) {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
	}
	return n, err
}

// Write implements sshtunneler.Channel.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("write on closed channel")
	}
	c.mu.Unlock()
	return c.out.write(p)
}

// Close implements sshtunneler.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCount++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.out.closeWrite()
	c.in.closeWrite()
	return nil
}

// Closed implements sshtunneler.Channel. End of stream counts as
// closed only once a read has observed it, the same way a live
// channel behaves.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.eof
}

// CloseWrite half-closes the outgoing direction, the way the pump does
// when the local client stops sending.
func (c *Channel) CloseWrite() error {
	c.out.closeWrite()
	return nil
}

// CloseCount reports how many times Close has been called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *Channel) breakWith(err error) {
	c.in.breakWith(err)
	c.out.breakWith(err)
}

// serverStream is the remote half of a channel: the plain blocking
// stream a target service would see.
type serverStream struct {
	transport *signalTransport
	in        *flowBuffer // client to remote
	out       *flowBuffer // remote to client
}

// Read blocks until bytes, end of stream or a fault arrive.
func (s *serverStream) Read(p []byte) (int, error) {
	for {
		// Snapshot the wakeup before checking the buffer, so a write
		// landing in between cannot be missed.
		wake, err := s.transport.current()
		if err != nil {
			return 0, err
		}
		n, rerr := s.in.read(p)
		if !errors.Is(rerr, sshtunneler.ErrWouldBlock) {
			return n, rerr
		}
		<-wake
	}
}

// Write blocks until the whole buffer is delivered, the stream ends,
// or a fault arrives.
func (s *serverStream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		wake, err := s.transport.current()
		if err != nil {
			return written, err
		}
		n, werr := s.out.write(p[written:])
		written += n
		switch {
		case werr == nil:
		case errors.Is(werr, sshtunneler.ErrWouldBlock):
			<-wake
		default:
			return written, werr
		}
	}
	return written, nil
}

// Close ends both directions.
func (s *serverStream) Close() error {
	s.out.closeWrite()
	s.in.closeWrite()
	return nil
}
