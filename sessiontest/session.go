// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sessiontest provides an in-memory session implementation
// with a fully non-blocking transport: reads and writes signal
// would-block whenever a small flow window is empty or full, channel
// opens can be made to would-block or fail, and faults can be injected
// mid-stream. Tunnel and pump tests use it to drive the readiness
// retry discipline deterministically, without a real SSH connection.
package sessiontest

import (
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/sshtunneler"
)

// DefaultWindow is the per-direction flow window used when Config
// leaves WindowSize zero. It is deliberately smaller than the pump
// chunk size so that bulk transfers exercise partial writes.
const DefaultWindow = 512

// Config configures a test session.
type Config struct {
	// Handler serves the remote end of every opened channel, in its
	// own goroutine. Required.
	Handler func(target sshtunneler.HostPort, stream io.ReadWriteCloser)

	// WindowSize caps the bytes buffered per direction before writes
	// report would-block. Defaults to DefaultWindow.
	WindowSize int

	// OpenWouldBlock makes the first N channel opens signal
	// would-block before one is allowed to proceed.
	OpenWouldBlock int

	// OpenError fails every channel open once the would-block opens
	// are spent.
	OpenError error

	// SpuriousReads makes the first N reads on each channel return
	// zero bytes with a nil error.
	SpuriousReads int

	// Clock times readiness waits. Defaults to the wall clock.
	Clock clock.Clock
}

// Open records one channel opened on a session.
type Open struct {
	Target  sshtunneler.HostPort
	Origin  sshtunneler.HostPort
	Channel *Channel
}

// Session is an in-memory sshtunneler.Session. It carries its own
// locking, so it is safe bare across concurrent forwarding pairs, and
// an extra sshtunneler.Serialized wrapper does not harm it.
type Session struct {
	config    Config
	transport *signalTransport

	mu         sync.Mutex
	closed     bool
	closeCount int
	wouldBlock int
	opens      []Open
}

// New returns an unconnected test session. The returned session is
// handed to the tunnel through a stub provider.
func New(config Config) *Session {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultWindow
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	return &Session{
		config:    config,
		transport: newSignalTransport(config.Clock),
	}
}

// OpenChannel implements sshtunneler.Session.
func (s *Session) OpenChannel(target, origin sshtunneler.HostPort) (sshtunneler.Channel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session is closed")
	}
	if s.wouldBlock < s.config.OpenWouldBlock {
		s.wouldBlock++
		s.mu.Unlock()
		return nil, sshtunneler.ErrWouldBlock
	}
	if s.config.OpenError != nil {
		s.mu.Unlock()
		return nil, s.config.OpenError
	}
	ch, stream := newChannelPair(s.config, s.transport)
	s.opens = append(s.opens, Open{Target: target, Origin: origin, Channel: ch})
	s.mu.Unlock()

	go s.config.Handler(target, stream)
	return ch, nil
}

// Transport implements sshtunneler.Session.
func (s *Session) Transport() sshtunneler.Transport {
	return s.transport
}

// Close implements sshtunneler.Session. Every channel's pending and
// future I/O fails, without counting as a channel close.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opens := append([]Open(nil), s.opens...)
	s.mu.Unlock()

	for _, open := range opens {
		open.Channel.breakWith(errors.New("session torn down"))
	}
	s.transport.shutdown()
	return nil
}

// Break fails all currently open channels with err, as a lost
// intermediary connection would. The session itself stays usable so
// later requests can still be served.
func (s *Session) Break(err error) {
	s.mu.Lock()
	opens := append([]Open(nil), s.opens...)
	s.mu.Unlock()
	for _, open := range opens {
		open.Channel.breakWith(err)
	}
}

// Opens returns every channel opened so far, oldest first.
func (s *Session) Opens() []Open {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Open(nil), s.opens...)
}

// CloseCount reports how many times Close has been called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// signalTransport wakes readiness waiters whenever any channel buffer
// changes state. Timeout expiry returns nil, as the tunnel's waiter
// contract requires.
type signalTransport struct {
	clock clock.Clock

	mu     sync.Mutex
	wake   chan struct{}
	closed bool
}

func newSignalTransport(clk clock.Clock) *signalTransport {
	return &signalTransport{
		clock: clk,
		wake:  make(chan struct{}),
	}
}

// WaitReady implements sshtunneler.Transport.
func (t *signalTransport) WaitReady(read, write bool, timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport is closed")
	}
	wake := t.wake
	t.mu.Unlock()

	select {
	case <-wake:
	case <-t.clock.After(timeout):
	}
	return nil
}

// pulse wakes every waiter.
func (t *signalTransport) pulse() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	close(t.wake)
	t.wake = make(chan struct{})
}

// current returns the wakeup channel the next pulse will close. The
// server half of each channel snapshots it before checking a buffer,
// blocking where a real remote peer would.
func (t *signalTransport) current() (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport is closed")
	}
	return t.wake, nil
}

func (t *signalTransport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.wake)
}
