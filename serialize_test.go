// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler_test

import (
	"io"
	"sync"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sshtunneler"
)

type serializeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&serializeSuite{})

// gateSession hands out gate channels and records what it was asked
// to open.
type gateSession struct {
	channel sshtunneler.Channel

	mu      sync.Mutex
	targets []sshtunneler.HostPort
	closed  bool
}

func (s *gateSession) OpenChannel(target, origin sshtunneler.HostPort) (sshtunneler.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	return s.channel, nil
}

func (s *gateSession) Transport() sshtunneler.Transport {
	return stubTransport{}
}

func (s *gateSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type stubTransport struct{}

func (stubTransport) WaitReady(read, write bool, timeout time.Duration) error {
	return nil
}

// gateChannel blocks its first Read until released, so a test can
// observe what the serialization lock holds out in the meantime.
type gateChannel struct {
	readStarted chan struct{}
	readRelease chan struct{}
}

func newGateChannel() *gateChannel {
	return &gateChannel{
		readStarted: make(chan struct{}),
		readRelease: make(chan struct{}),
	}
}

func (ch *gateChannel) Read(p []byte) (int, error) {
	close(ch.readStarted)
	<-ch.readRelease
	return 0, io.EOF
}

func (ch *gateChannel) Write(p []byte) (int, error) {
	return len(p), nil
}

func (ch *gateChannel) Close() error {
	return nil
}

func (ch *gateChannel) Closed() bool {
	return false
}

func (s *serializeSuite) TestChannelsShareOneLock(c *gc.C) {
	gate := newGateChannel()
	session := sshtunneler.Serialized(&gateSession{channel: gate})

	target := sshtunneler.HostPort{Host: "10.0.0.7", Port: 80}
	origin := sshtunneler.HostPort{Host: "127.0.0.1", Port: 5555}
	first, err := session.OpenChannel(target, origin)
	c.Assert(err, jc.ErrorIsNil)
	second, err := session.OpenChannel(target, origin)
	c.Assert(err, jc.ErrorIsNil)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = first.Read(make([]byte, 1))
	}()
	select {
	case <-gate.readStarted:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for read to start")
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		_, _ = second.Write([]byte("x"))
	}()
	select {
	case <-writeDone:
		c.Fatalf("write proceeded while a read held the session lock")
	case <-time.After(shortWait):
	}

	close(gate.readRelease)
	select {
	case <-writeDone:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for held write")
	}
	select {
	case <-readDone:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for read to finish")
	}
}

func (s *serializeSuite) TestTransportIsNotGuarded(c *gc.C) {
	gate := newGateChannel()
	session := sshtunneler.Serialized(&gateSession{channel: gate})

	ch, err := session.OpenChannel(sshtunneler.HostPort{Host: "h", Port: 1}, sshtunneler.HostPort{Host: "o", Port: 2})
	c.Assert(err, jc.ErrorIsNil)

	go func() {
		_, _ = ch.Read(make([]byte, 1))
	}()
	select {
	case <-gate.readStarted:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for read to start")
	}

	// A pump waiting for readiness must not be shut out by another
	// pump's in-flight operation.
	waited := make(chan error, 1)
	go func() {
		waited <- session.Transport().WaitReady(true, true, time.Millisecond)
	}()
	select {
	case err := <-waited:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(longWait):
		c.Fatalf("transport wait blocked behind the session lock")
	}

	close(gate.readRelease)
}

type closeWriteChannel struct {
	gateChannel

	mu     sync.Mutex
	closes int
}

func (ch *closeWriteChannel) CloseWrite() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes++
	return nil
}

func (s *serializeSuite) TestCloseWriteForwarded(c *gc.C) {
	inner := &closeWriteChannel{gateChannel: *newGateChannel()}
	session := sshtunneler.Serialized(&gateSession{channel: inner})

	ch, err := session.OpenChannel(sshtunneler.HostPort{Host: "h", Port: 1}, sshtunneler.HostPort{Host: "o", Port: 2})
	c.Assert(err, jc.ErrorIsNil)

	cw, ok := ch.(interface{ CloseWrite() error })
	c.Assert(ok, jc.IsTrue)
	c.Assert(cw.CloseWrite(), jc.ErrorIsNil)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	c.Check(inner.closes, gc.Equals, 1)
}

func (s *serializeSuite) TestCloseWriteWithoutCapability(c *gc.C) {
	gate := newGateChannel()
	session := sshtunneler.Serialized(&gateSession{channel: gate})

	ch, err := session.OpenChannel(sshtunneler.HostPort{Host: "h", Port: 1}, sshtunneler.HostPort{Host: "o", Port: 2})
	c.Assert(err, jc.ErrorIsNil)

	cw, ok := ch.(interface{ CloseWrite() error })
	c.Assert(ok, jc.IsTrue)
	c.Assert(cw.CloseWrite(), jc.ErrorIsNil)
}
