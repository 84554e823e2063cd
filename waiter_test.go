// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler_test

import (
	"net"
	"syscall"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/sshtunneler"
)

type waiterSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&waiterSuite{})

// tcpPair returns the two ends of a connected loopback TCP connection.
func tcpPair(c *gc.C) (client, server net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = listener.Close() }()

	type accepted struct {
		conn net.Conn
		err  error
	}
	results := make(chan accepted, 1)
	go func() {
		conn, err := listener.Accept()
		results <- accepted{conn, err}
	}()
	client, err = net.Dial("tcp", listener.Addr().String())
	c.Assert(err, jc.ErrorIsNil)
	r := <-results
	c.Assert(r.err, jc.ErrorIsNil)
	return client, r.conn
}

func (s *waiterSuite) TestWriteReady(c *gc.C) {
	client, server := tcpPair(c)
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	transport, err := sshtunneler.WaitConn(client.(syscall.Conn))
	c.Assert(err, jc.ErrorIsNil)

	// A fresh connection has send buffer to spare.
	c.Assert(transport.WaitReady(false, true, time.Second), jc.ErrorIsNil)
}

func (s *waiterSuite) TestReadTimeoutIsNotAnError(c *gc.C) {
	client, server := tcpPair(c)
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	transport, err := sshtunneler.WaitConn(client.(syscall.Conn))
	c.Assert(err, jc.ErrorIsNil)

	// Nothing is pending, so the wait expires; expiry reports nil.
	c.Assert(transport.WaitReady(true, false, 10*time.Millisecond), jc.ErrorIsNil)
}

func (s *waiterSuite) TestReadReadyAfterPeerWrite(c *gc.C) {
	client, server := tcpPair(c)
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	transport, err := sshtunneler.WaitConn(client.(syscall.Conn))
	c.Assert(err, jc.ErrorIsNil)

	_, err = server.Write([]byte("x"))
	c.Assert(err, jc.ErrorIsNil)

	done := make(chan error, 1)
	go func() {
		done <- transport.WaitReady(true, false, longWait)
	}()
	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(longWait / 2):
		c.Fatalf("waiter did not wake for pending data")
	}
}

func (s *waiterSuite) TestClosedDescriptor(c *gc.C) {
	client, server := tcpPair(c)
	defer func() { _ = server.Close() }()

	transport, err := sshtunneler.WaitConn(client.(syscall.Conn))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(client.Close(), jc.ErrorIsNil)
	c.Assert(transport.WaitReady(true, false, time.Millisecond), gc.NotNil)
}
