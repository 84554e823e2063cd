// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshsession

import (
	"io"
	"net"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/juju/sshtunneler"
)

// directTCPIPPayload is the "direct-tcpip" channel open payload from
// RFC 4254 section 7.2.
type directTCPIPPayload struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

// session adapts an established ssh.Conn to sshtunneler.Session. The
// mux already serializes concurrent channel traffic, so sessions are
// handed out bare, without a Serialized wrapper.
type session struct {
	conn      ssh.Conn
	transport sshtunneler.Transport

	mu     sync.Mutex
	closed bool
}

// OpenChannel implements sshtunneler.Session.
func (s *session) OpenChannel(target, origin sshtunneler.HostPort) (sshtunneler.Channel, error) {
	payload := directTCPIPPayload{
		DestHost:   target.Host,
		DestPort:   uint32(target.Port),
		OriginHost: origin.Host,
		OriginPort: uint32(origin.Port),
	}
	ch, reqs, err := s.conn.OpenChannel("direct-tcpip", ssh.Marshal(&payload))
	if err != nil {
		return nil, errors.Annotatef(err, "opening channel to %s", target)
	}
	go ssh.DiscardRequests(reqs)
	return &channel{ch: ch}, nil
}

// Transport implements sshtunneler.Session.
func (s *session) Transport() sshtunneler.Transport {
	return s.transport
}

// Close implements sshtunneler.Session. Closing also closes every
// channel multiplexed over the connection.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Trace(err)
	}
	return nil
}

// channel adapts ssh.Channel to sshtunneler.Channel. The mux flow
// controls internally, so reads and writes block rather than report
// would-block results.
type channel struct {
	ch ssh.Channel

	mu     sync.Mutex
	closed bool
	eof    bool
}

// Read implements sshtunneler.Channel.
func (c *channel) Read(p []byte) (int, error) {
	n, err := c.ch.Read(p)
	if errors.Is(err, io.EOF) {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
	}
	return n, err
}

// Write implements sshtunneler.Channel.
func (c *channel) Write(p []byte) (int, error) {
	return c.ch.Write(p)
}

// Close implements sshtunneler.Channel.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	// The mux reports io.EOF when the remote end closed first.
	err := c.ch.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Trace(err)
	}
	return nil
}

// Closed implements sshtunneler.Channel.
func (c *channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.eof
}

// CloseWrite sends EOF to the remote end while leaving the read side
// open.
func (c *channel) CloseWrite() error {
	return errors.Trace(c.ch.CloseWrite())
}
