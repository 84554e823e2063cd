// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"net"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// pairConfig holds the resources a forwarding pair serves one request
// with. The session is shared with every other pair on the tunnel; the
// listener is the pair's own, bound and published by the tunnel before
// the pair starts.
type pairConfig struct {
	session  Session
	listener net.Listener
	target   HostPort
	metrics  *Collector
	record   func(error)
}

// forwardPair serves exactly one forward request: it accepts one
// client on its listener, opens a channel to the target and pumps
// bytes both ways until the stream ends. Its failures are recorded on
// the tunnel but never propagate: the pair always dies quietly so one
// bad request cannot bring the tunnel down.
type forwardPair struct {
	catacomb catacomb.Catacomb
	config   pairConfig

	mu       sync.Mutex
	killed   bool
	listener net.Listener
	conn     net.Conn
	channel  Channel
}

func newForwardPair(config pairConfig) (*forwardPair, error) {
	p := &forwardPair{
		config:   config,
		listener: config.listener,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &p.catacomb,
		Work: p.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *forwardPair) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *forwardPair) Wait() error {
	return p.catacomb.Wait()
}

func (p *forwardPair) loop() error {
	p.config.metrics.pairStarted()
	defer p.config.metrics.pairFinished()

	stop := make(chan struct{})
	defer close(stop)
	go p.unblockOnKill(stop)

	defer p.closeListener()

	listener := p.config.listener
	logger.Debugf("listening on %s for forward to %s", listener.Addr(), p.config.target)

	conn, err := listener.Accept()
	if err != nil {
		if p.dying() {
			return nil
		}
		p.fail(reasonAccept, errors.WithType(err, ErrAccept))
		return nil
	}
	if !p.setConn(conn) {
		return nil
	}
	// Exactly one client per request.
	p.closeListener()

	channel, err := p.openChannel(conn)
	if err != nil {
		p.closeConn()
		if p.dying() {
			return nil
		}
		p.fail(reasonChannelOpen, errors.WithType(err, ErrChannelOpen))
		return nil
	}
	if !p.setChannel(channel) {
		return nil
	}
	logger.Debugf("forwarding %s to %s", conn.RemoteAddr(), p.config.target)

	transport := p.config.session.Transport()
	done := make(chan error, 2)
	go func() {
		done <- pumpSocketToChannel(conn, channel, transport, func(n int) {
			p.config.metrics.bytesForwarded(directionOut, n)
		})
	}()
	go func() {
		done <- pumpChannelToSocket(channel, conn, transport, func(n int) {
			p.config.metrics.bytesForwarded(directionIn, n)
		})
	}()
	var streamErr error
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && streamErr == nil {
			streamErr = err
			// Unblock the sibling pump.
			p.closeChannel()
			p.closeConn()
		}
	}

	// Both pumps are done: close the channel, then the socket, in that
	// order, whatever happened above.
	p.closeChannel()
	p.closeConn()

	if streamErr != nil && !p.dying() {
		p.fail(reasonStream, streamErr)
	}
	logger.Debugf("forward to %s finished", p.config.target)
	return nil
}

// openChannel opens the forward channel, retrying for as long as the
// session signals would-block and the pair is alive.
func (p *forwardPair) openChannel(conn net.Conn) (Channel, error) {
	origin := originAddr(conn)
	transport := p.config.session.Transport()
	for {
		channel, err := p.config.session.OpenChannel(p.config.target, origin)
		if err == nil {
			return channel, nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return nil, errors.Trace(err)
		}
		if p.dying() {
			return nil, ErrTunnelDead
		}
		if werr := transport.WaitReady(true, true, pollInterval); werr != nil {
			return nil, errors.Trace(werr)
		}
	}
}

// unblockOnKill forces the pair's blocking accept and stream I/O to
// fail once the pair is killed, so the loop can finish.
func (p *forwardPair) unblockOnKill(stop <-chan struct{}) {
	select {
	case <-p.catacomb.Dying():
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		p.closeChannel()
		p.closeConn()
		p.closeListener()
	case <-stop:
	}
}

func (p *forwardPair) fail(reason string, err error) {
	p.config.metrics.pairFailed(reason)
	p.config.record(err)
}

func (p *forwardPair) dying() bool {
	select {
	case <-p.catacomb.Dying():
		return true
	default:
		return false
	}
}

// setConn registers the accepted connection for closing. It reports
// false, closing the connection, if the pair was killed first.
func (p *forwardPair) setConn(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		_ = conn.Close()
		return false
	}
	p.conn = conn
	return true
}

// setChannel registers the opened channel for closing. It reports
// false, closing the channel, if the pair was killed first.
func (p *forwardPair) setChannel(channel Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		_ = channel.Close()
		return false
	}
	p.channel = channel
	return true
}

func (p *forwardPair) closeListener() {
	p.mu.Lock()
	listener := p.listener
	p.listener = nil
	p.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
}

func (p *forwardPair) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *forwardPair) closeChannel() {
	p.mu.Lock()
	channel := p.channel
	p.channel = nil
	p.mu.Unlock()
	if channel != nil {
		_ = channel.Close()
	}
}

// originAddr is the accepted client's address, presented to the remote
// end as the channel origin.
func originAddr(conn net.Conn) HostPort {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return HostPort{Host: addr.IP.String(), Port: addr.Port}
	}
	return HostPort{Host: "127.0.0.1"}
}
