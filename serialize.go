// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"sync"
)

// Serialized wraps a session so that every I/O call against it, or
// against any channel derived from it, holds a single lock. Readiness
// waits never hold the lock: a pump that hits would-block releases it,
// waits on the transport, and retries, so concurrent pairs interleave
// at operation granularity without corrupting multiplexed framing.
//
// Sessions that already serialize internally do not need the wrapper;
// wrapping twice is harmless.
func Serialized(session Session) Session {
	return &serializedSession{session: session}
}

type serializedSession struct {
	mu      sync.Mutex
	session Session
}

// OpenChannel implements Session.
func (s *serializedSession) OpenChannel(target, origin HostPort) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.session.OpenChannel(target, origin)
	if err != nil {
		return nil, err
	}
	return &serializedChannel{mu: &s.mu, channel: ch}, nil
}

// Transport implements Session. The transport is deliberately not
// guarded: waiting for readiness must not block other pairs' I/O.
func (s *serializedSession) Transport() Transport {
	return s.session.Transport()
}

// Close implements Session.
func (s *serializedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Close()
}

type serializedChannel struct {
	mu      *sync.Mutex
	channel Channel
}

// Read implements Channel.
func (c *serializedChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Read(p)
}

// Write implements Channel.
func (c *serializedChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Write(p)
}

// Close implements Channel.
func (c *serializedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Close()
}

// Closed implements Channel.
func (c *serializedChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Closed()
}

// CloseWrite forwards the optional half-close to the wrapped channel,
// under the lock. Channels without the capability treat it as a no-op.
func (c *serializedChannel) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cw, ok := c.channel.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
