// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"context"
	"io"
	"time"
)

// Channel is one logical forwarded stream multiplexed over a Session.
// It is owned exclusively by one forwarding pair and is closed exactly
// once when that pair finishes.
//
// Read and Write may return ErrWouldBlock when the shared transport
// cannot make progress; Write may additionally report partial progress
// alongside ErrWouldBlock. A zero byte Read with a nil error is a
// spurious wake, not end of stream; end of stream is io.EOF. All
// methods must be safe for concurrent use by the pair's two pumps and
// its closer.
type Channel interface {
	io.ReadWriteCloser

	// Closed reports whether the channel has reached end of stream,
	// whether by local close or by the peer. The channel-reading pump
	// consults it before every read.
	Closed() bool
}

// Session is the single authenticated, channel-multiplexing connection
// to the intermediary host. A session is owned exclusively by one
// tunnel; every channel derives from it and none may outlive it.
//
// Implementations must be safe for concurrent channel I/O across
// forwarding pairs. Implementations driving a non-blocking transport
// obtain that guarantee by returning the session wrapped with
// Serialized.
type Session interface {
	// OpenChannel opens a forwarded stream to target, presenting
	// origin as the connection source. It may return ErrWouldBlock,
	// in which case the caller waits for transport readiness and
	// retries.
	OpenChannel(target, origin HostPort) (Channel, error)

	// Transport exposes readiness waiting on the session's underlying
	// transport descriptor.
	Transport() Transport

	// Close tears down the session and every channel derived from it,
	// failing any in-flight reads and writes. It is idempotent.
	Close() error
}

// Transport suspends a caller until the session's underlying transport
// is ready for I/O. It is the single point where forwarding tasks
// yield to each other after a would-block signal.
type Transport interface {
	// WaitReady returns once the transport is ready for the requested
	// direction(s) or the timeout elapses. Timeout expiry is not an
	// error; the caller simply re-attempts its operation. Errors are
	// reserved for a dead descriptor.
	WaitReady(read, write bool, timeout time.Duration) error
}

// SessionProvider produces the authenticated session a tunnel runs on.
// The provider owns the connect retry and timeout policy; the tunnel
// only surfaces its failure.
type SessionProvider interface {
	// NewSession establishes a session, honouring the provider's
	// configured retries and timeouts. The context is cancelled when
	// the tunnel is killed.
	NewSession(ctx context.Context) (Session, error)
}
