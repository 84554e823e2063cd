// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"github.com/juju/errors"
)

const (
	// ErrWouldBlock reports that a session read, write or channel open
	// cannot make progress right now and should be retried once the
	// transport is ready. It is control flow, never a failure: pumps
	// catch it and wait for transport readiness instead of surfacing it.
	ErrWouldBlock = errors.ConstError("would block")

	// ErrSessionEstablish reports that the session provider could not
	// produce an authenticated session. Fatal to the whole tunnel: the
	// open latch never signals and the request loop never starts.
	ErrSessionEstablish = errors.ConstError("cannot establish session")

	// ErrListenAllocation reports that a local listen port could not be
	// bound for one forward request. The request is dropped and the
	// tunnel keeps serving.
	ErrListenAllocation = errors.ConstError("cannot allocate listen port")

	// ErrAccept reports that a forwarding pair's listener failed before
	// a client connected. Local to that pair.
	ErrAccept = errors.ConstError("cannot accept client connection")

	// ErrChannelOpen reports a non-transient failure opening a forward
	// channel. Local to that pair.
	ErrChannelOpen = errors.ConstError("cannot open forward channel")

	// ErrStream reports a read or write failure on an established
	// forwarding stream. It ends the owning pump; the pair closes both
	// of its resources once the sibling pump has also finished.
	ErrStream = errors.ConstError("forwarding stream failed")

	// ErrAborted reports that a blocking wait was abandoned because the
	// caller's abort channel fired first.
	ErrAborted = errors.ConstError("wait aborted")

	// ErrTunnelDead reports that the tunnel terminated before the
	// awaited condition was reached.
	ErrTunnelDead = errors.ConstError("tunnel is no longer alive")
)
