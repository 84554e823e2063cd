// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sshtunneler forwards local TCP connections to targets that
// are reachable only from an intermediary host, multiplexing all
// forwarded traffic over a single authenticated session to that host.
//
// A Tunnel consumes forward targets from a request queue. For each one
// it binds an ephemeral loopback port, publishes the port on a result
// queue, accepts exactly one client connection there, opens a logical
// channel to the target over the shared session, and pumps bytes both
// ways until either side finishes. Many forwarded streams run
// concurrently over the one session; transports that cannot complete
// an operation signal would-block, and pumps retreat to a transport
// readiness wait before retrying, so no stream can starve the others.
//
// Session establishment is delegated to a SessionProvider, such as the
// one in the sshsession subpackage, which owns credentials, connect
// retries and timeouts. Establishment failure is the only fault that
// kills a tunnel; every per-request failure is contained and recorded.
package sshtunneler
