// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"syscall"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// WaitConn adapts a file-descriptor-backed connection into a Transport
// whose WaitReady polls the descriptor. Session providers built on an
// ordinary net.Conn expose their transport this way.
func WaitConn(conn syscall.Conn) (Transport, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &pollTransport{raw: raw}, nil
}

type pollTransport struct {
	raw syscall.RawConn
}

// WaitReady implements Transport with poll(2). The descriptor is held
// open for the duration of the poll, so callers must keep timeouts
// short; the expected value is pollInterval.
func (t *pollTransport) WaitReady(read, write bool, timeout time.Duration) error {
	var events int16
	if read {
		events |= unix.POLLIN
	}
	if write {
		events |= unix.POLLOUT
	}
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	var pollErr error
	err := t.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		if _, err := unix.Poll(fds, ms); err != nil && err != unix.EINTR {
			pollErr = err
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(pollErr)
}
