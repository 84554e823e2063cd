// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"io"
	"net"
	"time"

	"github.com/juju/errors"
)

const (
	// chunkSize bounds every pump read.
	chunkSize = 1024

	// pollInterval bounds every transport readiness wait. Short enough
	// to keep multiplexing latency low, long enough not to busy-spin.
	pollInterval = time.Millisecond
)

// closeWriter is the optional half-close capability of TCP connections
// and of channels that can signal end of stream to their peer while
// still draining the other direction.
type closeWriter interface {
	CloseWrite() error
}

// pumpSocketToChannel copies bytes from the accepted local socket to
// the forward channel until the client stops sending or the stream
// fails. Zero byte reads with no error are spurious wakes and are
// retried; a closed socket is a clean end, since the pair itself is
// the only closer.
func pumpSocketToChannel(sock net.Conn, channel Channel, transport Transport, copied func(int)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			if werr := writeAll(channel, buf[:n], transport); werr != nil {
				return errors.WithType(werr, ErrStream)
			}
			logger.Tracef("%d bytes to channel", n)
			if copied != nil {
				copied(n)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			// Let the remote end drain what was already written.
			if cw, ok := channel.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			return nil
		default:
			return errors.WithType(err, ErrStream)
		}
	}
}

// pumpChannelToSocket copies bytes from the forward channel to the
// accepted local socket until the channel reaches end of stream or the
// stream fails. This is the multiplexed side: the channel's closed
// predicate is consulted before every read, and would-block signals
// retreat to a transport readiness wait before retrying.
func pumpChannelToSocket(channel Channel, sock net.Conn, transport Transport, copied func(int)) error {
	buf := make([]byte, chunkSize)
	for {
		if channel.Closed() {
			return nil
		}
		n, err := channel.Read(buf)
		if n > 0 {
			if werr := writeAll(sock, buf[:n], transport); werr != nil {
				return errors.WithType(werr, ErrStream)
			}
			logger.Tracef("%d bytes to socket", n)
			if copied != nil {
				copied(n)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			if werr := transport.WaitReady(true, false, pollInterval); werr != nil {
				return errors.WithType(werr, ErrStream)
			}
		case errors.Is(err, io.EOF):
			if cw, ok := sock.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			return nil
		default:
			return errors.WithType(err, ErrStream)
		}
	}
}

// writeAll delivers the whole buffer to w, retaining partial progress
// and waiting for transport writability after every would-block
// signal.
func writeAll(w io.Writer, buf []byte, transport Transport) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			if werr := transport.WaitReady(false, true, pollInterval); werr != nil {
				return errors.Trace(werr)
			}
		default:
			return errors.Trace(err)
		}
	}
	return nil
}
