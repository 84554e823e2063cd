// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessiontest

import (
	"context"
	"io"
	"sync"

	"github.com/juju/errors"

	"github.com/juju/sshtunneler"
)

// Provider is a stub SessionProvider handing a prepared session, or a
// prepared failure, to the tunnel under test.
type Provider struct {
	// Session is handed out on success.
	Session sshtunneler.Session

	// Err fails establishment when set.
	Err error

	// Hold, when non-nil, blocks establishment until it is closed or
	// the tunnel stops waiting. It keeps a tunnel observably in its
	// connecting phase.
	Hold <-chan struct{}

	mu    sync.Mutex
	calls int
}

// NewSession implements sshtunneler.SessionProvider.
func (p *Provider) NewSession(ctx context.Context) (sshtunneler.Session, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.Hold != nil {
		select {
		case <-p.Hold:
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Session, nil
}

// Calls reports how many times NewSession has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// EchoHandler serves a channel by writing back whatever arrives, then
// closing once the client side stops sending.
func EchoHandler(_ sshtunneler.HostPort, stream io.ReadWriteCloser) {
	defer func() { _ = stream.Close() }()
	_, _ = io.Copy(stream, stream)
}
