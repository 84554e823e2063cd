// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"context"
	"net"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("sshtunneler")

// Config holds a tunnel's collaborators and queues.
type Config struct {
	// Provider establishes the authenticated session and owns the
	// connect retry and timeout policy. Required.
	Provider SessionProvider

	// Requests carries forward targets in. Each entry is consumed
	// exactly once, in submission order. Required.
	Requests *Queue[HostPort]

	// Ports carries allocated listen ports out: exactly one per served
	// request, published before the corresponding accept can block.
	// Required.
	Ports *Queue[int]

	// NewListener binds the ephemeral listener for one request.
	// Defaults to listening on 127.0.0.1:0.
	NewListener func() (net.Listener, error)

	// Metrics records tunnel activity. A nil collector records
	// nothing.
	Metrics *Collector
}

// Validate returns an error if the tunnel cannot be started.
func (config Config) Validate() error {
	if config.Provider == nil {
		return errors.NotValidf("nil Provider")
	}
	if config.Requests == nil {
		return errors.NotValidf("nil Requests")
	}
	if config.Ports == nil {
		return errors.NotValidf("nil Ports")
	}
	return nil
}

// Tunnel forwards local TCP connections to targets reachable only from
// an intermediary host, multiplexing every forwarded stream over one
// authenticated session.
//
// A tunnel is a worker: it starts connecting as soon as it is created,
// signals Opened once the session is up, then serves forward requests
// until killed. Session establishment failure is fatal and surfaces
// through Wait; every later failure is contained to the request that
// caused it and is only recorded on LastError.
type Tunnel struct {
	catacomb catacomb.Catacomb
	config   Config

	opened   chan struct{}
	openOnce sync.Once

	mu      sync.Mutex
	lastErr error
}

// NewTunnel validates the configuration and starts a tunnel.
func NewTunnel(config Config) (*Tunnel, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.NewListener == nil {
		config.NewListener = func() (net.Listener, error) {
			return net.Listen("tcp", "127.0.0.1:0")
		}
	}
	t := &Tunnel{
		config: config,
		opened: make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: t.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *Tunnel) Kill() {
	t.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. It returns the fatal
// error that stopped the tunnel, if any; contained per-request
// failures are reported through LastError instead.
func (t *Tunnel) Wait() error {
	return t.catacomb.Wait()
}

// Opened returns a channel that is closed once the session is
// established. It never re-opens: a tunnel whose session is gone must
// be replaced, not restarted.
func (t *Tunnel) Opened() <-chan struct{} {
	return t.opened
}

// IsOpen reports whether the session has been established.
func (t *Tunnel) IsOpen() bool {
	select {
	case <-t.opened:
		return true
	default:
		return false
	}
}

// WaitOpen waits for the session to be established. If the tunnel dies
// first it fails with ErrTunnelDead wrapping the recorded failure,
// which is how a caller tells "failed" from "still connecting". It
// fails with ErrAborted once abort fires.
func (t *Tunnel) WaitOpen(abort <-chan struct{}) error {
	select {
	case <-t.opened:
		return nil
	default:
	}
	select {
	case <-t.opened:
		return nil
	case <-t.catacomb.Dying():
		if err := t.LastError(); err != nil {
			return errors.WithType(err, ErrTunnelDead)
		}
		return ErrTunnelDead
	case <-abort:
		return ErrAborted
	}
}

// LastError returns the most recently recorded failure, fatal or
// contained, or nil. Each new failure overwrites the slot.
func (t *Tunnel) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Cleanup kills the tunnel and blocks until the session and every
// socket opened on its behalf are closed. It is idempotent and safe to
// call from any goroutine, concurrently with the running tunnel and
// with other Cleanup calls.
func (t *Tunnel) Cleanup() error {
	t.catacomb.Kill(nil)
	if err := t.catacomb.Wait(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (t *Tunnel) loop() error {
	ctx, cancel := t.scopedContext()
	defer cancel()

	logger.Debugf("establishing session")
	session, err := t.config.Provider.NewSession(ctx)
	if err != nil {
		select {
		case <-t.catacomb.Dying():
			return t.catacomb.ErrDying()
		default:
		}
		err = errors.WithType(errors.Annotate(err, "establishing session"), ErrSessionEstablish)
		t.recordError(err)
		return err
	}
	defer func() { _ = session.Close() }()
	t.signalOpen()
	t.config.Metrics.sessionOpened()
	defer t.config.Metrics.sessionClosed()
	logger.Debugf("session established, serving forward requests")

	for {
		target, err := t.config.Requests.Pop(t.catacomb.Dying())
		if err != nil {
			return t.catacomb.ErrDying()
		}
		t.config.Metrics.requestReceived()
		logger.Debugf("forward request for %s", target)

		listener, err := t.config.NewListener()
		if err != nil {
			t.config.Metrics.pairFailed(reasonListen)
			t.recordError(errors.WithType(
				errors.Annotatef(err, "request for %s", target), ErrListenAllocation))
			continue
		}
		tcpAddr, ok := listener.Addr().(*net.TCPAddr)
		if !ok {
			_ = listener.Close()
			t.config.Metrics.pairFailed(reasonListen)
			t.recordError(errors.WithType(
				errors.Errorf("request for %s: listener address %q is not TCP", target, listener.Addr()),
				ErrListenAllocation))
			continue
		}
		// Publish the port strictly before the pair can accept, and in
		// request order.
		t.config.Ports.Push(tcpAddr.Port)

		pair, err := newForwardPair(pairConfig{
			session:  session,
			listener: listener,
			target:   target,
			metrics:  t.config.Metrics,
			record:   t.recordError,
		})
		if err != nil {
			_ = listener.Close()
			return errors.Trace(err)
		}
		if err := t.catacomb.Add(pair); err != nil {
			pair.Kill()
			_ = pair.Wait()
			return errors.Trace(err)
		}
	}
}

// recordError stores err in the last-error slot, overwriting whatever
// a previous failure left there.
func (t *Tunnel) recordError(err error) {
	if err == nil {
		return
	}
	logger.Errorf("%v", err)
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Tunnel) signalOpen() {
	t.openOnce.Do(func() {
		close(t.opened)
	})
}

func (t *Tunnel) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(t.catacomb.Context(context.Background()))
}
