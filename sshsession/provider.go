// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sshsession provides an sshtunneler.SessionProvider backed by
// a real SSH connection to an intermediary host. A single negotiated
// connection carries every forwarded pair as a direct-tcpip channel.
package sshsession

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"golang.org/x/crypto/ssh"

	"github.com/juju/sshtunneler"
)

var logger = loggo.GetLogger("sshtunneler.session")

const (
	defaultPort       = 22
	defaultRetries    = 3
	defaultRetryDelay = 5 * time.Second
)

// Dialer creates the raw transport connection to the intermediary
// host. net.Dialer satisfies it.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Config holds the location of the intermediary host and the
// credentials used to authenticate against it.
type Config struct {
	// Host is the intermediary host to connect to.
	Host string

	// Port is the SSH port on the intermediary. Defaults to 22.
	Port int

	// User is the name to authenticate as.
	User string

	// Password authenticates with a password. At most one of
	// Password, Key and PrivateKey may be set.
	Password string

	// Key authenticates with an in-memory signer.
	Key ssh.Signer

	// PrivateKey authenticates with a PEM encoded private key.
	PrivateKey []byte

	// UseAgent additionally offers any keys held by the agent
	// named by SSH_AUTH_SOCK.
	UseAgent bool

	// HostKeys verifies the intermediary's host key. Defaults to
	// accepting any key, which is only suitable for tests.
	HostKeys ssh.HostKeyCallback

	// ConnectTimeout bounds a single connection attempt. Zero
	// means no limit.
	ConnectTimeout time.Duration

	// Retries is the number of connection attempts made before
	// giving up. Defaults to 3.
	Retries int

	// RetryDelay is the pause between attempts. Defaults to 5s.
	RetryDelay time.Duration

	// Dialer makes the raw connection. Defaults to a plain
	// net.Dialer honouring ConnectTimeout.
	Dialer Dialer

	// Clock times the retry pauses. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate returns an error if the configuration cannot name exactly
// one way to authenticate against a host.
func (config Config) Validate() error {
	if config.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if config.User == "" {
		return errors.NotValidf("empty User")
	}
	if config.Port < 0 || config.Port > 65535 {
		return errors.NotValidf("port %d", config.Port)
	}
	credentials := 0
	if config.Password != "" {
		credentials++
	}
	if config.Key != nil {
		credentials++
	}
	if len(config.PrivateKey) > 0 {
		credentials++
	}
	if credentials > 1 {
		return errors.NotValidf("multiple credentials")
	}
	if credentials == 0 && !config.UseAgent {
		return errors.NotValidf("no credentials")
	}
	return nil
}

// Provider establishes authenticated sessions on demand. It
// implements sshtunneler.SessionProvider.
type Provider struct {
	config Config
}

// NewProvider returns a Provider for the given configuration.
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Retries <= 0 {
		config.Retries = defaultRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.HostKeys == nil {
		config.HostKeys = ssh.InsecureIgnoreHostKey()
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{Timeout: config.ConnectTimeout}
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	return &Provider{config: config}, nil
}

// NewSession implements sshtunneler.SessionProvider. It dials the
// intermediary, retrying failed attempts, and negotiates an SSH
// connection over the result.
func (p *Provider) NewSession(ctx context.Context) (sshtunneler.Session, error) {
	methods, err := authMethods(p.config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	clientConfig := &ssh.ClientConfig{
		User:            p.config.User,
		Auth:            methods,
		HostKeyCallback: p.config.HostKeys,
		Timeout:         p.config.ConnectTimeout,
	}
	addr := sshtunneler.HostPort{Host: p.config.Host, Port: p.config.Port}.String()

	var established *session
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			s, err := p.connect(addr, clientConfig)
			if err != nil {
				return errors.Trace(err)
			}
			established = s
			return nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("attempt %d to reach %s failed: %v", attempt, addr, lastError)
		},
		Attempts: p.config.Retries,
		Delay:    p.config.RetryDelay,
		Clock:    p.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", addr)
	}
	logger.Infof("session established with %s as %q", addr, p.config.User)
	return established, nil
}

func (p *Provider) connect(addr string, clientConfig *ssh.ClientConfig) (*session, error) {
	conn, err := p.config.Dialer.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Annotate(err, "dialing intermediary")
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Annotate(err, "negotiating session")
	}
	transport, err := transportFor(conn, p.config.Clock)
	if err != nil {
		_ = sshConn.Close()
		return nil, errors.Trace(err)
	}
	go ssh.DiscardRequests(reqs)
	go rejectChannels(chans)
	return &session{conn: sshConn, transport: transport}, nil
}

// transportFor wires readiness waits to the raw descriptor where the
// connection exposes one. Connections without a descriptor, such as
// in-memory pipes, fall back to plain sleeps.
func transportFor(conn net.Conn, clk clock.Clock) (sshtunneler.Transport, error) {
	if sc, ok := conn.(syscall.Conn); ok {
		transport, err := sshtunneler.WaitConn(sc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return transport, nil
	}
	return sleepTransport{clock: clk}, nil
}

// rejectChannels refuses channels opened from the remote side. The
// tunnel only ever forwards outwards.
func rejectChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		_ = newChan.Reject(ssh.Prohibited, "no incoming channels")
	}
}

type sleepTransport struct {
	clock clock.Clock
}

// WaitReady implements sshtunneler.Transport.
func (t sleepTransport) WaitReady(read, write bool, timeout time.Duration) error {
	if timeout > 0 {
		<-t.clock.After(timeout)
	}
	return nil
}
