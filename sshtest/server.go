// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sshtest runs a minimal in-process SSH server for exercising
// tunnel code against real protocol traffic. The server authenticates
// clients, accepts direct-tcpip channels and bridges each one to the
// target it names.
package sshtest

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("sshtunneler.sshtest")

// Config configures the test server.
type Config struct {
	// User is the only account the server knows.
	User string

	// Password, when set, is accepted for User.
	Password string

	// AuthorizedKeys, when set, are accepted for User.
	AuthorizedKeys []ssh.PublicKey

	// RejectChannels refuses every channel open, for exercising
	// failure handling.
	RejectChannels bool
}

// Server is an SSH server bound to an ephemeral loopback port.
type Server struct {
	tomb      tomb.Tomb
	config    Config
	sshConfig *ssh.ServerConfig
	listener  net.Listener

	mu      sync.Mutex
	conns   []net.Conn
	origins []string
}

// NewServer starts a server for the given configuration. Callers must
// Close it when done.
func NewServer(config Config) (*Server, error) {
	hostKey, err := GenerateSigner()
	if err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Annotate(err, "binding server port")
	}
	s := &Server{
		config:    config,
		sshConfig: serverConfig(config, hostKey),
		listener:  listener,
	}
	s.tomb.Go(s.run)
	return s, nil
}

func serverConfig(config Config, hostKey ssh.Signer) *ssh.ServerConfig {
	keys := set.NewStrings()
	for _, key := range config.AuthorizedKeys {
		keys.Add(ssh.FingerprintSHA256(key))
	}
	sshConfig := &ssh.ServerConfig{}
	if config.Password != "" {
		sshConfig.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == config.User && string(password) == config.Password {
				return nil, nil
			}
			return nil, errors.Errorf("password rejected for %q", meta.User())
		}
	}
	if !keys.IsEmpty() {
		sshConfig.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == config.User && keys.Contains(ssh.FingerprintSHA256(key)) {
				return nil, nil
			}
			return nil, errors.Errorf("key rejected for %q", meta.User())
		}
	}
	sshConfig.AddHostKey(hostKey)
	return sshConfig
}

// Addr returns the server's dialable address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the server's listen port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Origins returns the origin addresses carried by the channel opens
// handled so far.
func (s *Server) Origins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.origins...)
}

// Close shuts the server down and waits for its connections to drain.
func (s *Server) Close() error {
	s.tomb.Kill(nil)
	_ = s.listener.Close()
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return s.tomb.Wait()
}

func (s *Server) run() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			default:
				return errors.Trace(err)
			}
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.tomb.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

func (s *Server) handleConn(conn net.Conn) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		logger.Debugf("handshake failed: %v", err)
		_ = conn.Close()
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		s.handleChannel(newChan)
	}
}

// directTCPIPPayload is the "direct-tcpip" channel open payload from
// RFC 4254 section 7.2.
type directTCPIPPayload struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func (s *Server) handleChannel(newChan ssh.NewChannel) {
	if newChan.ChannelType() != "direct-tcpip" {
		_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}
	if s.config.RejectChannels {
		_ = newChan.Reject(ssh.Prohibited, "channels administratively rejected")
		return
	}
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
		return
	}
	s.mu.Lock()
	s.origins = append(s.origins, net.JoinHostPort(payload.OriginHost, strconv.Itoa(int(payload.OriginPort))))
	s.mu.Unlock()

	target := net.JoinHostPort(payload.DestHost, strconv.Itoa(int(payload.DestPort)))
	targetConn, err := net.Dial("tcp", target)
	if err != nil {
		logger.Debugf("cannot reach %s: %v", target, err)
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("cannot reach %s", target))
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = targetConn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	s.tomb.Go(func() error {
		bridge(ch, targetConn)
		return nil
	})
}

// bridge copies in both directions until each side has sent EOF, then
// closes both ends.
func bridge(ch ssh.Channel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, conn)
		_ = ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, ch)
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
	}()
	wg.Wait()
	_ = ch.Close()
	_ = conn.Close()
}
