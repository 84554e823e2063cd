// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshsession

import (
	"net"
	"os"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// authMethods assembles the client auth methods the configuration
// names: a password, an explicit signer, a PEM encoded private key,
// and the running SSH agent when allowed.
func authMethods(config Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	switch {
	case config.Password != "":
		methods = append(methods, ssh.Password(config.Password))
	case config.Key != nil:
		methods = append(methods, ssh.PublicKeys(config.Key))
	case len(config.PrivateKey) > 0:
		signer, err := ssh.ParsePrivateKey(config.PrivateKey)
		if err != nil {
			return nil, errors.Annotate(err, "parsing private key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if config.UseAgent {
		if method, ok := agentAuth(); ok {
			methods = append(methods, method)
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no usable authentication methods")
	}
	return methods, nil
}

// agentAuth exposes the keys held by the agent named by SSH_AUTH_SOCK,
// if one is reachable.
func agentAuth() (ssh.AuthMethod, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		logger.Debugf("cannot reach ssh agent: %v", err)
		return nil, false
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), true
}
