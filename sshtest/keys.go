// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
)

// GenerateSigner returns a fresh ed25519 signer, usable as a host key
// or a client credential.
func GenerateSigner() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Annotate(err, "generating key")
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return signer, nil
}

// GenerateKeyPair returns a PEM encoded ed25519 private key and the
// matching public key, for exercising file style credentials.
func GenerateKeyPair() ([]byte, ssh.PublicKey, error) {
	public, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Annotate(err, "generating key")
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return pem.EncodeToMemory(block), sshPublic, nil
}
