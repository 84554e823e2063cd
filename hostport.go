// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"net"
	"strconv"

	"github.com/juju/errors"
)

// HostPort names a TCP endpoint: a forward target submitted on the
// request queue, the origin a channel reports, or the intermediary
// address a session provider dials.
type HostPort struct {
	Host string
	Port int
}

// Validate returns an error if the endpoint could never be dialed.
func (hp HostPort) Validate() error {
	if hp.Host == "" {
		return errors.NotValidf("empty host")
	}
	if hp.Port < 1 || hp.Port > 65535 {
		return errors.NotValidf("port %d", hp.Port)
	}
	return nil
}

// String returns the endpoint in dialable "host:port" form.
func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}
