// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

// Package cmux wraps a net.Listener so a single listen address can
// accept both plaintext and TLS peer connections, sniffing the TLS
// client-hello byte on first read instead of requiring a second
// listener or a protocol-selection handshake.
package cmux

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"
)

// sniffConn peeks the first byte of a freshly accepted connection to
// decide whether it is a TLS client hello (0x16) and replays that byte
// into the first Read so nothing downstream sees the peek.
type sniffConn struct {
	net.Conn
	peeked [1]byte
	have   bool
	atEOF  bool
}

func newSniffConn(nc net.Conn) (*sniffConn, error) {
	c := &sniffConn{Conn: nc}

	n, err := c.Conn.Read(c.peeked[:1])
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.atEOF = true
			return c, nil
		}
		return nil, err
	}
	switch n {
	case 0:
		return nil, io.ErrUnexpectedEOF
	case 1:
		c.have = true
		return c, nil
	default:
		return nil, io.ErrShortBuffer
	}
}

func (c *sniffConn) isTLSHello() bool {
	return c.peeked[0] == 0x16
}

func (c *sniffConn) Read(p []byte) (int, error) {
	if c.have {
		if len(p) == 0 {
			return 0, nil
		}
		c.have = false
		p[0] = c.peeked[0]
		n, err := c.Conn.Read(p[1:])
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	}
	if c.atEOF {
		return 0, io.EOF
	}
	return c.Conn.Read(p)
}

// Listener accepts both plaintext peer sockets and TLS peer sockets on
// one address. Its TLS config may be installed after construction and
// swapped at runtime without restarting the listener.
type Listener struct {
	net.Listener
	tlsConfig atomic.Pointer[tls.Config]
}

// NewListener wraps an already-bound listener.
func NewListener(ln net.Listener) *Listener {
	return &Listener{Listener: ln}
}

// Accept sniffs the connection's first byte and upgrades it to TLS
// when both the byte looks like a client hello and a TLS config has
// been installed; otherwise the raw connection is returned unchanged.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	sc, err := newSniffConn(c)
	if err != nil {
		return nil, err
	}
	if sc.isTLSHello() {
		if cfg := l.tlsConfig.Load(); cfg != nil {
			return tls.Server(sc, cfg), nil
		}
	}
	return sc, nil
}

// SetTLSConfig installs (or clears, with nil) the TLS config used to
// upgrade sniffed TLS connections.
func (l *Listener) SetTLSConfig(tlsConfig *tls.Config) {
	l.tlsConfig.Store(tlsConfig)
}
