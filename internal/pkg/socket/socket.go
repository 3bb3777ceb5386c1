// Package socket implements the framed peer connection partisan
// dials and accepts: a net.Conn (optionally wrapped in TLS) carrying
// 4-byte length-prefixed frames, with a bounded connect deadline and
// close detection that still drains frames already in flight before
// reporting the connection closed. The framing and draining discipline
// follows internal/pkg/cmux's sniffing listener in spirit -- a socket
// here is the single-connection analogue of that package's connection
// wrapping.
package socket

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.ciq.dev/partisan/internal/pkg/wire"
)

// DefaultConnectTimeout bounds how long Dial waits for the TCP (and
// TLS, if configured) handshake to complete.
const DefaultConnectTimeout = 1000 * time.Millisecond

// ErrClosed is returned by Send and Recv once Close has run.
var ErrClosed = errors.New("partisan: socket closed")

// Socket is a single framed connection to one peer. It is safe for one
// concurrent writer and one concurrent reader; Close may be called
// from any goroutine.
type Socket struct {
	conn net.Conn

	closeOnce sync.Once
	closeCh   chan struct{}

	writeMu sync.Mutex
}

// Dial opens a new outbound socket to addr. When tlsConfig is non-nil
// the handshake is performed as part of the connect deadline.
func Dial(addr string, tlsConfig *tls.Config, timeout time.Duration) (*Socket, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("partisan: dial %s: %w", addr, err)
	}

	return newSocket(conn), nil
}

// Accept wraps an already-established inbound connection (as handed
// back by an internal/pkg/cmux listener) as a Socket.
func Accept(conn net.Conn) *Socket {
	return newSocket(conn)
}

func newSocket(conn net.Conn) *Socket {
	return &Socket{
		conn:    conn,
		closeCh: make(chan struct{}),
	}
}

// RemoteAddr returns the address of the connected peer.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send writes one frame. Concurrent Send calls are serialized so
// partial frames are never interleaved.
func (s *Socket) Send(body []byte) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := wire.WriteFrame(s.conn, body); err != nil {
		return fmt.Errorf("partisan: send frame: %w", err)
	}
	return nil
}

// Recv reads the next frame. It returns ErrClosed only after every
// frame already buffered by the kernel has been drained -- a peer that
// sends a burst and then closes still has every frame delivered to the
// caller before Recv reports the connection gone.
func (s *Socket) Recv() ([]byte, error) {
	body, err := wire.ReadFrame(s.conn)
	if err != nil {
		select {
		case <-s.closeCh:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return body, nil
}

// SetReadDeadline bounds the next Recv call, the same way net.Conn's
// own deadline does. A zero value clears any previously set deadline.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetKeepAlive enables TCP keepalives on the underlying connection when
// it is a *net.TCPConn (directly, or wrapped in *tls.Conn).
func (s *Socket) SetKeepAlive(period time.Duration) {
	tcpConn, ok := underlyingTCPConn(s.conn)
	if !ok {
		return
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(period)
}

func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	switch c := conn.(type) {
	case *net.TCPConn:
		return c, true
	case *tls.Conn:
		return underlyingTCPConn(c.NetConn())
	default:
		return nil, false
	}
}

// Close closes the underlying connection and marks the socket closed.
// It is idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}
