// Package transport implements the outbound client and inbound server
// halves of a partisan connection: framing a wire envelope onto a
// socket.Socket (with optional per-channel compression and an
// artificial egress/ingress delay used for chaos testing), and
// accepting inbound connections behind a hello handshake. The accept
// loop's per-listener goroutine-group shape follows ctrliq-beskar's
// cmd/beskar-mirror daemon, which runs one goroutine per registered
// listener under an errgroup and tears all of them down together on
// the first failure.
package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	"go.ciq.dev/partisan/internal/pkg/compress"
	"go.ciq.dev/partisan/internal/pkg/socket"
	"go.ciq.dev/partisan/internal/pkg/wire"
)

// Outbound writes wire envelopes to a peer over a single socket.
type Outbound struct {
	sock *socket.Socket

	egressDelay    time.Duration
	compressLevel  int
	compressionSet bool
}

// OutboundOption configures an Outbound at construction.
type OutboundOption func(*Outbound)

// WithEgressDelay injects a fixed delay before every write, the same
// knob spec scenario testing uses to simulate a slow link.
func WithEgressDelay(d time.Duration) OutboundOption {
	return func(o *Outbound) { o.egressDelay = d }
}

// WithCompression enables body compression at the given gzip level;
// level may be compress.None to disable it explicitly.
func WithCompression(level int) OutboundOption {
	return func(o *Outbound) {
		o.compressLevel = level
		o.compressionSet = true
	}
}

// NewOutbound dials addr and wraps the resulting socket.
func NewOutbound(addr string, tlsConfig *tls.Config, connectTimeout time.Duration, opts ...OutboundOption) (*Outbound, error) {
	sock, err := socket.Dial(addr, tlsConfig, connectTimeout)
	if err != nil {
		return nil, err
	}
	return newOutboundFromSocket(sock, opts...), nil
}

// NewOutboundFromSocket wraps an already-established socket (e.g. one
// obtained from the connection registry) without dialing again.
func NewOutboundFromSocket(sock *socket.Socket, opts ...OutboundOption) *Outbound {
	return newOutboundFromSocket(sock, opts...)
}

func newOutboundFromSocket(sock *socket.Socket, opts ...OutboundOption) *Outbound {
	o := &Outbound{sock: sock, compressLevel: compress.None}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send marshals tag/msg into an envelope, optionally compresses and
// delays it, and writes it as one frame.
func (o *Outbound) Send(tag wire.Tag, msg interface{}) error {
	body, err := wire.Marshal(tag, msg)
	if err != nil {
		return fmt.Errorf("partisan: marshal %s: %w", tag, err)
	}

	if o.compressionSet && o.compressLevel != compress.None {
		body, err = compress.Encode(body, o.compressLevel)
		if err != nil {
			return fmt.Errorf("partisan: compress %s: %w", tag, err)
		}
	}

	if o.egressDelay > 0 {
		time.Sleep(o.egressDelay)
	}

	return o.sock.Send(body)
}

// Close closes the underlying socket.
func (o *Outbound) Close() error {
	return o.sock.Close()
}

// RemoteAddr returns the socket's remote address.
func (o *Outbound) RemoteAddr() string {
	return o.sock.RemoteAddr().String()
}
