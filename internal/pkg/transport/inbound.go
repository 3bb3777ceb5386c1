package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"go.ciq.dev/partisan/internal/pkg/cmux"
	"go.ciq.dev/partisan/internal/pkg/compress"
	"go.ciq.dev/partisan/internal/pkg/socket"
	"go.ciq.dev/partisan/internal/pkg/wire"
)

// HelloTimeout bounds how long an accepted connection has to send its
// hello envelope before it is dropped.
const HelloTimeout = 5 * time.Second

// Inbound is a frame handed up from the server for dispatch, tagged
// with the socket it arrived on and the peer name claimed in hello.
type Inbound struct {
	PeerName string
	Envelope wire.Envelope
	Sock     *socket.Socket
}

// Handler processes one decoded envelope from an already-identified
// peer connection. A non-nil error closes that connection.
type Handler func(ctx context.Context, in Inbound) error

// PeerValidator decides whether a hello claiming claimedName should be
// accepted. Returning an error aborts the connection with
// unexpected_peer. A nil validator accepts any claimed name, which is
// the common case for a HyParView listener: unsolicited joins from
// peers it has never seen are expected traffic, not an attack.
type PeerValidator func(claimedName string) error

// Server accepts connections on one or more listen addresses, performs
// the hello handshake, and hands every subsequent frame to Handler.
type Server struct {
	nodeName     string
	listeners    []*cmux.Listener
	handler      Handler
	ingressDelay time.Duration
	validate     PeerValidator
}

// NewServer binds addr for every address in addrs. TLS is attached via
// SetTLSConfig through Listener if tlsConfig is non-nil.
func NewServer(nodeName string, addrs []string, tlsConfig *tls.Config, handler Handler, ingressDelay time.Duration) (*Server, error) {
	s := &Server{
		nodeName:     nodeName,
		handler:      handler,
		ingressDelay: ingressDelay,
	}

	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("partisan: listen %s: %w", addr, err)
		}
		cln := cmux.NewListener(ln)
		if tlsConfig != nil {
			cln.SetTLSConfig(tlsConfig)
		}
		s.listeners = append(s.listeners, cln)
	}

	return s, nil
}

// SetPeerValidator installs the hook consulted on every inbound hello.
func (s *Server) SetPeerValidator(validate PeerValidator) {
	s.validate = validate
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// Addrs returns the bound address of every listener, useful when binds
// used port 0.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// Serve runs the accept loops until ctx is cancelled or one of them
// fails, mirroring the daemon's one-goroutine-per-listener shutdown
// discipline: the first failure cancels every other listener's loop.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ln := range s.listeners {
		ln := ln
		g.Go(func() error {
			return s.acceptLoop(ctx, ln)
		})
	}

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln *cmux.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("partisan: accept on %s: %w", ln.Addr(), err)
			}
		}
		sock := socket.Accept(conn)
		go s.handleConn(ctx, sock)
	}
}

func (s *Server) handleConn(ctx context.Context, sock *socket.Socket) {
	peerName, err := s.handshake(sock)
	if err != nil {
		sock.Close()
		return
	}

	for {
		body, err := sock.Recv()
		if err != nil {
			sock.Close()
			return
		}

		if s.ingressDelay > 0 {
			time.Sleep(s.ingressDelay)
		}

		body, err = compress.Decode(body)
		if err != nil {
			sock.Close()
			return
		}

		env, err := wire.Unmarshal(body)
		if err != nil {
			sock.Close()
			return
		}

		if err := s.handler(ctx, Inbound{PeerName: peerName, Envelope: env, Sock: sock}); err != nil {
			sock.Close()
			return
		}
	}
}

func (s *Server) handshake(sock *socket.Socket) (string, error) {
	if err := sock.SetReadDeadline(time.Now().Add(HelloTimeout)); err != nil {
		return "", fmt.Errorf("partisan: set hello deadline: %w", err)
	}
	defer sock.SetReadDeadline(time.Time{})

	body, err := sock.Recv()
	if err != nil {
		return "", err
	}

	env, err := wire.Unmarshal(body)
	if err != nil {
		return "", err
	}
	if env.Tag != wire.TagHello {
		return "", fmt.Errorf("partisan: expected hello, got %s", env.Tag)
	}

	var hello wire.Hello
	if err := wire.UnmarshalPayload(env, &hello); err != nil {
		return "", err
	}

	if s.validate != nil {
		if err := s.validate(hello.NodeName); err != nil {
			return "", fmt.Errorf("partisan: unexpected_peer: %w", err)
		}
	}

	reply, err := wire.Marshal(wire.TagHello, wire.Hello{NodeName: s.nodeName})
	if err != nil {
		return "", err
	}
	if err := sock.Send(reply); err != nil {
		return "", err
	}

	return hello.NodeName, nil
}

// SendHello performs the client side of the handshake over an already
// dialed outbound socket, returning the remote node's claimed name.
func SendHello(sock *socket.Socket, nodeName string) (string, error) {
	body, err := wire.Marshal(wire.TagHello, wire.Hello{NodeName: nodeName})
	if err != nil {
		return "", err
	}
	if err := sock.Send(body); err != nil {
		return "", err
	}

	replyBody, err := sock.Recv()
	if err != nil {
		return "", err
	}
	env, err := wire.Unmarshal(replyBody)
	if err != nil {
		return "", err
	}
	if env.Tag != wire.TagHello {
		return "", fmt.Errorf("partisan: expected hello reply, got %s", env.Tag)
	}

	var hello wire.Hello
	if err := wire.UnmarshalPayload(env, &hello); err != nil {
		return "", err
	}
	return hello.NodeName, nil
}
