// Package node wires together the membership manager, connection
// registry, dispatcher and transport layer into one running partisan
// peer, the same way ctrliq-beskar's internal/pkg/beskar package
// composed a registry, a set of plugin extensions and a
// config into one servable daemon. Node is the only component that
// holds a reference into more than one of membership/registry/
// dispatch/transport at once; everyone else talks to their neighbours
// through the narrow interfaces those packages define.
package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"go.ciq.dev/partisan/internal/pkg/config"
	"go.ciq.dev/partisan/internal/pkg/control"
	"go.ciq.dev/partisan/internal/pkg/dispatch"
	"go.ciq.dev/partisan/internal/pkg/membership"
	"go.ciq.dev/partisan/internal/pkg/nodespec"
	"go.ciq.dev/partisan/internal/pkg/persist"
	"go.ciq.dev/partisan/internal/pkg/registry"
	"go.ciq.dev/partisan/internal/pkg/socket"
	"go.ciq.dev/partisan/internal/pkg/transport"
	"go.ciq.dev/partisan/internal/pkg/wire"
)

// membershipTags is the set of wire tags the membership manager owns;
// everything else on an inbound socket is an application frame routed
// to the dispatcher.
var membershipTags = map[wire.Tag]bool{
	wire.TagForwardJoin:      true,
	wire.TagNeighbor:         true,
	wire.TagNeighborAccepted: true,
	wire.TagNeighborRejected: true,
	wire.TagShuffle:          true,
	wire.TagShuffleReply:     true,
	wire.TagDisconnect:       true,
}

// Node is one running partisan peer: its identity, its channel
// capabilities, and the membership/registry/dispatch/transport stack
// bound together over them.
type Node struct {
	self     nodespec.NodeSpec
	channels map[string]nodespec.Channel
	log      *slog.Logger

	connectTimeout time.Duration
	egressDelay    time.Duration
	ingressDelay   time.Duration
	tlsServer      *tls.Config
	tlsClient      *tls.Config

	store      *persist.Store
	registry   *registry.Registry
	membership *membership.Manager
	dispatcher *dispatch.Dispatcher
	server     *transport.Server
	control    *control.Server
}

// New builds a Node from a parsed configuration. It does not start any
// network activity; call Serve to do that.
func New(cfg *config.Config, tlsServer, tlsClient *tls.Config) (*Node, error) {
	if cfg.Node.Name == "" {
		return nil, fmt.Errorf("partisan: node.name must be set")
	}
	if len(cfg.Node.ListenAddrs) == 0 {
		return nil, fmt.Errorf("partisan: no_listen_addr: node.listen_addrs must be set")
	}

	logger := slog.Default()

	channels, err := channelsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{
		self:           nodespec.NodeSpec{Name: cfg.Node.Name, Addrs: cfg.Node.ListenAddrs},
		channels:       channels,
		log:            logger,
		connectTimeout: socket.DefaultConnectTimeout,
		egressDelay:    time.Duration(cfg.EgressDelayMS) * time.Millisecond,
		ingressDelay:   time.Duration(cfg.IngressDelayMS) * time.Millisecond,
		tlsServer:      tlsServer,
		tlsClient:      tlsClient,
		store:          persist.New(cfg.DataDir),
	}

	n.server, err = transport.NewServer(n.self.Name, cfg.Node.ListenAddrs, tlsServer, n.handleInbound, n.ingressDelay)
	if err != nil {
		return nil, err
	}
	// Bound addresses may differ from the configured ones (e.g. ":0"
	// resolving to an ephemeral port): advertise what was actually bound.
	n.self.Addrs = n.server.Addrs()

	n.registry = registry.New(n.dial)

	n.membership = membership.New(n.self, n, n, n.store, logger)
	n.registry.OnUp(n.membership.ConnUp)
	n.registry.OnDown(n.membership.ConnDown)

	n.dispatcher = dispatch.New(n.self, n)

	if cfg.ControlSocket != "" {
		n.control = control.New(cfg.ControlSocket, n.membership, n.dispatcher.Filters())
	}

	return n, nil
}

func channelsFromConfig(cfg *config.Config) (map[string]nodespec.Channel, error) {
	if len(cfg.Channels) == 0 {
		return nodespec.DefaultChannels(), nil
	}

	out := make(map[string]nodespec.Channel, len(cfg.Channels))
	for name, c := range cfg.Channels {
		level, err := c.CompressionLevel()
		if err != nil {
			return nil, fmt.Errorf("partisan: channel %q: %w", name, err)
		}
		parallelism := c.Parallelism
		if parallelism <= 0 {
			parallelism = 1
		}
		out[name] = nodespec.Channel{
			Name:        name,
			Monotonic:   c.Monotonic,
			Parallelism: parallelism,
			Compression: level,
		}
	}
	if _, ok := out[nodespec.DefaultChannelName]; !ok {
		return nil, fmt.Errorf("partisan: channel configuration must include %q", nodespec.DefaultChannelName)
	}
	return out, nil
}

func (n *Node) channel(name string) nodespec.Channel {
	if ch, ok := n.channels[name]; ok {
		return ch
	}
	return n.channels[nodespec.DefaultChannelName]
}

// dial is the registry.Dialer: open a raw socket to peer and perform
// the client side of the hello handshake before handing it back.
func (n *Node) dial(ctx context.Context, peer nodespec.NodeSpec, channel string, slot int) (*socket.Socket, error) {
	if len(peer.Addrs) == 0 {
		return nil, fmt.Errorf("partisan: no_listen_addr: peer %s advertises no address", peer.Name)
	}
	addr := peer.Addrs[slot%len(peer.Addrs)]

	sock, err := socket.Dial(addr, n.tlsClient, n.connectTimeout)
	if err != nil {
		return nil, err
	}

	remote, err := transport.SendHello(sock, n.self.Name)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("partisan: hello to %s: %w", peer.Name, err)
	}
	if remote != peer.Name {
		sock.Close()
		return nil, fmt.Errorf("partisan: unexpected_peer: dialed %s, hello from %s", peer.Name, remote)
	}
	return sock, nil
}

func (n *Node) outbound(sock *socket.Socket, ch nodespec.Channel) *transport.Outbound {
	opts := []transport.OutboundOption{transport.WithCompression(ch.Compression)}
	if n.egressDelay > 0 {
		opts = append(opts, transport.WithEgressDelay(n.egressDelay))
	}
	return transport.NewOutboundFromSocket(sock, opts...)
}

// SendProtocol implements membership.Sender: protocol messages always
// travel on the membership channel, slot 0.
func (n *Node) SendProtocol(ctx context.Context, peer nodespec.NodeSpec, tag wire.Tag, msg interface{}) error {
	ch := n.channel("membership")
	sock, err := n.registry.Pick(ctx, peer, ch, 0)
	if err != nil {
		return err
	}
	return n.outbound(sock, ch).Send(tag, msg)
}

// SendToPeer implements dispatch.PeerSender.
func (n *Node) SendToPeer(ctx context.Context, peer nodespec.NodeSpec, channel string, hint int, tag wire.Tag, msg interface{}) error {
	ch := n.channel(channel)
	sock, err := n.registry.Pick(ctx, peer, ch, hint)
	if err != nil {
		return err
	}
	return n.outbound(sock, ch).Send(tag, msg)
}

// Connect implements membership.Connector: the data-model invariant is
// that a peer counts as connected once it has a live socket on every
// configured channel's slot 0, so Connect ensures all of them before
// reporting success.
func (n *Node) Connect(ctx context.Context, peer nodespec.NodeSpec) error {
	for _, ch := range n.channels {
		if _, err := n.registry.Ensure(ctx, peer, ch.Name, 0); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect implements membership.Connector.
func (n *Node) Disconnect(peer nodespec.NodeSpec) {
	_ = n.registry.Close(peer.Name)
}

// handleInbound is the transport.Handler: split protocol frames to the
// membership manager and application frames to the dispatcher. Peer
// identity on the receive side is the bare name claimed in hello;
// NodeSpec equality is name-only, so every downstream consumer
// compares correctly without needing the peer's full address list.
func (n *Node) handleInbound(ctx context.Context, in transport.Inbound) error {
	from := nodespec.NodeSpec{Name: in.PeerName}

	if membershipTags[in.Envelope.Tag] {
		return n.membership.HandleProtocol(ctx, from, in.Envelope)
	}
	return n.dispatcher.HandleInbound(ctx, from, in.Envelope)
}

// Join, Leave, Members and GetLocalState delegate to the membership
// manager.
func (n *Node) Join(ctx context.Context, peer nodespec.NodeSpec) error { return n.membership.Join(ctx, peer) }
func (n *Node) Leave(ctx context.Context, peer nodespec.NodeSpec) error {
	return n.membership.Leave(ctx, peer)
}
func (n *Node) Members(ctx context.Context) []nodespec.NodeSpec { return n.membership.Members(ctx) }
func (n *Node) GetLocalState(ctx context.Context) (active, passive []nodespec.NodeSpec) {
	return n.membership.GetLocalState(ctx)
}

// OnMembershipChange, OnUp and OnDown register membership event
// subscribers.
func (n *Node) OnMembershipChange(fn func([]nodespec.NodeSpec)) { n.membership.OnMembershipChange(fn) }
func (n *Node) OnUp(fn func(nodespec.NodeSpec))                 { n.membership.OnUp(fn) }
func (n *Node) OnDown(fn func(nodespec.NodeSpec))               { n.membership.OnDown(fn) }

// Send and Forward delegate to the dispatcher.
func (n *Node) Send(ctx context.Context, peer nodespec.NodeSpec, payload []byte, opts dispatch.Options) error {
	return n.dispatcher.Send(ctx, peer, payload, opts)
}
func (n *Node) Forward(ctx context.Context, peer nodespec.NodeSpec, serverRef string, payload []byte, opts dispatch.Options) error {
	return n.dispatcher.Forward(ctx, peer, serverRef, payload, opts)
}

// RegisterLocal and UnregisterLocal install and remove the handler
// invoked when a forward() names this node as its destination.
func (n *Node) RegisterLocal(ref string, handler dispatch.LocalHandler) { n.dispatcher.RegisterLocal(ref, handler) }
func (n *Node) UnregisterLocal(ref string)                              { n.dispatcher.UnregisterLocal(ref) }

// AddInterpositionFun and RemoveInterpositionFun install and remove
// per-peer send/receive filters.
func (n *Node) AddInterpositionFun(peer, tag string, fn dispatch.FilterFunc) {
	n.dispatcher.Filters().AddInterpositionFun(peer, tag, fn)
}
func (n *Node) RemoveInterpositionFun(peer string) { n.dispatcher.Filters().RemoveInterpositionFun(peer) }

// SetDeliveryFun registers the per-label causal delivery callback.
func (n *Node) SetDeliveryFun(label string, fn dispatch.DeliveryFunc) {
	n.dispatcher.Causal().SetDeliveryFun(label, fn)
}

// Self returns this node's identity.
func (n *Node) Self() nodespec.NodeSpec { return n.self }

// Serve runs the node until ctx is cancelled: the membership actor
// loop, the inbound transport server, and (if configured) the control
// API. The first component to fail cancels the others.
func (n *Node) Serve(ctx context.Context) error {
	n.membership.Start(ctx)
	defer n.membership.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.server.Serve(gctx)
	})

	if n.control != nil {
		g.Go(func() error {
			return n.control.Serve(gctx)
		})
	}

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.registry.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
