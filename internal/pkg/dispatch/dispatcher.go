package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.ciq.dev/partisan/internal/pkg/nodespec"
	"go.ciq.dev/partisan/internal/pkg/partitionkey"
	"go.ciq.dev/partisan/internal/pkg/wire"
)

// AckRetries bounds how many times an acked send is retried before
// the caller is told it failed.
const AckRetries = 3

// AckTimeout is how long a single attempt waits for an ack frame.
const AckTimeout = 2 * time.Second

// PeerSender resolves (peer, channel, partition key) to a connection
// and writes a tagged message to it. The implementation is
// internal/pkg/node's Node, composing the connection registry and the
// outbound client.
type PeerSender interface {
	SendToPeer(ctx context.Context, peer nodespec.NodeSpec, channel string, hint int, tag wire.Tag, msg interface{}) error
}

// LocalHandler processes a message delivered to a locally registered
// target (the receiver side of forward()).
type LocalHandler func(payload []byte)

// Options configures one send or forward call.
type Options struct {
	Channel     string
	PartitionKey []byte
	Ack         bool
	CausalLabel string
}

// Dispatcher routes outbound sends through interposition filters, the
// causal layer, and a PeerSender, and routes inbound frames back
// through the mirrored receive path.
type Dispatcher struct {
	self    nodespec.NodeSpec
	sender  PeerSender
	filters *InterpositionTable
	causal  *CausalLayer

	mu     sync.Mutex
	local  map[string]LocalHandler
	acks   map[string]chan struct{}
}

// New creates a Dispatcher for self.
func New(self nodespec.NodeSpec, sender PeerSender) *Dispatcher {
	return &Dispatcher{
		self:    self,
		sender:  sender,
		filters: NewInterpositionTable(),
		causal:  NewCausalLayer(self.Name),
		local:   make(map[string]LocalHandler),
		acks:    make(map[string]chan struct{}),
	}
}

// Filters and Causal expose the two sub-layers so the node and its
// control surface can delegate AddInterpositionFun/SetDeliveryFun calls.
func (d *Dispatcher) Filters() *InterpositionTable { return d.filters }
func (d *Dispatcher) Causal() *CausalLayer         { return d.causal }

// RegisterLocal installs the handler invoked when a forward() names
// ref as its server-ref and the destination resolves to self.
func (d *Dispatcher) RegisterLocal(ref string, handler LocalHandler) {
	d.mu.Lock()
	d.local[ref] = handler
	d.mu.Unlock()
}

// UnregisterLocal removes a previously registered local target.
func (d *Dispatcher) UnregisterLocal(ref string) {
	d.mu.Lock()
	delete(d.local, ref)
	d.mu.Unlock()
}

func (d *Dispatcher) localHandler(ref string) (LocalHandler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.local[ref]
	return h, ok
}

// Send delivers payload to peer, honouring opts.
func (d *Dispatcher) Send(ctx context.Context, peer nodespec.NodeSpec, payload []byte, opts Options) error {
	return d.route(ctx, peer, "", payload, opts)
}

// Forward delivers payload to peer tagged with serverRef, so the
// receiver dispatches it to a registered local process rather than a
// generic channel handler.
func (d *Dispatcher) Forward(ctx context.Context, peer nodespec.NodeSpec, serverRef string, payload []byte, opts Options) error {
	return d.route(ctx, peer, serverRef, payload, opts)
}

func (d *Dispatcher) route(ctx context.Context, peer nodespec.NodeSpec, serverRef string, payload []byte, opts Options) error {
	if opts.Channel == "" {
		opts.Channel = nodespec.DefaultChannelName
	}

	if peer.Equal(d.self) {
		return d.deliverLocal(serverRef, payload)
	}

	var (
		causalDep map[string]uint64
	)
	if opts.CausalLabel != "" {
		vc := d.causal.NextDependency(opts.CausalLabel)
		causalDep = vc
	}

	filtered := d.filters.Evaluate(TagForwardMessage, peer.Name, payload)
	switch filtered.Action {
	case Drop:
		return nil
	case Substitute, Delay:
		payload = filtered.Payload
	}

	hint := 0
	if len(opts.PartitionKey) > 0 {
		hint = int(partitionkey.Hash(opts.PartitionKey))
	}

	if opts.Ack {
		return d.sendWithAck(ctx, peer, serverRef, payload, opts.Channel, hint, opts.CausalLabel, causalDep)
	}

	return d.sendOnce(ctx, peer, serverRef, payload, opts.Channel, hint, opts.CausalLabel, causalDep)
}

func (d *Dispatcher) sendOnce(ctx context.Context, peer nodespec.NodeSpec, serverRef string, payload []byte, channel string, hint int, causalLabel string, causalDep map[string]uint64) error {
	if serverRef == "" {
		return d.sender.SendToPeer(ctx, peer, channel, hint, wire.TagData, wire.Data{
			Payload:     payload,
			CausalLabel: causalLabel,
			CausalDep:   causalDep,
		})
	}
	return d.sender.SendToPeer(ctx, peer, channel, hint, wire.TagForward, wire.Forward{
		ServerRef:   serverRef,
		Payload:     payload,
		CausalLabel: causalLabel,
		CausalDep:   causalDep,
	})
}

func (d *Dispatcher) sendWithAck(ctx context.Context, peer nodespec.NodeSpec, serverRef string, payload []byte, channel string, hint int, causalLabel string, causalDep map[string]uint64) error {
	id := uuid.NewString()

	ackCh := make(chan struct{})
	d.mu.Lock()
	d.acks[id] = ackCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.acks, id)
		d.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt <= AckRetries; attempt++ {
		if err := d.sender.SendToPeer(ctx, peer, channel, hint, wire.TagDataWithID, wire.DataWithID{
			ID:      id,
			Payload: payload,
		}); err != nil {
			lastErr = err
			continue
		}

		select {
		case <-ackCh:
			return nil
		case <-time.After(AckTimeout):
			lastErr = fmt.Errorf("partisan: ack timeout for %s", peer.Name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("partisan: send failed after %d attempts: %w", AckRetries+1, lastErr)
}

// HandleAck completes the resend timer for a previously sent acked
// frame.
func (d *Dispatcher) HandleAck(id string) {
	d.mu.Lock()
	ch, ok := d.acks[id]
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (d *Dispatcher) deliverLocal(serverRef string, payload []byte) error {
	if serverRef == "" {
		return nil
	}
	handler, ok := d.localHandler(serverRef)
	if !ok {
		return fmt.Errorf("partisan: no local target registered for %q", serverRef)
	}
	handler(payload)
	return nil
}

// HandleInbound mirrors the send-side pipeline for a frame that
// arrived from peer: evaluate the receive_message filter, then either
// hand off to the causal layer or deliver directly.
func (d *Dispatcher) HandleInbound(ctx context.Context, from nodespec.NodeSpec, env wire.Envelope) error {
	switch env.Tag {
	case wire.TagData:
		var msg wire.Data
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		return d.receive(from, "", msg.Payload, msg.CausalLabel, msg.CausalDep)

	case wire.TagForward:
		var msg wire.Forward
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		return d.receive(from, msg.ServerRef, msg.Payload, msg.CausalLabel, msg.CausalDep)

	case wire.TagDataWithID:
		var msg wire.DataWithID
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		if err := d.receive(from, "", msg.Payload, "", nil); err != nil {
			return err
		}
		return d.sender.SendToPeer(ctx, from, nodespec.DefaultChannelName, 0, wire.TagAck, wire.Ack{ID: msg.ID})

	case wire.TagAck:
		var msg wire.Ack
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		d.HandleAck(msg.ID)
		return nil

	default:
		return fmt.Errorf("partisan: dispatcher cannot handle tag %s", env.Tag)
	}
}

func (d *Dispatcher) receive(from nodespec.NodeSpec, serverRef string, payload []byte, causalLabel string, causalDep map[string]uint64) error {
	filtered := d.filters.Evaluate(TagReceiveMessage, from.Name, payload)
	switch filtered.Action {
	case Drop:
		return nil
	case Substitute, Delay:
		payload = filtered.Payload
	}

	if causalLabel != "" {
		d.causal.Deliver(causalLabel, from.Name, causalDep, serverRef, payload)
		return nil
	}

	return d.deliverLocalOrDrop(serverRef, payload)
}

func (d *Dispatcher) deliverLocalOrDrop(serverRef string, payload []byte) error {
	if serverRef == "" {
		return nil
	}
	if handler, ok := d.localHandler(serverRef); ok {
		handler(payload)
	}
	return nil
}
