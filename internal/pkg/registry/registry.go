// Package registry implements partisan's connection registry: the
// single-writer map from (peer, channel, slot) to an established
// outbound socket, keyed the same way internal/pkg/repository.Manager
// keys its per-repository handler map -- a mutex-guarded map plus a
// factory function invoked lazily
// on first use, with Has/GetAll style introspection. Here the factory
// dials a peer connection instead of starting a repository handler,
// and entries additionally track per-peer up/down edges so the
// membership manager can raise OnUp/OnDown events exactly once per
// transition.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"go.ciq.dev/partisan/internal/pkg/nodespec"
	"go.ciq.dev/partisan/internal/pkg/socket"
)

// Dialer opens a new outbound socket to a peer for use on the named
// channel and slot.
type Dialer func(ctx context.Context, peer nodespec.NodeSpec, channel string, slot int) (*socket.Socket, error)

// key identifies one multiplexed connection.
type key struct {
	peer    string
	channel string
	slot    int
}

type entry struct {
	sock *socket.Socket
	up   bool
	// dialing is set on the placeholder reserved while a dial is in
	// flight and is closed once that dial finishes.
	dialing chan struct{}
}

// Registry holds every live connection to every peer, keyed by
// (peer, channel, slot). It is the only component allowed to mutate
// that map; everything else goes through Ensure/Pick/Close.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
	peers   map[string]nodespec.NodeSpec

	dial Dialer

	onUp   func(nodespec.NodeSpec)
	onDown func(nodespec.NodeSpec)
}

// New builds a Registry that uses dial to open new connections.
func New(dial Dialer) *Registry {
	return &Registry{
		entries: make(map[key]*entry),
		peers:   make(map[string]nodespec.NodeSpec),
		dial:    dial,
	}
}

// OnUp/OnDown register edge-triggered hooks fired the first time (and
// each time again after a prior down) a peer gets at least one live
// connection, and the first time it loses its last one.
func (r *Registry) OnUp(fn func(nodespec.NodeSpec))   { r.onUp = fn }
func (r *Registry) OnDown(fn func(nodespec.NodeSpec)) { r.onDown = fn }

// Ensure returns the socket for (peer, channel, slot), dialing it if
// absent. Concurrent Ensure calls for the same key block on the same
// dial rather than racing two connections into existence.
func (r *Registry) Ensure(ctx context.Context, peer nodespec.NodeSpec, channel string, slot int) (*socket.Socket, error) {
	k := key{peer: peer.Name, channel: channel, slot: slot}

	r.mu.Lock()
	if e, ok := r.entries[k]; ok {
		r.mu.Unlock()
		if e.dialing != nil {
			select {
			case <-e.dialing:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return r.Ensure(ctx, peer, channel, slot)
		}
		return e.sock, nil
	}
	// Reserve the slot with a placeholder entry while we dial, so a second
	// concurrent Ensure for the same key waits instead of double-dialing.
	placeholder := &entry{dialing: make(chan struct{})}
	r.entries[k] = placeholder
	r.peers[peer.Name] = peer
	r.mu.Unlock()

	sock, err := r.dialWithBackoff(ctx, peer, channel, slot)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, k)
		r.mu.Unlock()
		close(placeholder.dialing)
		return nil, err
	}

	r.mu.Lock()
	wasUp := r.peerHasUpLocked(peer.Name)
	r.entries[k] = &entry{sock: sock, up: true}
	r.mu.Unlock()
	close(placeholder.dialing)

	if !wasUp {
		r.raiseUp(peer)
	}

	return sock, nil
}

func (r *Registry) dialWithBackoff(ctx context.Context, peer nodespec.NodeSpec, channel string, slot int) (*socket.Socket, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	var sock *socket.Socket
	err := backoff.Retry(func() error {
		s, err := r.dial(ctx, peer, channel, slot)
		if err != nil {
			return err
		}
		sock = s
		return nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("partisan: dial %s/%s[%d]: %w", peer.Name, channel, slot, err)
	}
	return sock, nil
}

// Pick selects a connection to peer on channel. Monotonic channels
// always use slot 0; otherwise hint (typically a partition-key hash)
// is reduced mod the channel's parallelism to select the slot.
func (r *Registry) Pick(ctx context.Context, peer nodespec.NodeSpec, ch nodespec.Channel, hint int) (*socket.Socket, error) {
	slot := hint
	if ch.Monotonic {
		slot = 0
	} else if ch.Parallelism > 0 {
		slot = hint % ch.Parallelism
		if slot < 0 {
			slot += ch.Parallelism
		}
	}
	return r.Ensure(ctx, peer, ch.Name, slot)
}

// Close tears down every connection to peer and fires OnDown if any
// of them were up.
func (r *Registry) Close(peerName string) error {
	r.mu.Lock()
	var (
		hadUp bool
		peer  nodespec.NodeSpec
		socks []*socket.Socket
	)
	if p, ok := r.peers[peerName]; ok {
		peer = p
	}
	for k, e := range r.entries {
		if k.peer != peerName {
			continue
		}
		if e.up {
			hadUp = true
		}
		if e.sock != nil {
			socks = append(socks, e.sock)
		}
		delete(r.entries, k)
	}
	delete(r.peers, peerName)
	r.mu.Unlock()

	var firstErr error
	for _, s := range socks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if hadUp {
		r.raiseDown(peer)
	}

	return firstErr
}

// MarkDown records that the connection at (peer, channel, slot) has
// failed without going through Close, so the next Ensure redials it.
// It fires OnDown once the peer has no remaining up connections.
func (r *Registry) MarkDown(peer nodespec.NodeSpec, channel string, slot int) {
	k := key{peer: peer.Name, channel: channel, slot: slot}

	r.mu.Lock()
	if e, ok := r.entries[k]; ok {
		e.up = false
	}
	delete(r.entries, k)
	stillUp := r.peerHasUpLocked(peer.Name)
	r.mu.Unlock()

	if !stillUp {
		r.raiseDown(peer)
	}
}

func (r *Registry) peerHasUpLocked(peerName string) bool {
	for k, e := range r.entries {
		if k.peer == peerName && e.up {
			return true
		}
	}
	return false
}

func (r *Registry) raiseUp(peer nodespec.NodeSpec) {
	if r.onUp != nil {
		r.onUp(peer)
	}
}

func (r *Registry) raiseDown(peer nodespec.NodeSpec) {
	if r.onDown != nil {
		r.onDown(peer)
	}
}

// CloseAll tears down every connection the registry holds, for every
// peer, and is used on node shutdown. Unlike Close it does not fire
// OnDown -- the node is going away entirely, not losing one peer.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	peerNames := make([]string, 0, len(r.peers))
	for name := range r.peers {
		peerNames = append(peerNames, name)
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, name := range peerNames {
		r.mu.Lock()
		var socks []*socket.Socket
		for k, e := range r.entries {
			if k.peer != name {
				continue
			}
			if e.sock != nil {
				socks = append(socks, e.sock)
			}
			delete(r.entries, k)
		}
		delete(r.peers, name)
		r.mu.Unlock()

		for _, s := range socks {
			if err := s.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("partisan: close %s: %w", name, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Peers returns every peer the registry currently holds at least one
// connection entry for.
func (r *Registry) Peers() []nodespec.NodeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]nodespec.NodeSpec, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}
