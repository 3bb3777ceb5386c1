// Package membership implements partisan's HyParView-style partial
// view membership manager: the Active/Passive/Pending/Suspected sets,
// the join/forward-join/neighbor/shuffle protocol, and snapshot
// persistence. It is modelled as a single actor goroutine with its own
// mailbox, following internal/pkg/gossip's member shape -- there, a
// *memberlist.Memberlist owned all membership state behind a handful
// of methods and an event channel; here the same shape
// (Join/Leave/Members/event-channel) fronts a HyParView state machine
// instead of a SWIM full mesh, since partial-view membership is
// architecturally incompatible with memberlist's
// full-membership gossip.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.ciq.dev/partisan/internal/pkg/nodespec"
	"go.ciq.dev/partisan/internal/pkg/persist"
	"go.ciq.dev/partisan/internal/pkg/wire"
)

// Tuning constants from the HyParView protocol.
const (
	ActiveSize           = 5
	PassiveSize          = 30
	ARWL                 = 6
	PRWL                 = 3
	MaintenanceInterval  = 10000 * time.Millisecond
	KActive              = 3
	KPassive             = 4
	neighborPriorityHigh = "high"
	neighborPriorityLow  = "low"
)

// Sender delivers a protocol message to peer over the membership
// channel. Implementations resolve peer to a connection via the
// registry and write through an outbound client.
type Sender interface {
	SendProtocol(ctx context.Context, peer nodespec.NodeSpec, tag wire.Tag, msg interface{}) error
}

// Connector asks the connection layer to establish a connection to a
// candidate peer, e.g. so a neighbor request can be attempted.
type Connector interface {
	Connect(ctx context.Context, peer nodespec.NodeSpec) error
	Disconnect(peer nodespec.NodeSpec)
}

type stateSnapshot struct {
	Active  []nodespec.NodeSpec
	Passive []nodespec.NodeSpec
}

// event is an internal mailbox message. The actor loop processes
// exactly one at a time, so no two events touch the view sets
// concurrently.
type event struct {
	kind  string
	peer  nodespec.NodeSpec
	env   wire.Envelope
	from  nodespec.NodeSpec
	done  chan error
	out   chan []nodespec.NodeSpec
	state chan stateSnapshot
}

// Manager owns the Active/Passive/Pending/Suspected sets for one
// local node and drives the HyParView protocol.
type Manager struct {
	self   nodespec.NodeSpec
	sender Sender
	conn   Connector
	log    *slog.Logger
	store  *persist.Store

	rng *rand.Rand

	active    map[string]nodespec.NodeSpec
	passive   map[string]nodespec.NodeSpec
	pending   map[string]nodespec.NodeSpec
	suspected map[string]nodespec.NodeSpec

	mu sync.Mutex // guards the onChange/onUp/onDown callback slices only

	onChange []func([]nodespec.NodeSpec)
	onUp     []func(nodespec.NodeSpec)
	onDown   []func(nodespec.NodeSpec)

	mailbox chan event
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Manager for self. store may be nil to disable
// persistence (matching an unset partisan_data_dir).
func New(self nodespec.NodeSpec, sender Sender, conn Connector, store *persist.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		self:      self,
		sender:    sender,
		conn:      conn,
		log:       log,
		store:     store,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(self.Name)))),
		active:    make(map[string]nodespec.NodeSpec),
		passive:   make(map[string]nodespec.NodeSpec),
		pending:   make(map[string]nodespec.NodeSpec),
		suspected: make(map[string]nodespec.NodeSpec),
		mailbox:   make(chan event, 256),
		stopCh:    make(chan struct{}),
	}

	if store != nil {
		if snap, ok, err := store.Load(); err == nil && ok {
			for _, p := range snap.Active {
				if !p.Equal(self) {
					m.active[p.Name] = p
				}
			}
			for _, p := range snap.Passive {
				m.passive[p.Name] = p
			}
		}
	}

	return m
}

// Start runs the actor loop and the maintenance ticker until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the actor loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.maintenance(ctx)
		case ev := <-m.mailbox:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) send(ev event) {
	select {
	case m.mailbox <- ev:
	case <-m.stopCh:
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case "join":
		ev.done <- m.doJoin(ctx, ev.peer)
	case "leave":
		ev.done <- m.doLeave(ctx, ev.peer)
	case "members":
		ev.out <- m.doMembers()
	case "local_state":
		active, passive := m.snapshotViews()
		ev.state <- stateSnapshot{Active: active, Passive: passive}
	case "protocol":
		ev.done <- m.dispatchProtocol(ctx, ev.from, ev.env)
	case "conn_up":
		m.doConnUp(ctx, ev.peer)
	case "conn_down":
		m.doConnDown(ctx, ev.peer)
	}
}

// Join contacts peer and, once connected, initiates the forward-join
// random walk. It blocks until the hello handshake has completed or
// failed.
func (m *Manager) Join(ctx context.Context, peer nodespec.NodeSpec) error {
	done := make(chan error, 1)
	m.send(event{kind: "join", peer: peer, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave removes peer from both views. peer == self tears down every
// connection and deletes persisted state.
func (m *Manager) Leave(ctx context.Context, peer nodespec.NodeSpec) error {
	done := make(chan error, 1)
	m.send(event{kind: "leave", peer: peer, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Members returns the current Active set.
func (m *Manager) Members(ctx context.Context) []nodespec.NodeSpec {
	out := make(chan []nodespec.NodeSpec, 1)
	m.send(event{kind: "members", out: out})
	select {
	case members := <-out:
		return members
	case <-ctx.Done():
		return nil
	}
}

// GetLocalState returns a snapshot of (Active, Passive), taken inside
// the actor loop so it never races a concurrent view mutation.
func (m *Manager) GetLocalState(ctx context.Context) (active, passive []nodespec.NodeSpec) {
	stateCh := make(chan stateSnapshot, 1)
	m.send(event{kind: "local_state", state: stateCh})
	select {
	case snap := <-stateCh:
		return snap.Active, snap.Passive
	case <-ctx.Done():
		return nil, nil
	}
}

// snapshotViews copies the view maps into slices. Only ever called
// from inside the actor loop.
func (m *Manager) snapshotViews() (active, passive []nodespec.NodeSpec) {
	for _, p := range m.active {
		active = append(active, p)
	}
	for _, p := range m.passive {
		passive = append(passive, p)
	}
	return active, passive
}

// HandleProtocol feeds a decoded membership-channel envelope from the
// transport layer into the actor loop.
func (m *Manager) HandleProtocol(ctx context.Context, from nodespec.NodeSpec, env wire.Envelope) error {
	done := make(chan error, 1)
	m.send(event{kind: "protocol", from: from, env: env, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnUp/ConnDown are the registry's edge-triggered connection hooks.
func (m *Manager) ConnUp(peer nodespec.NodeSpec)   { m.send(event{kind: "conn_up", peer: peer}) }
func (m *Manager) ConnDown(peer nodespec.NodeSpec) { m.send(event{kind: "conn_down", peer: peer}) }

// OnMembershipChange/OnUp/OnDown register subscribers. They may be
// called at any time, including before Start.
func (m *Manager) OnMembershipChange(fn func([]nodespec.NodeSpec)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Manager) OnUp(fn func(nodespec.NodeSpec)) {
	m.mu.Lock()
	m.onUp = append(m.onUp, fn)
	m.mu.Unlock()
}

func (m *Manager) OnDown(fn func(nodespec.NodeSpec)) {
	m.mu.Lock()
	m.onDown = append(m.onDown, fn)
	m.mu.Unlock()
}

func (m *Manager) fireChange() {
	members := m.doMembers()
	m.mu.Lock()
	subs := append([]func([]nodespec.NodeSpec){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(members)
	}
}

func (m *Manager) fireDown(peer nodespec.NodeSpec) {
	m.mu.Lock()
	subs := append([]func(nodespec.NodeSpec){}, m.onDown...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(peer)
	}
}

func (m *Manager) fireUp(peer nodespec.NodeSpec) {
	m.mu.Lock()
	subs := append([]func(nodespec.NodeSpec){}, m.onUp...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(peer)
	}
}

func (m *Manager) doMembers() []nodespec.NodeSpec {
	members := make([]nodespec.NodeSpec, 0, len(m.active))
	for _, p := range m.active {
		members = append(members, p)
	}
	return members
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	active, passive := m.snapshotViews()
	if err := m.store.Save(persist.Snapshot{Active: active, Passive: passive}); err != nil {
		m.log.Warn("partisan: persist membership snapshot failed", "error", err)
	}
}

func (m *Manager) doJoin(ctx context.Context, peer nodespec.NodeSpec) error {
	if peer.Equal(m.self) {
		return fmt.Errorf("partisan: cannot join self")
	}
	if _, ok := m.active[peer.Name]; ok {
		return nil // already connected; join is idempotent
	}

	m.pending[peer.Name] = peer
	if err := m.conn.Connect(ctx, peer); err != nil {
		delete(m.pending, peer.Name)
		return fmt.Errorf("partisan: join %s: %w", peer.Name, err)
	}

	// doConnUp (invoked via the registry's OnUp hook once the socket is
	// live) performs the actual forward_join broadcast; Join itself only
	// has to succeed at establishing the connection.
	return nil
}

func (m *Manager) doLeave(ctx context.Context, peer nodespec.NodeSpec) error {
	if peer.Equal(m.self) {
		for name, p := range m.active {
			m.conn.Disconnect(p)
			delete(m.active, name)
		}
		m.passive = make(map[string]nodespec.NodeSpec)
		if m.store != nil {
			_ = m.store.Delete()
		}
		m.fireChange()
		return nil
	}

	_, wasActive := m.active[peer.Name]
	delete(m.active, peer.Name)
	delete(m.passive, peer.Name)
	delete(m.pending, peer.Name)
	delete(m.suspected, peer.Name)

	if wasActive {
		m.conn.Disconnect(peer)
		m.persist()
		m.fireChange()
		m.fireDown(peer)
	}

	return nil
}

func (m *Manager) doConnUp(ctx context.Context, peer nodespec.NodeSpec) {
	delete(m.pending, peer.Name)

	if _, alreadyActive := m.active[peer.Name]; alreadyActive {
		// ConnUp fires each time a peer goes from no live connection to
		// at least one; a peer already Active (admitted earlier, or
		// before its connection came up) has nothing left to admit or
		// broadcast.
		return
	}

	_, isPassive := m.passive[peer.Name]
	replacementCandidate := isPassive && len(m.suspected) > 0

	if replacementCandidate {
		priority := neighborPriorityLow
		if len(m.active) == 0 {
			priority = neighborPriorityHigh
		}
		if err := m.sender.SendProtocol(ctx, peer, wire.TagNeighbor, wire.Neighbor{
			Peer:     toWireNode(m.self),
			Priority: priority,
			Sender:   m.self.Name,
		}); err != nil {
			m.log.Warn("partisan: send neighbor request failed", "peer", peer.Name, "error", err)
		}
		return
	}

	m.admitActive(peer)
	m.persist()
	m.fireChange()
	m.fireUp(peer)

	for _, other := range m.active {
		if other.Equal(peer) {
			continue
		}
		if err := m.sender.SendProtocol(ctx, other, wire.TagForwardJoin, wire.ForwardJoin{
			NewPeer: toWireNode(peer),
			TTL:     ARWL,
			Sender:  m.self.Name,
		}); err != nil {
			m.log.Warn("partisan: broadcast forward_join failed", "peer", other.Name, "error", err)
		}
	}
}

func (m *Manager) doConnDown(ctx context.Context, peer nodespec.NodeSpec) {
	delete(m.pending, peer.Name)

	if _, ok := m.passive[peer.Name]; ok {
		delete(m.passive, peer.Name)
		return
	}

	if _, ok := m.active[peer.Name]; ok {
		delete(m.active, peer.Name)
		m.suspected[peer.Name] = peer
		m.log.Info("partisan: active peer suspected", "peer", peer.Name, "view_size", len(m.active))
		m.persist()
		m.fireChange()
		m.fireDown(peer)
		m.triggerReplacement(ctx)
	}
}

// triggerReplacement picks a random Passive member and attempts to
// connect it as a replacement for a suspected Active member.
func (m *Manager) triggerReplacement(ctx context.Context) {
	candidate, ok := m.randomFromMap(m.passive, nodespec.NodeSpec{})
	if !ok {
		return
	}
	m.pending[candidate.Name] = candidate
	go func() {
		if err := m.conn.Connect(ctx, candidate); err != nil {
			m.send(event{kind: "conn_down", peer: candidate})
		}
	}()
}

func (m *Manager) dispatchProtocol(ctx context.Context, from nodespec.NodeSpec, env wire.Envelope) error {
	switch env.Tag {
	case wire.TagForwardJoin:
		var msg wire.ForwardJoin
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		return m.handleForwardJoin(ctx, msg)

	case wire.TagNeighbor:
		var msg wire.Neighbor
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		return m.handleNeighbor(ctx, msg)

	case wire.TagNeighborAccepted:
		var msg wire.NeighborAccepted
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		m.admitActive(fromWireNode(msg.Peer))
		delete(m.suspected, msg.Peer.Name)
		m.persist()
		m.fireChange()
		return nil

	case wire.TagNeighborRejected:
		var msg wire.NeighborRejected
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		delete(m.passive, msg.Peer.Name)
		m.triggerReplacement(ctx)
		return nil

	case wire.TagShuffle:
		var msg wire.Shuffle
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		return m.handleShuffle(ctx, msg)

	case wire.TagShuffleReply:
		var msg wire.ShuffleReply
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		m.mergePassive(fromWireNodes(msg.Exchange))
		m.persist()
		return nil

	case wire.TagDisconnect:
		var msg wire.Disconnect
		if err := wire.UnmarshalPayload(env, &msg); err != nil {
			return err
		}
		peer, ok := m.active[msg.Peer]
		if !ok {
			peer = nodespec.NodeSpec{Name: msg.Peer}
		}
		delete(m.active, msg.Peer)
		m.admitPassive(peer)
		m.conn.Disconnect(peer)
		m.persist()
		m.fireChange()
		return nil

	default:
		return fmt.Errorf("partisan: unexpected membership tag %s", env.Tag)
	}
}

func (m *Manager) handleForwardJoin(ctx context.Context, msg wire.ForwardJoin) error {
	newPeer := fromWireNode(msg.NewPeer)
	if newPeer.Equal(m.self) {
		return nil
	}

	if msg.TTL == 0 || len(m.active) <= 1 {
		m.admitActive(newPeer)
		m.persist()
		m.fireChange()
		m.pending[newPeer.Name] = newPeer
		if err := m.conn.Connect(ctx, newPeer); err != nil {
			m.log.Warn("partisan: connect to forward_join peer failed", "peer", newPeer.Name, "error", err)
		}
		return nil
	}

	if msg.TTL == PRWL {
		m.admitPassive(newPeer)
		m.persist()
	}

	next, ok := m.randomActiveExcluding(msg.Sender)
	if !ok {
		return nil
	}
	return m.sender.SendProtocol(ctx, next, wire.TagForwardJoin, wire.ForwardJoin{
		NewPeer: msg.NewPeer,
		TTL:     msg.TTL - 1,
		Sender:  m.self.Name,
	})
}

func (m *Manager) handleNeighbor(ctx context.Context, msg wire.Neighbor) error {
	peer := fromWireNode(msg.Peer)
	accept := msg.Priority == neighborPriorityHigh || len(m.active) < ActiveSize

	if accept {
		m.admitActive(peer)
		m.persist()
		m.fireChange()
		return m.sender.SendProtocol(ctx, peer, wire.TagNeighborAccepted, wire.NeighborAccepted{Peer: toWireNode(m.self)})
	}
	return m.sender.SendProtocol(ctx, peer, wire.TagNeighborRejected, wire.NeighborRejected{Peer: toWireNode(m.self)})
}

func (m *Manager) handleShuffle(ctx context.Context, msg wire.Shuffle) error {
	if msg.TTL > 0 && len(m.active) > 1 {
		next, ok := m.randomActiveExcluding(msg.Sender)
		if !ok {
			return nil
		}
		return m.sender.SendProtocol(ctx, next, wire.TagShuffle, wire.Shuffle{
			Exchange: msg.Exchange,
			TTL:      msg.TTL - 1,
			Sender:   m.self.Name,
		})
	}

	response := m.randomPassiveSample(len(msg.Exchange))
	m.mergePassive(fromWireNodes(msg.Exchange))
	m.persist()

	sender := nodespec.NodeSpec{Name: msg.Sender}
	if p, ok := m.active[msg.Sender]; ok {
		sender = p
	} else if p, ok := m.passive[msg.Sender]; ok {
		sender = p
	}
	return m.sender.SendProtocol(ctx, sender, wire.TagShuffleReply, wire.ShuffleReply{
		Exchange: response,
		Sender:   m.self.Name,
	})
}

func (m *Manager) maintenance(ctx context.Context) {
	if len(m.active) == 0 {
		return
	}

	exchange := []wire.WireNode{toWireNode(m.self)}
	for _, p := range m.randomSample(m.active, KActive, "") {
		exchange = append(exchange, toWireNode(p))
	}
	for _, p := range m.randomSample(m.passive, KPassive, "") {
		exchange = append(exchange, toWireNode(p))
	}

	target, ok := m.randomFromMap(m.active, nodespec.NodeSpec{})
	if !ok {
		return
	}
	if err := m.sender.SendProtocol(ctx, target, wire.TagShuffle, wire.Shuffle{
		Exchange: exchange,
		TTL:      ARWL,
		Sender:   m.self.Name,
	}); err != nil {
		m.log.Warn("partisan: shuffle send failed", "peer", target.Name, "error", err)
	}
}

// admitActive applies the view-mutation rules: never admit
// self, evict a random Active member if full, and make sure the peer
// never ends up in both views at once.
func (m *Manager) admitActive(peer nodespec.NodeSpec) {
	if peer.Equal(m.self) {
		return
	}
	delete(m.passive, peer.Name)

	if _, ok := m.active[peer.Name]; ok {
		return
	}

	if len(m.active) >= ActiveSize {
		evicted, ok := m.randomFromMap(m.active, nodespec.NodeSpec{})
		if ok {
			delete(m.active, evicted.Name)
			m.admitPassive(evicted)
			go func(p nodespec.NodeSpec) {
				_ = m.sender.SendProtocol(context.Background(), p, wire.TagDisconnect, wire.Disconnect{Peer: m.self.Name})
			}(evicted)
			m.conn.Disconnect(evicted)
		}
	}

	m.active[peer.Name] = peer
	m.log.Info("partisan: admitted to active view", "peer", peer.Name, "view_size", len(m.active))
}

func (m *Manager) admitPassive(peer nodespec.NodeSpec) {
	if peer.Equal(m.self) {
		return
	}
	if _, ok := m.active[peer.Name]; ok {
		return
	}
	if _, ok := m.passive[peer.Name]; ok {
		return
	}

	if len(m.passive) >= PassiveSize {
		evicted, ok := m.randomFromMap(m.passive, nodespec.NodeSpec{})
		if ok {
			delete(m.passive, evicted.Name)
		}
	}
	m.passive[peer.Name] = peer
}

func (m *Manager) mergePassive(peers []nodespec.NodeSpec) {
	for _, p := range peers {
		if p.Equal(m.self) {
			continue
		}
		if _, ok := m.active[p.Name]; ok {
			continue
		}
		m.admitPassive(p)
	}
}

func (m *Manager) randomActiveExcluding(exclude string) (nodespec.NodeSpec, bool) {
	return m.randomFromMapExcluding(m.active, exclude)
}

func (m *Manager) randomFromMap(set map[string]nodespec.NodeSpec, exclude nodespec.NodeSpec) (nodespec.NodeSpec, bool) {
	return m.randomFromMapExcluding(set, exclude.Name)
}

func (m *Manager) randomFromMapExcluding(set map[string]nodespec.NodeSpec, exclude string) (nodespec.NodeSpec, bool) {
	candidates := make([]nodespec.NodeSpec, 0, len(set))
	for name, p := range set {
		if name == exclude {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nodespec.NodeSpec{}, false
	}
	return candidates[m.rng.Intn(len(candidates))], true
}

func (m *Manager) randomSample(set map[string]nodespec.NodeSpec, k int, exclude string) []nodespec.NodeSpec {
	candidates := make([]nodespec.NodeSpec, 0, len(set))
	for name, p := range set {
		if name == exclude {
			continue
		}
		candidates = append(candidates, p)
	}
	m.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

func (m *Manager) randomPassiveSample(size int) []wire.WireNode {
	sample := m.randomSample(m.passive, size, "")
	out := make([]wire.WireNode, 0, len(sample))
	for _, p := range sample {
		out = append(out, toWireNode(p))
	}
	return out
}

func toWireNode(n nodespec.NodeSpec) wire.WireNode {
	return wire.WireNode{Name: n.Name, Addrs: n.Addrs}
}

func fromWireNode(n wire.WireNode) nodespec.NodeSpec {
	return nodespec.NodeSpec{Name: n.Name, Addrs: n.Addrs}
}

func fromWireNodes(nodes []wire.WireNode) []nodespec.NodeSpec {
	out := make([]nodespec.NodeSpec, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, fromWireNode(n))
	}
	return out
}
