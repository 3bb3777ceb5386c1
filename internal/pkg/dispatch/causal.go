package dispatch

import "sync"

// VectorClock maps node name to the highest sequence number received
// from (or, for self, emitted by) that node for one causal label.
type VectorClock map[string]uint64

func (vc VectorClock) clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

func (vc VectorClock) dominates(dep VectorClock, sender string) bool {
	for node, depSeq := range dep {
		have := vc[node]
		if node == sender {
			// The sender's entry must be exactly the next sequence
			// number after the last one received from it.
			if have+1 != depSeq {
				return false
			}
			continue
		}
		if have < depSeq {
			return false
		}
	}
	return true
}

// DeliveryFunc is invoked once a buffered message's dependencies are
// satisfied.
type DeliveryFunc func(target string, payload []byte)

type buffered struct {
	sender  string
	dep     VectorClock
	payload []byte
	target  string
}

type labelState struct {
	self     string
	received VectorClock
	sent     uint64
	buffer   []buffered
	deliver  DeliveryFunc
}

// CausalLayer tracks one vector clock and delivery buffer per label.
type CausalLayer struct {
	mu     sync.Mutex
	self   string
	labels map[string]*labelState
}

// NewCausalLayer creates a layer for node self.
func NewCausalLayer(self string) *CausalLayer {
	return &CausalLayer{self: self, labels: make(map[string]*labelState)}
}

// SetDeliveryFun registers the function invoked when a message on
// label becomes deliverable.
func (c *CausalLayer) SetDeliveryFun(label string, fn DeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labelLocked(label).deliver = fn
}

func (c *CausalLayer) labelLocked(label string) *labelState {
	ls, ok := c.labels[label]
	if !ok {
		ls = &labelState{self: c.self, received: make(VectorClock)}
		c.labels[label] = ls
	}
	return ls
}

// NextDependency returns the vector clock to attach to the next
// message emitted on label, and advances self's own counter.
func (c *CausalLayer) NextDependency(label string) VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls := c.labelLocked(label)
	ls.sent++
	dep := ls.received.clone()
	dep[c.self] = ls.sent
	return dep
}

// Deliver hands an incoming message to the causal layer. It is
// delivered immediately (and the buffer re-scanned for anything it
// unblocks) if its dependencies are satisfied, otherwise buffered.
func (c *CausalLayer) Deliver(label, sender string, dep VectorClock, target string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls := c.labelLocked(label)
	c.bufferOrDeliverLocked(ls, sender, dep, target, payload)
	c.drainLocked(ls)
}

func (c *CausalLayer) bufferOrDeliverLocked(ls *labelState, sender string, dep VectorClock, target string, payload []byte) {
	if ls.received.dominates(dep, sender) {
		ls.received[sender] = dep[sender]
		if ls.deliver != nil {
			ls.deliver(target, payload)
		}
		return
	}
	ls.buffer = append(ls.buffer, buffered{sender: sender, dep: dep, payload: payload, target: target})
}

// drainLocked repeatedly scans the buffer for newly-deliverable
// messages until a full pass makes no progress.
func (c *CausalLayer) drainLocked(ls *labelState) {
	for {
		progressed := false
		remaining := ls.buffer[:0]
		for _, b := range ls.buffer {
			if ls.received.dominates(b.dep, b.sender) {
				ls.received[b.sender] = b.dep[b.sender]
				if ls.deliver != nil {
					ls.deliver(b.target, b.payload)
				}
				progressed = true
				continue
			}
			remaining = append(remaining, b)
		}
		ls.buffer = remaining
		if !progressed {
			return
		}
	}
}
