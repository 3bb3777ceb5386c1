package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Tag identifies the kind of message carried in an Envelope. Tags are
// stable across versions: new tags may be added, existing ones never
// change meaning.
type Tag string

const (
	TagHello            Tag = "hello"
	TagForwardJoin      Tag = "forward_join"
	TagNeighbor         Tag = "neighbor"
	TagNeighborAccepted Tag = "neighbor_accepted"
	TagNeighborRejected Tag = "neighbor_rejected"
	TagShuffle          Tag = "shuffle"
	TagShuffleReply     Tag = "shuffle_reply"
	TagDisconnect       Tag = "disconnect"
	TagData             Tag = "data"
	TagForward          Tag = "forward"
	TagDataWithID       Tag = "data_with_id"
	TagAck              Tag = "ack"
)

// Hello is the first frame sent on every new peer socket.
type Hello struct {
	NodeName string
	Channel  string
}

// WireNode is the over-the-wire form of nodespec.NodeSpec, kept
// independent of the nodespec package so the wire format doesn't change
// shape if the in-memory type grows fields.
type WireNode struct {
	Name  string
	Addrs []string
}

// ForwardJoin carries a newly joining peer one hop further through the
// active-random-walk.
type ForwardJoin struct {
	NewPeer WireNode
	TTL     int
	Sender  string
}

// Neighbor is a replacement request sent to a passive-view candidate.
type Neighbor struct {
	Peer     WireNode
	Priority string // "high" or "low"
	Sender   string
}

// NeighborAccepted/NeighborRejected answer a Neighbor request.
type NeighborAccepted struct{ Peer WireNode }
type NeighborRejected struct{ Peer WireNode }

// Shuffle carries a sample exchange one hop further, or is answered
// with a ShuffleReply once TTL is exhausted.
type Shuffle struct {
	Exchange []WireNode
	TTL      int
	Sender   string
}

type ShuffleReply struct {
	Exchange []WireNode
	Sender   string
}

// Disconnect moves a peer from Active to Passive on the receiver.
type Disconnect struct {
	Peer string
}

// Data is a plain application frame. CausalLabel is empty unless the
// sender attached causal-delivery metadata, in which case CausalDep
// carries the dependency vector clock to satisfy before delivery.
type Data struct {
	Payload     []byte
	CausalLabel string
	CausalDep   map[string]uint64
}

// Forward carries a routing tag the receiver dispatches to a
// registered local process.
type Forward struct {
	ServerRef   string
	Payload     []byte
	CausalLabel string
	CausalDep   map[string]uint64
}

// DataWithID/Ack implement the application-level acknowledged send.
type DataWithID struct {
	ID      string
	Payload []byte
}

type Ack struct {
	ID string
}

// Envelope is the gob-encoded body of every frame, hello included: a stable
// tag plus an opaque payload that is itself gob-encoded as the
// concrete message type named by Tag.
type Envelope struct {
	Tag     Tag
	Payload []byte
}

// Marshal gob-encodes msg into an Envelope body under tag.
func Marshal(tag Tag, msg interface{}) ([]byte, error) {
	payloadBuf := new(bytes.Buffer)
	if err := gob.NewEncoder(payloadBuf).Encode(msg); err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", tag, err)
	}

	env := Envelope{Tag: tag, Payload: payloadBuf.Bytes()}
	envBuf := new(bytes.Buffer)
	if err := gob.NewEncoder(envBuf).Encode(env); err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", tag, err)
	}
	return envBuf.Bytes(), nil
}

// Unmarshal decodes an Envelope and reports its tag; use UnmarshalPayload
// to decode the concrete message once the tag is known.
func Unmarshal(body []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: unmarshal envelope: %v", ErrBadFrame, err)
	}
	return env, nil
}

// UnmarshalPayload decodes env's payload into out, which must be a
// pointer to the concrete message type matching env.Tag.
func UnmarshalPayload(env Envelope, out interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(out); err != nil {
		return fmt.Errorf("%w: unmarshal %s payload: %v", ErrBadFrame, env.Tag, err)
	}
	return nil
}
