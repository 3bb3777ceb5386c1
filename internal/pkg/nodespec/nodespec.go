// Package nodespec defines the identity and channel-capability types
// shared by every other package in partisan: node identities, logical
// channels, and the node-qualified references used as message
// destinations.
package nodespec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// NodeSpec identifies a peer in the cluster. Two specs are equal iff
// their Name is equal; Addrs and the rest are metadata only.
type NodeSpec struct {
	Name  string
	Addrs []string
}

// Equal compares two specs by name only, per the data model invariant.
func (n NodeSpec) Equal(other NodeSpec) bool {
	return n.Name == other.Name
}

func (n NodeSpec) String() string {
	return n.Name
}

// IsZero reports whether n is the empty NodeSpec.
func (n NodeSpec) IsZero() bool {
	return n.Name == ""
}

// Channel is a named logical lane between two peers.
type Channel struct {
	Name string
	// Monotonic channels force slot 0 for every message, giving
	// strict FIFO end to end.
	Monotonic bool
	// Parallelism is the number of independent sockets kept open for
	// this channel to a given peer.
	Parallelism int
	// Compression is a gzip level in [0,9], or -1 for no
	// compression.
	Compression int
}

// DefaultChannelName is the channel every node always has.
const DefaultChannelName = "default"

// DefaultChannels returns the channel set every node starts with when
// no explicit channel configuration is provided.
func DefaultChannels() map[string]Channel {
	return map[string]Channel{
		DefaultChannelName: {Name: DefaultChannelName, Monotonic: false, Parallelism: 1, Compression: -1},
		"membership":       {Name: "membership", Monotonic: false, Parallelism: 1, Compression: -1},
		"gossip":           {Name: "gossip", Monotonic: false, Parallelism: 1, Compression: -1},
		"vnode":            {Name: "vnode", Monotonic: true, Parallelism: 4, Compression: -1},
		"rpc":              {Name: "rpc", Monotonic: false, Parallelism: 1, Compression: -1},
	}
}

// RemoteRefFormat selects the wire representation of a RemoteRef.
type RemoteRefFormat uint8

const (
	// ImproperList pairs the node name with an opaque process token,
	// gob-encoded as a two-field struct.
	ImproperList RemoteRefFormat = iota
	// URI encodes the reference as a "partisan://node/name-or-token"
	// string.
	URI
)

// RemoteRef is a destination identifier usable as a message target:
// either {node, registered-name}, {node, opaque-process-id}, or a pure
// node name.
type RemoteRef struct {
	Node  string
	Name  string
	Token string
}

// IsPureNode reports whether the ref names only a node, with no
// registered name or process token.
func (r RemoteRef) IsPureNode() bool {
	return r.Name == "" && r.Token == ""
}

type wireRef struct {
	Node  string
	Name  string
	Token string
}

// Encode serialises r using the given wire format. The encoding is
// bit-stable for a given format so that it round-trips across a
// cluster of mixed builds configured with the same remote_ref_format.
func (r RemoteRef) Encode(format RemoteRefFormat) ([]byte, error) {
	switch format {
	case URI:
		target := r.Name
		if target == "" {
			target = r.Token
		}
		uri := fmt.Sprintf("partisan://%s/%s", r.Node, target)
		return []byte(uri), nil
	default:
		buf := new(bytes.Buffer)
		if err := gob.NewEncoder(buf).Encode(wireRef(r)); err != nil {
			return nil, fmt.Errorf("encode remote ref: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// DecodeRemoteRef parses bytes previously produced by Encode. The
// format must match what Encode was called with; there's no
// self-describing tag on the wire. The URI form carries one target
// string and always decodes it as Name: a ref encoded with only a
// Token comes back with that token in Name and an empty Token.
func DecodeRemoteRef(b []byte, format RemoteRefFormat) (RemoteRef, error) {
	switch format {
	case URI:
		s := string(b)
		const prefix = "partisan://"
		if len(s) < len(prefix) || s[:len(prefix)] != prefix {
			return RemoteRef{}, fmt.Errorf("decode remote ref: malformed uri %q", s)
		}
		rest := s[len(prefix):]
		slash := bytes.IndexByte([]byte(rest), '/')
		if slash < 0 {
			return RemoteRef{Node: rest}, nil
		}
		node := rest[:slash]
		target := rest[slash+1:]
		return RemoteRef{Node: node, Name: target}, nil
	default:
		var w wireRef
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
			return RemoteRef{}, fmt.Errorf("decode remote ref: %w", err)
		}
		return RemoteRef(w), nil
	}
}
