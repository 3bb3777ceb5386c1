// Package partitionkey hashes dispatch partition keys to a stable slot
// index, adapted from ctrliq-beskar's pkg/rv rendezvous-hash node
// selector: there, murmur3 picked which node owns a shard key;
// here it picks which parallelism slot of an already-resolved
// connection a message with a given partition key lands on.
package partitionkey

import "github.com/twmb/murmur3"

// Hash returns a stable 64-bit digest of key.
func Hash(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// HashString is a convenience wrapper for string partition keys.
func HashString(key string) uint64 {
	return murmur3.StringSum64(key)
}

// Slot maps key onto a slot in [0, parallelism). parallelism must be >
// 0.
func Slot(key []byte, parallelism int) int {
	if parallelism <= 0 {
		return 0
	}
	return int(Hash(key) % uint64(parallelism))
}
