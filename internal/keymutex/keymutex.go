// Package keymutex provides sharded per-key mutual exclusion. It replaces a
// single global lock so mutations on unrelated keys (different operations,
// different platform/asset pairs) proceed fully concurrently while mutations
// on the same key are serialized.
package keymutex

import "sync"

const defaultShards = 64

// KeyedMutex maps string keys onto a fixed set of mutex shards by FNV-1a
// hash. Two distinct keys may share a shard; that only costs throughput,
// never correctness.
type KeyedMutex struct {
	shards []sync.Mutex
}

// New creates a KeyedMutex with the given shard count. Zero or negative
// counts fall back to the default.
func New(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard for key and returns the unlock function. Calling
// unlock twice is a programming invariant violation and panics: it means the
// caller's critical-section bookkeeping is corrupted and continuing could
// corrupt ledger state.
func (m *KeyedMutex) Lock(key string) (unlock func()) {
	shard := &m.shards[fnv1a(key)%uint32(len(m.shards))]
	shard.Lock()

	unlocked := false
	return func() {
		if unlocked {
			panic("keymutex: unlock called twice for key " + key)
		}
		unlocked = true
		shard.Unlock()
	}
}

func fnv1a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
