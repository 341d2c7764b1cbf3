// Package ring provides the default implementation of the two DHT
// collaborators spec.md §1 places out of scope and specifies only by
// interface: route(Key) -> NodePid and replica_keys(Key) -> [K1..KR].
// chordcommit's protocol packages only ever depend on the Router and
// ReplicaKeyFunc interfaces below; RingRouter is one concrete,
// deterministic-hash-based implementation used by tests and
// cmd/chordnode so the module is runnable standalone without a real
// overlay network.
package ring

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/mnohosten/chordcommit/pkg/actor"
)

// Key is an opaque hashable identifier (spec.md §3).
type Key string

// Router resolves a key to the node process that currently owns it.
type Router interface {
	Route(key Key) (actor.PID, error)
}

// ReplicaKeyFunc yields the R deterministic replica keys covering the
// ring position of key, in ring order.
type ReplicaKeyFunc interface {
	ReplicaKeys(key Key) ([]Key, error)
}

// ErrEmptyRing is returned by RingRouter when no nodes have joined.
var ErrEmptyRing = fmt.Errorf("ring: no nodes in ring")

// position hashes key into the ring's 64-bit position space with
// blake2b-256, taking the low 8 bytes of the digest. blake2b (rather than
// hash/fnv or crypto/md5, which the teacher's own shard_key.go reaches
// for) matches the pack-wide convention of using golang.org/x/crypto for
// content hashing (see DESIGN.md).
func position(s string) uint64 {
	sum := blake2b.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// RingRouter is a chord-style consistent-hashing ring: each node owns the
// arc up to and including its own position, and a key's R replicas are
// that key's owning node plus its R-1 ring successors (spec.md §2's
// "replicas of the touched key").
type RingRouter struct {
	mu    sync.RWMutex
	nodes map[uint64]actor.PID
	order []uint64 // sorted positions, kept in sync with nodes
	r     int
}

// NewRingRouter creates a ring with replication factor r.
func NewRingRouter(r int) *RingRouter {
	if r < 1 {
		r = 1
	}
	return &RingRouter{
		nodes: make(map[uint64]actor.PID),
		r:     r,
	}
}

// Join adds a node to the ring at a position derived from its PID.
func (rr *RingRouter) Join(pid actor.PID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	pos := position(string(pid))
	if _, exists := rr.nodes[pos]; exists {
		return
	}
	rr.nodes[pos] = pid
	rr.order = append(rr.order, pos)
	sort.Slice(rr.order, func(i, j int) bool { return rr.order[i] < rr.order[j] })
}

// Leave removes a node from the ring.
func (rr *RingRouter) Leave(pid actor.PID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	pos := position(string(pid))
	if _, exists := rr.nodes[pos]; !exists {
		return
	}
	delete(rr.nodes, pos)
	for i, p := range rr.order {
		if p == pos {
			rr.order = append(rr.order[:i], rr.order[i+1:]...)
			break
		}
	}
}

// Route returns the node owning key: the first node at or after key's
// ring position, wrapping around to the first node otherwise. A replica
// key produced by ReplicaKeys is placed at the successor position it
// encodes rather than at the hash of its own text.
func (rr *RingRouter) Route(key Key) (actor.PID, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if len(rr.order) == 0 {
		return "", ErrEmptyRing
	}
	pos := position(string(key))
	if at := strings.LastIndexByte(string(key), '@'); at >= 0 && strings.Contains(string(key[:at]), "#replica") {
		if p, err := strconv.ParseUint(string(key[at+1:]), 10, 64); err == nil {
			pos = p
		}
	}
	idx := sort.Search(len(rr.order), func(i int) bool { return rr.order[i] >= pos })
	if idx == len(rr.order) {
		idx = 0
	}
	return rr.nodes[rr.order[idx]], nil
}

// ReplicaKeys returns the key itself followed by R-1 successor-owned ring
// positions, encoded as synthetic keys so callers can Route each one
// independently to land on distinct replica-holding nodes. With fewer
// than R nodes joined, the same node may legitimately be returned for
// more than one replica key (the minority-crash tolerance then degrades
// accordingly, matching a real small ring).
func (rr *RingRouter) ReplicaKeys(key Key) ([]Key, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if len(rr.order) == 0 {
		return nil, ErrEmptyRing
	}

	pos := position(string(key))
	start := sort.Search(len(rr.order), func(i int) bool { return rr.order[i] >= pos })
	if start == len(rr.order) {
		start = 0
	}

	keys := make([]Key, 0, rr.r)
	keys = append(keys, key)
	for i := 1; i < rr.r; i++ {
		idx := (start + i) % len(rr.order)
		keys = append(keys, Key(fmt.Sprintf("%s#replica%d@%d", key, i, rr.order[idx])))
	}
	return keys, nil
}

// Size returns the number of nodes currently joined.
func (rr *RingRouter) Size() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.order)
}
