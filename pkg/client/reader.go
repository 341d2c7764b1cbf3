package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/replicastore"
	"github.com/mnohosten/chordcommit/pkg/ring"
)

// DirectStores resolves node PIDs to in-process *replicastore.Store
// values, the read-path counterpart of pkg/paxos.DirectAcceptors:
// rather than round-tripping a read request through actor.Transport,
// a QuorumRead reaches each replica's store directly. A real deployment
// would instead send a wire-level read request per replica and collect
// replies the same way; this is the in-process simulation cmd/chordnode
// and tests run against.
type DirectStores struct {
	mu     sync.RWMutex
	stores map[actor.PID]*replicastore.Store
}

// NewDirectStores creates an empty in-process store directory.
func NewDirectStores() *DirectStores {
	return &DirectStores{stores: make(map[actor.PID]*replicastore.Store)}
}

// Add registers pid's Store for direct dispatch.
func (d *DirectStores) Add(pid actor.PID, s *replicastore.Store) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stores[pid] = s
}

func (d *DirectStores) get(pid actor.PID) (*replicastore.Store, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stores[pid]
	return s, ok
}

// QuorumReader implements tlog.QuorumReader by reading every replica of
// a key directly through DirectStores and returning the highest version
// seen among at least quorum reachable replicas (spec.md §8's
// "read returns the most recently committed value a majority agrees
// on"). Fewer than quorum reachable/found replicas is reported as a
// miss, matching the `{fail, not_found}` outcome a real quorum read
// would hand back under partial replica loss.
type QuorumReader struct {
	router      ring.Router
	replicaKeys ring.ReplicaKeyFunc
	stores      *DirectStores
	quorum      int
}

// NewQuorumReader creates a QuorumReader requiring quorum replicas to
// respond/agree before a read is considered found.
func NewQuorumReader(router ring.Router, replicaKeys ring.ReplicaKeyFunc, stores *DirectStores, quorum int) *QuorumReader {
	if quorum < 1 {
		quorum = 1
	}
	return &QuorumReader{router: router, replicaKeys: replicaKeys, stores: stores, quorum: quorum}
}

// QuorumRead implements tlog.QuorumReader.
func (q *QuorumReader) QuorumRead(_ context.Context, key string) (value []byte, version uint64, found bool, err error) {
	replicaKeys, rerr := q.replicaKeys.ReplicaKeys(ring.Key(key))
	if rerr != nil {
		return nil, 0, false, fmt.Errorf("client: resolving replica keys for %q: %w", key, rerr)
	}

	var bestValue []byte
	var bestVersion uint64
	var responses int
	for _, rk := range replicaKeys {
		node, rerr := q.router.Route(rk)
		if rerr != nil {
			continue
		}
		store, ok := q.stores.get(node)
		if !ok {
			continue
		}
		v, ver, ok := store.Get(key)
		if !ok {
			continue
		}
		responses++
		if ver >= bestVersion {
			bestVersion = ver
			bestValue = v
		}
	}

	if responses < q.quorum {
		return nil, 0, false, nil
	}
	return bestValue, bestVersion, true, nil
}
