package fd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mnohosten/chordcommit/pkg/actor"
)

// RTMInfo is one entry of a Directory lookup: the PIDs of the RTM's
// transaction-manager actor and its co-located Paxos acceptor/learner,
// plus its position (role index) among the item's RTMs.
type RTMInfo struct {
	TM       actor.PID
	Acceptor actor.PID
	Role     int
}

// Directory is the "unreliable lookup" spec.md §4.5 names: a best-effort
// directory of which nodes currently serve as RTMs for a given ring key.
// It is unreliable in the sense the spec means it — a stale or
// partitioned Directory may return fewer than MinRTMs entries, which is
// precisely what drives a TM into initialization mode (spec.md §4.5,
// §9 Open Questions).
type Directory interface {
	// Lookup returns the known RTMs for ringKey, ordered by Role. found is
	// false only if ringKey is wholly unknown to this directory.
	Lookup(ctx context.Context, ringKey string) (rtms []RTMInfo, found bool, err error)
	// Announce registers this node as one of ringKey's RTMs.
	Announce(ctx context.Context, ringKey string, info RTMInfo) error
	// Withdraw removes this node from ringKey's RTM roster (on graceful
	// shutdown or role handoff).
	Withdraw(ctx context.Context, ringKey string, tm actor.PID) error
}

// InMemoryDirectory is the default/test Directory: a mutex-guarded map,
// grounded on pkg/replication/replica_set.go's in-memory `members` map of
// ReplicaSetConfig peers, generalized from "replica set membership" to
// "per-ring-key RTM roster".
type InMemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]map[actor.PID]RTMInfo
}

// NewInMemoryDirectory creates an empty InMemoryDirectory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{entries: make(map[string]map[actor.PID]RTMInfo)}
}

// Lookup implements Directory.
func (d *InMemoryDirectory) Lookup(_ context.Context, ringKey string) ([]RTMInfo, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byTM, ok := d.entries[ringKey]
	if !ok || len(byTM) == 0 {
		return nil, false, nil
	}
	out := make([]RTMInfo, 0, len(byTM))
	for _, info := range byTM {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, true, nil
}

// Announce implements Directory.
func (d *InMemoryDirectory) Announce(_ context.Context, ringKey string, info RTMInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	byTM, ok := d.entries[ringKey]
	if !ok {
		byTM = make(map[actor.PID]RTMInfo)
		d.entries[ringKey] = byTM
	}
	byTM[info.TM] = info
	return nil
}

// Withdraw implements Directory.
func (d *InMemoryDirectory) Withdraw(_ context.Context, ringKey string, tm actor.PID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if byTM, ok := d.entries[ringKey]; ok {
		delete(byTM, tm)
		if len(byTM) == 0 {
			delete(d.entries, ringKey)
		}
	}
	return nil
}

// EtcdDirectory is the pluggable production-shaped Directory, storing one
// key per (ringKey, tm) pair under Prefix so that a Get-with-prefix
// returns the full roster in one round trip. This plays the role
// pkg/replication/replica_set.go's ReplicaSetConfig peer list plays for a
// single replica set, but shared cluster-wide through etcd rather than
// gossiped between replica-set members directly.
type EtcdDirectory struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdDirectory creates an EtcdDirectory storing entries under
// prefix+"/" in client's keyspace.
func NewEtcdDirectory(client *clientv3.Client, prefix string) *EtcdDirectory {
	return &EtcdDirectory{client: client, prefix: prefix}
}

func (d *EtcdDirectory) key(ringKey string, tm actor.PID) string {
	return fmt.Sprintf("%s/%s/%s", d.prefix, ringKey, tm)
}

// Lookup implements Directory.
func (d *EtcdDirectory) Lookup(ctx context.Context, ringKey string) ([]RTMInfo, bool, error) {
	resp, err := d.client.Get(ctx, fmt.Sprintf("%s/%s/", d.prefix, ringKey), clientv3.WithPrefix())
	if err != nil {
		return nil, false, fmt.Errorf("fd: etcd lookup for %q: %w", ringKey, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	out := make([]RTMInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info RTMInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return nil, false, fmt.Errorf("fd: decoding directory entry %q: %w", kv.Key, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, true, nil
}

// Announce implements Directory.
func (d *EtcdDirectory) Announce(ctx context.Context, ringKey string, info RTMInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("fd: encoding directory entry: %w", err)
	}
	if _, err := d.client.Put(ctx, d.key(ringKey, info.TM), string(payload)); err != nil {
		return fmt.Errorf("fd: etcd announce for %q: %w", ringKey, err)
	}
	return nil
}

// Withdraw implements Directory.
func (d *EtcdDirectory) Withdraw(ctx context.Context, ringKey string, tm actor.PID) error {
	if _, err := d.client.Delete(ctx, d.key(ringKey, tm)); err != nil {
		return fmt.Errorf("fd: etcd withdraw for %q: %w", ringKey, err)
	}
	return nil
}
