// Package config holds the tunables shared across chordcommit's TM, RTM,
// TP, Paxos, and failure-detector components, mirroring the
// Config-struct-plus-DefaultConfig pattern the rest of the teacher
// codebase uses (e.g. replication.DefaultReplicaSetConfig,
// server.DefaultConfig).
package config

import "time"

// Config is the single place every chordcommit component reads its
// timing and quorum parameters from.
type Config struct {
	// ReplicationFactor (R) is the number of replicas per key, which is
	// also the number of RTMs maintained per transaction.
	ReplicationFactor int

	// QuorumFactor is the majority threshold used for Paxos acceptance
	// and item decisions. It must satisfy 2*QuorumFactor > ReplicationFactor;
	// Quorum() below derives the canonical ⌈(R+1)/2⌉ value and
	// QuorumFactor exists only to let a deployment widen it further.
	QuorumFactor int

	// TxTimeout is the base duration transactions size their delayed
	// self-messages against: `tid_isdone` fires at roughly 2*TxTimeout,
	// and the stale-id sweep at roughly 3*TxTimeout.
	TxTimeout time.Duration

	// TxRTMUpdateInterval controls how often a TM rediscovers its RTM
	// roster via the Directory.
	TxRTMUpdateInterval time.Duration

	// MinRTMs is the minimum known RTM count (capped at
	// ReplicationFactor-1) below which a TM enters initialization mode and
	// refuses new commits rather than proceeding with an under-replicated
	// roster; refused commits are not forwarded to another TM.
	MinRTMs int

	// RepUpdateActivate, RepUpdateFPR, RepUpdateMaxItems, and
	// RepUpdateInterval configure the anti-entropy sweep. Anti-entropy
	// itself is not part of this core (spec.md names it as such); these
	// fields exist only so a deployment wiring one in has a conventional
	// place to configure it.
	RepUpdateActivate bool
	RepUpdateFPR      float64
	RepUpdateMaxItems int
	RepUpdateInterval time.Duration

	// HeartbeatInterval and HeartbeatTimeout size the failure detector's
	// default HeartbeatOracle ping loop.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns the spec's enumerated defaults: R=3, quorum=2,
// a 5s tx_timeout, RTM rediscovery every 2s, and MinRTMs=3 (fewer than
// three known RTMs forces initialization mode).
func DefaultConfig() *Config {
	return &Config{
		ReplicationFactor:   3,
		QuorumFactor:        2,
		TxTimeout:           5 * time.Second,
		TxRTMUpdateInterval: 2 * time.Second,
		MinRTMs:             3,
		RepUpdateActivate:   false,
		RepUpdateFPR:        0.01,
		RepUpdateMaxItems:   10000,
		RepUpdateInterval:   30 * time.Second,
		HeartbeatInterval:   1 * time.Second,
		HeartbeatTimeout:    3 * time.Second,
	}
}

// Quorum returns the majority threshold this config's ReplicationFactor
// and QuorumFactor agree on: the canonical ⌈(R+1)/2⌉ (matching
// pkg/paxos.Quorum), raised to QuorumFactor if a deployment configured a
// stricter one. QuorumFactor can only widen the threshold, never narrow
// it below the canonical majority (that would violate the "2*quorum > R"
// requirement spec.md's config surface itself states).
func (c *Config) Quorum() int {
	canonical := (c.ReplicationFactor + 2) / 2
	if c.QuorumFactor > canonical {
		return c.QuorumFactor
	}
	return canonical
}
