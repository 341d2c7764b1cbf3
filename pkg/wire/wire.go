// Package wire defines the tagged message shapes exchanged between
// chordcommit actors (spec.md §6). These are plain Go structs, not
// protobuf: the physical transport is out of scope for this core
// (spec.md §1) and no generated stubs exist to wire one in, so the
// messages are transport-agnostic values that any Transport
// implementation (see pkg/actor) can carry.
package wire

import (
	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/tlog"
)

// Decision is the outcome an item's Paxos vote or a transaction's overall
// commit decision resolves to. Prepared/Abort are item-level (a single
// key replica's vote); Commit/Abort are transaction-level (spec.md §4.2
// I4: commit iff every item is prepared). Both share one enum because
// both describe the same "decided value never changes" Paxos-Commit
// discipline (spec.md §8 "safety under takeover").
type Decision int

const (
	Undecided Decision = iota
	Prepared
	Abort
	Commit
)

func (d Decision) String() string {
	switch d {
	case Prepared:
		return "prepared"
	case Abort:
		return "abort"
	case Commit:
		return "commit"
	default:
		return "undecided"
	}
}

// PaxosID identifies one Paxos-Commit consensus instance: a single key
// replica's vote within one transaction (spec.md §4.4).
type PaxosID struct {
	TxID       string
	KeyReplica string
}

// ItemID identifies one TLog entry's worth of state at the TM. It is
// deterministic from (tx_id, index) rather than a second independently
// minted UUID: tx_id uniqueness (I1) already makes this globally unique,
// and deriving it avoids an extra allocation/registration per item.
type ItemID struct {
	TxID  string
	Index int
}

// InitTP is sent by the TM to every replica of every touched key.
type InitTP struct {
	TxID       string
	RTMs       []actor.PID
	Acceptors  []actor.PID
	TM         actor.PID
	RTLog      tlog.TLogEntry
	ItemID     ItemID
	PaxosID    PaxosID
}

// RegisterTP is sent by a TP to every RTM once it has taken its vote.
type RegisterTP struct {
	TxID    string
	ItemID  ItemID
	PaxosID PaxosID
	TP      actor.PID
}

// InitRTMSlate is one key replica's share of an InitRTMItem: enough for
// the RTM to independently build a matching ItemState slate without
// having performed its own routing.
type InitRTMSlate struct {
	PaxosID  PaxosID
	Node     actor.PID
	Acceptor actor.PID
}

// InitRTMItem mirrors one TM-side ItemState, copied wholesale to a
// standby RTM so it can reconstruct the transaction's state if it must
// take over (spec.md §6 `{init_RTM, tx_state, item_states, role_index}`).
type InitRTMItem struct {
	ItemID ItemID
	Entry  tlog.TLogEntry
	Slates []InitRTMSlate
}

// InitRTM seeds a standby RTM with the TM's current TxState/ItemState
// view and that RTM's role index.
type InitRTM struct {
	TxID      string
	Client    actor.PID
	ClientsID string
	RoleIndex int
	RTMs      []actor.PID
	Items     []InitRTMItem
}

// LearnerDecide notifies the TM/RTMs that one Paxos instance decided.
type LearnerDecide struct {
	ItemID   ItemID
	PaxosID  PaxosID
	Decision Decision
}

// TxCommit is the client's commit request to its local TM.
type TxCommit struct {
	Client    actor.PID
	ClientsID string
	Log       tlog.TLog
}

// TxCommitReply is the TM's single reply carrying the final decision,
// sent to the client and to every registered TP.
type TxCommitReply struct {
	TxID      string
	ClientsID string
	Decision  Decision
}

// TxDelete tells RTMs (and, for a TP, its commit_reply path) the final
// decision so state can be garbage collected.
type TxDelete struct {
	TxID     string
	Decision Decision
}

// ProposeYourself asks an RTM to begin a takeover for tx_id.
type ProposeYourself struct {
	TxID string
}

// TidIsDone is the TM's/RTM's delayed self-message armed at ~2x
// tx_timeout; re-armed under backlog, otherwise triggers takeover.
type TidIsDone struct {
	TxID string
}

// Crash is emitted by the failure detector to its subscribers.
type Crash struct {
	PID    actor.PID
	Cookie string
}

// GetRTM asks the directory to resolve the RTM/acceptor at a ring
// position for role_name.
type GetRTM struct {
	ReplyTo  actor.PID
	RingKey  string
	RoleName string
}

// GetRTMReply answers a GetRTM lookup.
type GetRTMReply struct {
	RingKey    string
	PID        actor.PID
	AcceptorID actor.PID
	Found      bool
}

// AcceptorPID derives a node's co-located acceptor PID from its own PID.
// Every node hosts exactly one acceptor (spec.md §2), so this is a pure
// naming convention rather than a lookup: any package that knows a node's
// PID can derive its acceptor's PID the same way.
func AcceptorPID(node actor.PID) actor.PID {
	return node + ":acceptor"
}
