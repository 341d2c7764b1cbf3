package tm

import (
	"time"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/tlog"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// Status is the tri-state hold-back discipline spec.md §9 requires:
// entries start `new`, move to `uninitialized` while a commit is still
// dispatching its init messages, and only reach `ok` once fully set up,
// at which point any messages queued in the meantime replay in FIFO
// order (I5).
type Status int

const (
	StatusNew Status = iota
	StatusUninitialized
	StatusOK
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusOK:
		return "ok"
	default:
		return "new"
	}
}

// PaxRTLogTP is one (paxos_id, rtlog, tp_pid) tuple of an ItemState's
// per-replica slate, matching spec.md §3's ItemState.paxids_rtlogs_tps.
type PaxRTLogTP struct {
	PaxosID  wire.PaxosID
	RTLog    tlog.TLogEntry
	TP       actor.PID // zero until the TP registers
	Node     actor.PID // the DHT node hosting this key replica
	Acceptor actor.PID // that node's co-located acceptor
}

// ItemState is one TLog entry's worth of state at the TM/RTM, per
// spec.md §3.
type ItemState struct {
	ItemID wire.ItemID
	TxID   string
	Entry  tlog.TLogEntry

	Slates []PaxRTLogTP // one per key replica, len == ReplicationFactor

	votedReplicas map[string]bool // key_replica already counted, guards I2
	NumPrepared   int
	NumAbort      int

	Decision wire.Decision
	Status   Status
	HoldBack []any
}

// TxState is one transaction's worth of state at the TM/RTM, per
// spec.md §3.
type TxState struct {
	TxID      string
	Client    actor.PID
	ClientsID string
	TMPid     actor.PID
	RTMs      []actor.PID
	Items     []wire.ItemID
	Learners  []actor.PID

	NumPaxDecided    int
	NumTPsRegistered int
	NumInformed      int

	Decision  wire.Decision
	Status    Status
	HoldBack  []any
	CreatedAt time.Time // for the stale-id sweep, a backstop behind the per-tx tid_isdone timer
}

func newItemState(itemID wire.ItemID, txID string, entry tlog.TLogEntry, slates []PaxRTLogTP) *ItemState {
	return &ItemState{
		ItemID:        itemID,
		TxID:          txID,
		Entry:         entry,
		Slates:        slates,
		votedReplicas: make(map[string]bool),
		Decision:      wire.Undecided,
		Status:        StatusNew,
	}
}

func newTxState(txID string, client actor.PID, clientsID string, tmPid actor.PID, items []wire.ItemID) *TxState {
	return &TxState{
		TxID:      txID,
		Client:    client,
		ClientsID: clientsID,
		TMPid:     tmPid,
		Items:     items,
		Decision:  wire.Undecided,
		Status:    StatusNew,
		CreatedAt: time.Now(),
	}
}
