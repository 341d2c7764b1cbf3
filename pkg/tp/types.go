package tp

import (
	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/tlog"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// session is one (tx_id, item_id)'s worth of TP-local state: the vote
// this node took and whether it still needs to be undone (spec.md §4.3).
type session struct {
	itemID   wire.ItemID
	paxosID  wire.PaxosID
	key      string
	op       tlog.Op
	value    []byte
	prepared bool

	tm  actor.PID
	rtm []actor.PID

	resolved bool // true once commit/abort has been applied or released
}

func newSession(itemID wire.ItemID, paxosID wire.PaxosID, entry tlog.TLogEntry, prepared bool, tm actor.PID, rtms []actor.PID) *session {
	return &session{
		itemID:   itemID,
		paxosID:  paxosID,
		key:      entry.Key,
		op:       entry.Op,
		value:    entry.Value,
		prepared: prepared,
		tm:       tm,
		rtm:      rtms,
	}
}
