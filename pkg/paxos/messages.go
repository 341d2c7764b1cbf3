package paxos

import (
	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// PrepareReq is phase 1 of Paxos-Commit: a proposer asking an acceptor to
// promise not to accept any round lower than Round (spec.md §4.4).
type PrepareReq struct {
	From    actor.PID
	PaxosID wire.PaxosID
	Round   int
}

// PrepareResp answers a PrepareReq. If Promised and HasAccepted,
// AcceptedRound/Value report the highest-round value this acceptor
// already accepted for PaxosID, letting the proposer preserve Paxos
// safety across a takeover. HasAccepted is false (rather than relying on
// a zero AcceptedRound sentinel) because round 0 is itself a valid,
// frequently-used round — the TM's own first proposal.
type PrepareResp struct {
	PaxosID       wire.PaxosID
	Round         int
	Promised      bool
	HasAccepted   bool
	AcceptedRound int
	AcceptedValue wire.Decision
}

// AcceptReq is phase 2: the proposer asking an acceptor to accept Value
// at Round.
type AcceptReq struct {
	From    actor.PID
	PaxosID wire.PaxosID
	Round   int
	Value   wire.Decision
}

// AcceptResp answers an AcceptReq.
type AcceptResp struct {
	PaxosID  wire.PaxosID
	Round    int
	Accepted bool
}

// AcceptedNotify is broadcast by an acceptor to every learner it knows
// about whenever it accepts a value, so learners can count distinct
// accepts per spec.md §4.4.
type AcceptedNotify struct {
	Acceptor actor.PID
	PaxosID  wire.PaxosID
	Round    int
	Value    wire.Decision
}
