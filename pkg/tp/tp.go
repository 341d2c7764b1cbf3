// Package tp implements the transaction participant role of spec.md
// §4.3: every DHT node plays TP for the keys it hosts, validating a
// commit's tentative read/write against local replica state, voting via
// Paxos, and applying or releasing on the final decision.
//
// Grounded on pkg/distributed/database_participant.go's session map
// keyed by transaction ID with Prepare/Commit/Abort methods, generalized
// from "vote yes unconditionally" to real version/lock validation
// against pkg/replicastore, and from direct 2PC calls to an
// actor-mailbox-driven init_TP/commit_reply protocol.
package tp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/paxos"
	"github.com/mnohosten/chordcommit/pkg/replicastore"
	"github.com/mnohosten/chordcommit/pkg/tlog"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// TP is the one-per-node transaction participant actor.
type TP struct {
	*actor.Base

	store         *replicastore.Store
	localAcceptor *paxos.Acceptor // this node's own acceptor, for AddLearners
	proposer      *paxos.Proposer
	log           *zap.SugaredLogger

	mu               sync.Mutex
	sessionsByTx     map[string][]*session
	sessionsByItem   map[wire.ItemID]*session
	pendingDecisions map[string]wire.Decision // tx_id -> decision, for commit_reply that outraced init_TP
}

// New creates a TP backed by store for local replica state, voting
// through proposer against the acceptors named in each init_TP, and
// registering that transaction's TM and RTMs as learners on localAcceptor
// (this node's own acceptor instance) for every paxos_id it votes on.
func New(base *actor.Base, store *replicastore.Store, localAcceptor *paxos.Acceptor, proposer *paxos.Proposer) *TP {
	logger := zap.NewNop().Sugar()
	if base != nil {
		logger = base.Log
	}
	return &TP{
		Base:             base,
		store:            store,
		localAcceptor:    localAcceptor,
		proposer:         proposer,
		log:              logger,
		sessionsByTx:     make(map[string][]*session),
		sessionsByItem:   make(map[wire.ItemID]*session),
		pendingDecisions: make(map[string]wire.Decision),
	}
}

// HandleMessage dispatches wire-level messages arriving through the
// actor mailbox.
func (p *TP) HandleMessage(msg any) {
	switch m := msg.(type) {
	case wire.InitTP:
		p.onInitTP(m)
	case wire.TxCommitReply:
		p.onCommitReply(m)
	}
}

// onInitTP implements spec.md §4.3 steps 1-4. If a commit_reply for this
// tx_id already arrived (the late-registration race spec.md §4.3 calls
// out), the decision is already final: there is nothing left to vote on,
// so the entry is resolved immediately instead of being prepared/voted.
func (p *TP) onInitTP(msg wire.InitTP) {
	p.mu.Lock()
	if decision, ok := p.pendingDecisions[msg.TxID]; ok {
		delete(p.pendingDecisions, msg.TxID)
		p.mu.Unlock()
		p.applyOrReleaseKey(msg.RTLog.Key, msg.RTLog.Op, msg.RTLog.Value, decision)
		return
	}
	p.mu.Unlock()

	var prepared bool
	if msg.RTLog.Op == tlog.OpWrite {
		prepared = p.store.PrepareWrite(msg.RTLog.Key, msg.RTLog.VersionRead)
	} else {
		prepared = p.store.PrepareRead(msg.RTLog.Key, msg.RTLog.VersionRead)
	}

	sess := newSession(msg.ItemID, msg.PaxosID, msg.RTLog, prepared, msg.TM, msg.RTMs)

	p.mu.Lock()
	p.sessionsByTx[msg.TxID] = append(p.sessionsByTx[msg.TxID], sess)
	p.sessionsByItem[msg.ItemID] = sess
	p.mu.Unlock()

	p.send(msg.TM, wire.RegisterTP{TxID: msg.TxID, ItemID: msg.ItemID, PaxosID: msg.PaxosID, TP: p.selfPID()})
	for _, rtm := range msg.RTMs {
		p.send(rtm, wire.RegisterTP{TxID: msg.TxID, ItemID: msg.ItemID, PaxosID: msg.PaxosID, TP: p.selfPID()})
	}

	if p.localAcceptor != nil {
		learners := append([]actor.PID{msg.TM}, msg.RTMs...)
		p.localAcceptor.AddLearners(msg.PaxosID, learners)
	}

	vote := wire.Abort
	if prepared {
		vote = wire.Prepared
	}
	p.vote(msg.PaxosID, vote, msg.Acceptors)
}

// vote drives the local proposer for paxosID in a separate goroutine: a
// Propose round is a network round-trip (even against in-process
// acceptors, a real Transport would make it one), and actor handlers
// must never block waiting on it (pkg/actor's "must not block on I/O").
// The outcome needs no further action here: it reaches the TM/RTMs
// through the acceptor's AcceptedNotify -> Learner path, not through this
// call's return value.
func (p *TP) vote(paxosID wire.PaxosID, value wire.Decision, acceptors []actor.PID) {
	if p.proposer == nil {
		return
	}
	go func() {
		if _, err := p.proposer.Propose(context.Background(), paxosID, value, acceptors); err != nil {
			p.log.Debugw("paxos round preempted voting for commit", "paxos_id", paxosID, "err", err)
		}
	}()
}

// onCommitReply implements spec.md §4.3 step 5: apply the write on
// commit, release locks on abort, for every session this node holds
// under the transaction (a node may host more than one replica of the
// same transaction's keys). A tx_id with no matching session yet is the
// late-registration race: the decision is cached so the eventual
// init_TP resolves immediately instead of voting on a transaction that
// has already finished.
func (p *TP) onCommitReply(msg wire.TxCommitReply) {
	p.mu.Lock()
	sessions, ok := p.sessionsByTx[msg.TxID]
	if !ok {
		p.pendingDecisions[msg.TxID] = msg.Decision
		p.mu.Unlock()
		return
	}
	delete(p.sessionsByTx, msg.TxID)
	for _, sess := range sessions {
		delete(p.sessionsByItem, sess.itemID)
	}
	p.mu.Unlock()

	for _, sess := range sessions {
		p.applyOrRelease(sess, msg.Decision)
	}
}

func (p *TP) applyOrRelease(sess *session, decision wire.Decision) {
	if sess.resolved {
		return
	}
	sess.resolved = true
	p.applyOrReleaseKey(sess.key, sess.op, sess.value, decision)
}

// applyOrReleaseKey is the shared commit/abort tail for both the normal
// path (a resolved session) and the late-init_TP race (no session was
// ever built, so there is nothing to mark resolved). Release calls are
// safe to issue even when no lock was ever taken, per
// pkg/replicastore's idempotent Release*.
func (p *TP) applyOrReleaseKey(key string, op tlog.Op, value []byte, decision wire.Decision) {
	if decision == wire.Commit && op == tlog.OpWrite {
		p.store.ApplyWrite(key, value)
		return
	}
	if op == tlog.OpWrite {
		p.store.ReleaseWrite(key)
	} else {
		p.store.ReleaseRead(key)
	}
}

func (p *TP) send(to actor.PID, msg any) {
	if p.Base == nil {
		return
	}
	p.Base.Send(to, msg)
}

func (p *TP) selfPID() actor.PID {
	if p.Base == nil {
		return ""
	}
	return p.Base.PID
}
