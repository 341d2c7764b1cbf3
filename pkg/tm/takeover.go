package tm

import (
	"context"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// backlogThreshold is the mailbox depth past which onTidIsDone re-defers
// rather than triggering takeover, per spec.md §5: "if the queue backlog
// is heavy... the handler re-defers."
const backlogThreshold = 64

// onInitRTM reconstructs this RTM's local view of a transaction from the
// TM's broadcast InitRTM message (spec.md §6's `{init_RTM, tx_state,
// item_states, role_index}`). Only valid at a standby (RoleIndex > 0);
// the TM itself never receives this message.
func (t *TM) onInitRTM(msg wire.InitRTM) {
	t.mu.Lock()
	defer t.mu.Unlock()

	itemIDs := make([]wire.ItemID, len(msg.Items))
	for i, wi := range msg.Items {
		itemIDs[i] = wi.ItemID
	}

	txState := newTxState(msg.TxID, msg.Client, msg.ClientsID, t.PID, itemIDs)
	txState.RTMs = msg.RTMs
	t.txs[msg.TxID] = txState

	for _, wi := range msg.Items {
		slates := make([]PaxRTLogTP, len(wi.Slates))
		for j, ws := range wi.Slates {
			slates[j] = PaxRTLogTP{PaxosID: ws.PaxosID, Node: ws.Node, Acceptor: ws.Acceptor, RTLog: wi.Entry}
			t.paxosItems[ws.PaxosID] = wi.ItemID
		}
		item := newItemState(wi.ItemID, msg.TxID, wi.Entry, slates)
		t.items[wi.ItemID] = item
		item.Status = StatusOK
		t.drainItemHoldBack(item)
	}
	txState.Status = StatusOK
	t.drainTxHoldBack(txState)
}

// onTidIsDone handles the ~2x-tx_timeout delayed self-message every
// transaction arms at Commit time (spec.md §5). A heavy mailbox backlog
// re-defers rather than triggering takeover, since a backlog this actor
// is still working through is not evidence the TM actually crashed.
func (t *TM) onTidIsDone(txID string) {
	t.mu.Lock()
	tx, ok := t.txs[txID]
	decided := !ok || tx.Decision != wire.Undecided
	t.mu.Unlock()
	if decided {
		return // already GC'd or already decided: nothing to take over
	}

	if t.Base != nil && t.Base.Mailbox.Len() > backlogThreshold {
		t.Base.DelaySelf(2*t.cfg.TxTimeout, wire.TidIsDone{TxID: txID})
		return
	}

	_ = t.Takeover(context.Background(), txID)
}

// Takeover is the RTM-driven takeover procedure of spec.md §4.2: select
// this RTM's own role index as the Paxos round seed, repoint the local
// learner's decisions at this TM/RTM, then drive a proposer with value
// Abort for every key replica of each still-undecided item, recording
// each value Propose returns directly through LearnerDecide. No learner
// subscription is registered with the acceptors. Paxos safety guarantees any already-accepted value survives
// (pkg/paxos.TestTakeoverProposerAdoptsAlreadyAcceptedValue exercises
// this directly at the consensus layer).
func (t *TM) Takeover(ctx context.Context, txID string) error {
	t.mu.Lock()
	tx, ok := t.txs[txID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownTx
	}
	if tx.Decision != wire.Undecided {
		t.mu.Unlock()
		return nil
	}

	var selfPID actor.PID
	if t.Base != nil {
		selfPID = t.Base.PID
	}
	t.learner.Reseed(selfPID)

	pending := make([]*ItemState, 0, len(tx.Items))
	for _, itemID := range tx.Items {
		item, ok := t.items[itemID]
		if ok && item.Decision == wire.Undecided {
			pending = append(pending, item)
		}
	}
	t.mu.Unlock()

	if t.proposer == nil || len(pending) == 0 {
		return nil
	}
	if t.metrics != nil {
		t.metrics.TakeoversStarted.Inc()
	}

	for _, item := range pending {
		acceptors := make([]actor.PID, len(item.Slates))
		for j, s := range item.Slates {
			acceptors[j] = s.Acceptor
		}
		for _, slate := range item.Slates {
			decided, err := t.proposer.Propose(ctx, slate.PaxosID, wire.Abort, acceptors)
			if err != nil {
				t.log.Debugw("tm: takeover propose failed, will retry on next tid_isdone", "tx_id", txID, "paxos_id", slate.PaxosID, "error", err)
				continue
			}
			_ = t.LearnerDecide(wire.LearnerDecide{ItemID: item.ItemID, PaxosID: slate.PaxosID, Decision: decided})
			if t.metrics != nil {
				t.metrics.TakeoversResolved.Inc()
			}
		}
	}

	if t.Base != nil {
		t.Base.DelaySelf(2*t.cfg.TxTimeout, wire.TidIsDone{TxID: txID})
	}
	return nil
}
