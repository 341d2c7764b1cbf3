// Package tm implements the transaction manager / replicated transaction
// manager (TM/RTM) state machine of spec.md §4.2: the role that drives a
// commit to its Paxos-Commit decision, differentiated from its standbys
// only by role index (spec.md §4.2, §9), grounded on
// pkg/distributed/two_phase_commit.go's Coordinator (fan-out Prepare/
// Commit/Abort over a WaitGroup + channel, state-machine-guarded public
// methods) generalized from one in-process 2PC round to a
// replicated, actor-driven Paxos-Commit one.
package tm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/config"
	"github.com/mnohosten/chordcommit/pkg/fd"
	"github.com/mnohosten/chordcommit/pkg/metrics"
	"github.com/mnohosten/chordcommit/pkg/paxos"
	"github.com/mnohosten/chordcommit/pkg/ring"
	"github.com/mnohosten/chordcommit/pkg/tlog"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// ErrInitializing is returned by Commit while fewer RTMs are known than
// the threshold Initializing computes (the lesser of cfg.MinRTMs and
// ReplicationFactor-1): spec.md §4.5's "initialization handler" that
// refuses new commits until RTM membership is restored. The commit is not
// forwarded to another TM; pkg/client reports this error to its caller
// as {fail, timeout}.
var ErrInitializing = fmt.Errorf("tm: fewer than MinRTMs known, refusing new commits")

// ErrUnknownTx is returned when a message names a tx_id this TM/RTM has
// no record of (neither in flight nor held back — a genuinely unknown
// id, as opposed to one merely not yet promoted past StatusNew).
var ErrUnknownTx = fmt.Errorf("tm: unknown tx_id")

// TM is the transaction manager / replicated transaction manager actor.
// RoleIndex 0 is the TM proper (the unique leader for commits it
// originates); RoleIndex 1..R-1 are RTM standbys colocated on the TM's
// own replica ring positions. Both run this exact same type — only
// RoleIndex, and therefore which operations are legal, differs.
type TM struct {
	*actor.Base

	cfg        *config.Config
	roleIndex  int
	selfRingKey string

	router      ring.Router
	replicaKeys ring.ReplicaKeyFunc
	directory   fd.Directory
	detector    *fd.RefCountingDetector

	acceptorPID actor.PID // this node's local acceptor
	learner     *paxos.Learner
	proposer    *paxos.Proposer
	metrics     *metrics.Metrics // nil-safe: every call site guards it

	log *zap.SugaredLogger

	mu         sync.Mutex
	txs        map[string]*TxState
	items      map[wire.ItemID]*ItemState
	paxosItems map[wire.PaxosID]wire.ItemID // resolves a learner decision's bare PaxosID back to its item

	knownRTMs []actor.PID // cached roster from the last directory lookup

	refreshStop chan struct{}
	refreshWG   sync.WaitGroup

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// New creates a TM/RTM at roleIndex (0 for the TM proper) for the node
// whose own ring key is selfRingKey, so it can discover its own RTM
// standbys via directory lookups on that key.
func New(base *actor.Base, cfg *config.Config, roleIndex int, selfRingKey string, router ring.Router, replicaKeys ring.ReplicaKeyFunc, directory fd.Directory, detector *fd.RefCountingDetector, acceptorPID actor.PID) *TM {
	logger := zap.NewNop().Sugar()
	if base != nil {
		logger = base.Log
	}
	tmInstance := &TM{
		Base:        base,
		cfg:         cfg,
		roleIndex:   roleIndex,
		selfRingKey: selfRingKey,
		router:      router,
		replicaKeys: replicaKeys,
		directory:   directory,
		detector:    detector,
		acceptorPID: acceptorPID,
		log:         logger,
		txs:         make(map[string]*TxState),
		items:       make(map[wire.ItemID]*ItemState),
		paxosItems:  make(map[wire.PaxosID]wire.ItemID),
	}
	var selfPID actor.PID
	if base != nil {
		selfPID = base.PID
	}
	tmInstance.learner = paxos.NewLearner(base, cfg.Quorum(), selfPID)
	return tmInstance
}

// SetProposer installs the Proposer this TM/RTM drives takeovers with. It
// is separate from New because a Proposer needs an AcceptorClient whose
// construction (direct vs. transport-routed) is a deployment concern,
// not a TM concern.
func (t *TM) SetProposer(p *paxos.Proposer) {
	t.proposer = p
}

// SetMetrics installs the Metrics bundle this TM/RTM reports commit,
// takeover, and RTM-roster counts to. Optional: a nil metrics field is
// checked at every increment site, so a TM built without one behaves
// exactly as before metrics existed.
func (t *TM) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// RefreshRTMs re-resolves this TM's own R-1 standby positions via the
// Directory (spec.md §4.5's periodic rediscovery), entering or leaving
// initialization mode as the known count crosses the threshold described
// on Initializing.
func (t *TM) RefreshRTMs(ctx context.Context) error {
	rtms, found, err := t.directory.Lookup(ctx, t.selfRingKey)
	if err != nil {
		return fmt.Errorf("tm: refreshing RTM roster: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.RTMRediscovery.Inc()
	}
	if !found {
		t.knownRTMs = nil
		t.reportRTMGaugesLocked()
		return nil
	}
	pids := make([]actor.PID, 0, len(rtms))
	for _, r := range rtms {
		pids = append(pids, r.TM)
	}
	t.knownRTMs = pids
	t.reportRTMGaugesLocked()
	return nil
}

// StartRTMRefreshLoop begins periodically re-resolving this TM's RTM
// roster every cfg.TxRTMUpdateInterval (spec.md §4.5/§9's "periodic
// re-resolution... via unreliable lookup"), grounded on
// pkg/fd.HeartbeatOracle's ticker/stop-channel loop shape. Only
// meaningful at role index 0 (the TM proper): RTM standbys receive their
// roster wholesale from the TM's init_RTM broadcast instead. Safe to call
// at most once per TM; a second call is a no-op.
func (t *TM) StartRTMRefreshLoop() {
	if t.roleIndex != 0 || t.refreshStop != nil {
		return
	}
	t.refreshStop = make(chan struct{})
	t.refreshWG.Add(1)
	go func() {
		defer t.refreshWG.Done()
		ticker := time.NewTicker(t.cfg.TxRTMUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.RefreshRTMs(context.Background()); err != nil {
					t.log.Debugw("tm: periodic RTM refresh failed, will retry next tick", "error", err)
				}
			case <-t.refreshStop:
				return
			}
		}
	}()
}

// StopRTMRefreshLoop halts the periodic refresh loop started by
// StartRTMRefreshLoop. A no-op if the loop was never started.
func (t *TM) StopRTMRefreshLoop() {
	if t.refreshStop == nil {
		return
	}
	close(t.refreshStop)
	t.refreshWG.Wait()
}

// StartStaleIDSweepLoop begins a periodic backstop, at 3*cfg.TxTimeout,
// behind the per-transaction tid_isdone delayed self-message: a
// DelaySelf enqueue can be lost (mailbox overflow, a restarted actor)
// in a way onTidIsDone's own backlog-aware re-defer cannot detect from
// inside. The sweep re-drives onTidIsDone for every still-undecided
// TxState older than the threshold, which is idempotent against a
// tid_isdone that does eventually arrive on its own. Runs at every role
// index: both the TM and its RTM standbys own TxState entries and must
// each be able to notice their own stale ones. Safe to call at most
// once per TM; a second call is a no-op.
func (t *TM) StartStaleIDSweepLoop() {
	if t.sweepStop != nil {
		return
	}
	t.sweepStop = make(chan struct{})
	t.sweepWG.Add(1)
	go func() {
		defer t.sweepWG.Done()
		interval := 3 * t.cfg.TxTimeout
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweepStaleTxs(interval)
			case <-t.sweepStop:
				return
			}
		}
	}()
}

// StopStaleIDSweepLoop halts the loop started by StartStaleIDSweepLoop.
// A no-op if the loop was never started.
func (t *TM) StopStaleIDSweepLoop() {
	if t.sweepStop == nil {
		return
	}
	close(t.sweepStop)
	t.sweepWG.Wait()
}

// sweepStaleTxs finds every undecided TxState older than olderThan and
// re-drives onTidIsDone for each.
func (t *TM) sweepStaleTxs(olderThan time.Duration) {
	t.mu.Lock()
	var stale []string
	cutoff := time.Now().Add(-olderThan)
	for txID, tx := range t.txs {
		if tx.Decision == wire.Undecided && tx.Status == StatusOK && tx.CreatedAt.Before(cutoff) {
			stale = append(stale, txID)
		}
	}
	t.mu.Unlock()

	for _, txID := range stale {
		t.log.Debugw("tm: stale-id sweep found an undecided transaction past its deadline", "tx_id", txID)
		t.onTidIsDone(txID)
	}
}

// reportRTMGaugesLocked updates the RTM-roster and initialization gauges
// to match t.knownRTMs. Caller must hold t.mu.
func (t *TM) reportRTMGaugesLocked() {
	if t.metrics == nil {
		return
	}
	t.metrics.RTMKnownCount.Set(float64(len(t.knownRTMs)))
	threshold := t.cfg.ReplicationFactor - 1
	if t.cfg.MinRTMs < threshold {
		threshold = t.cfg.MinRTMs
	}
	if len(t.knownRTMs) < threshold {
		t.metrics.Initializing.Set(1)
	} else {
		t.metrics.Initializing.Set(0)
	}
}

// Initializing reports whether this TM currently refuses new commits for
// want of a full RTM roster (spec.md §4.5). The effective threshold is
// the lesser of cfg.MinRTMs and ReplicationFactor-1 (the most standbys a
// transaction could ever have): MinRTMs is a floor meant to catch a
// genuinely under-provisioned cluster, not a bound no small-R
// deployment could ever clear.
func (t *TM) Initializing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	threshold := t.cfg.ReplicationFactor - 1
	if t.cfg.MinRTMs < threshold {
		threshold = t.cfg.MinRTMs
	}
	return len(t.knownRTMs) < threshold
}

// Commit is the TM's public entry point (spec.md §4.2): mint tx_id and
// item_ids, create TxState/ItemStates, dispatch init_RTM to standbys and
// init_TP to every replica of every touched key, record each replica's
// paxos_id against its item, then promote to StatusOK once dispatch
// completes. The local learner is not seeded here: its per-paxos_id
// instances are created by the first accept notification it observes. A single reply is
// later delivered asynchronously to client via TxCommitReply once the
// decision is reached (Commit itself does not block on it).
func (t *TM) Commit(ctx context.Context, client actor.PID, clientsID string, log tlog.TLog) (string, error) {
	if t.roleIndex != 0 {
		return "", fmt.Errorf("tm: Commit is only valid at role index 0 (the TM), not an RTM standby")
	}
	if len(log) == 0 {
		return "", fmt.Errorf("tm: cannot commit an empty TLog")
	}
	if t.Initializing() {
		return "", ErrInitializing
	}
	if t.metrics != nil {
		t.metrics.CommitsStarted.Inc()
	}

	txID := uuid.NewString()
	itemIDs := make([]wire.ItemID, len(log))

	t.mu.Lock()
	var selfPID actor.PID
	if t.Base != nil {
		selfPID = t.Base.PID
	}
	txState := newTxState(txID, client, clientsID, selfPID, itemIDs)
	t.txs[txID] = txState

	itemStates := make([]*ItemState, len(log))
	for i, entry := range log {
		itemID := wire.ItemID{TxID: txID, Index: i}
		itemIDs[i] = itemID

		replicaKeys, err := t.replicaKeys.ReplicaKeys(ring.Key(entry.Key))
		if err != nil {
			t.mu.Unlock()
			return "", fmt.Errorf("tm: resolving replica keys for %q: %w", entry.Key, err)
		}

		slates := make([]PaxRTLogTP, len(replicaKeys))
		for j, rk := range replicaKeys {
			nodePID, err := t.router.Route(rk)
			if err != nil {
				t.mu.Unlock()
				return "", fmt.Errorf("tm: routing replica key %q: %w", rk, err)
			}
			slates[j] = PaxRTLogTP{
				PaxosID:  wire.PaxosID{TxID: txID, KeyReplica: string(rk)},
				RTLog:    entry,
				Node:     nodePID,
				Acceptor: wire.AcceptorPID(nodePID),
			}
		}

		item := newItemState(itemID, txID, entry, slates)
		t.items[itemID] = item
		itemStates[i] = item
		for _, slate := range slates {
			t.paxosItems[slate.PaxosID] = itemID
		}
	}
	txState.Status = StatusUninitialized
	for _, item := range itemStates {
		item.Status = StatusUninitialized
	}
	rtms := append([]actor.PID(nil), t.knownRTMs...)
	txState.RTMs = rtms
	t.mu.Unlock()

	for _, item := range itemStates {
		acceptors := make([]actor.PID, len(item.Slates))
		for j, s := range item.Slates {
			acceptors[j] = s.Acceptor
		}
		for _, slate := range item.Slates {
			t.send(slate.Node, wire.InitTP{
				TxID:      txID,
				RTMs:      rtms,
				Acceptors: acceptors,
				TM:        selfPID,
				RTLog:     slate.RTLog,
				ItemID:    item.ItemID,
				PaxosID:   slate.PaxosID,
			})
		}
	}
	rtmItems := make([]wire.InitRTMItem, len(itemStates))
	for i, item := range itemStates {
		wireSlates := make([]wire.InitRTMSlate, len(item.Slates))
		for j, s := range item.Slates {
			wireSlates[j] = wire.InitRTMSlate{PaxosID: s.PaxosID, Node: s.Node, Acceptor: s.Acceptor}
		}
		rtmItems[i] = wire.InitRTMItem{ItemID: item.ItemID, Entry: item.Entry, Slates: wireSlates}
	}
	for j, rtm := range rtms {
		t.send(rtm, wire.InitRTM{
			TxID:      txID,
			Client:    client,
			ClientsID: clientsID,
			RoleIndex: j + 1, // role 0 is the TM itself; standbys occupy 1..R-1
			RTMs:      rtms,
			Items:     rtmItems,
		})
	}

	t.mu.Lock()
	txState.Status = StatusOK
	t.drainTxHoldBack(txState)
	for _, item := range itemStates {
		item.Status = StatusOK
		t.drainItemHoldBack(item)
	}
	t.mu.Unlock()

	if t.Base != nil {
		t.Base.DelaySelf(2*t.cfg.TxTimeout, wire.TidIsDone{TxID: txID})
	}

	return txID, nil
}

func (t *TM) send(to actor.PID, msg any) {
	if t.Base == nil {
		return
	}
	t.Base.Send(to, msg)
}

// RegisterTP records a TP's registration (spec.md §4.3 step 3). If the
// named item is not yet StatusOK the message is held back and replayed
// on promotion (I5).
func (t *TM) RegisterTP(msg wire.RegisterTP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerTPLocked(msg)
}

func (t *TM) registerTPLocked(msg wire.RegisterTP) error {
	item, ok := t.items[msg.ItemID]
	if !ok {
		return ErrUnknownTx
	}
	if item.Status != StatusOK {
		item.HoldBack = append(item.HoldBack, msg)
		return nil
	}
	for i := range item.Slates {
		if item.Slates[i].PaxosID == msg.PaxosID {
			item.Slates[i].TP = msg.TP
			break
		}
	}
	if tx, ok := t.txs[msg.TxID]; ok {
		tx.NumTPsRegistered++
	}
	return nil
}

// LearnerDecide records one Paxos instance's decision (arriving from
// this node's local Learner) and, as soon as a quorum of an item's
// replicas agree on Prepared or on Abort, fixes the item's decision and
// cascades to the transaction decision (spec.md §4.2 decision rules,
// I2-I4).
func (t *TM) LearnerDecide(msg wire.LearnerDecide) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.learnerDecideLocked(msg)
}

func (t *TM) learnerDecideLocked(msg wire.LearnerDecide) error {
	itemID := msg.ItemID
	if itemID == (wire.ItemID{}) {
		resolved, ok := t.paxosItems[msg.PaxosID]
		if !ok {
			return ErrUnknownTx
		}
		itemID = resolved
	}

	item, ok := t.items[itemID]
	if !ok {
		return ErrUnknownTx
	}
	if item.Status != StatusOK {
		item.HoldBack = append(item.HoldBack, msg)
		return nil
	}
	if item.Decision != wire.Undecided {
		return nil // I3: decision never changes once set
	}
	if item.votedReplicas[msg.PaxosID.KeyReplica] {
		return nil // duplicate notification for a replica already counted (I2)
	}
	item.votedReplicas[msg.PaxosID.KeyReplica] = true

	switch msg.Decision {
	case wire.Prepared:
		item.NumPrepared++
	case wire.Abort:
		item.NumAbort++
	default:
		return nil
	}

	quorum := t.cfg.Quorum()
	switch {
	case item.NumPrepared >= quorum:
		item.Decision = wire.Prepared
	case item.NumAbort >= quorum:
		item.Decision = wire.Abort
	default:
		return nil
	}

	tx, ok := t.txs[item.TxID]
	if !ok {
		return ErrUnknownTx
	}
	tx.NumPaxDecided++
	if tx.Decision != wire.Undecided {
		return nil // already decided by an earlier item; I3
	}

	// abort as soon as any item aborts, rather than waiting on the rest
	// (spec.md §4.2: the tx decision re-evaluates whenever an item newly
	// decides, and is abort the moment any item is)
	if item.Decision == wire.Abort {
		tx.Decision = wire.Abort
		t.decideTxLocked(tx)
		return nil
	}

	if tx.NumPaxDecided < len(tx.Items) {
		return nil
	}

	// every item has decided and none aborted, or this would already
	// have short-circuited to abort above.
	tx.Decision = wire.Commit
	t.decideTxLocked(tx)
	return nil
}

// decideTxLocked runs the garbage-collection sequence of spec.md §4.2(d):
// commit_reply to TPs, commit_reply to the client, broadcast to RTMs,
// then a delayed learner_deleteids before the state is finally dropped.
// Must be called with t.mu held.
func (t *TM) decideTxLocked(tx *TxState) {
	if t.metrics != nil {
		if tx.Decision == wire.Commit {
			t.metrics.CommitsCommitted.Inc()
		} else {
			t.metrics.CommitsAborted.Inc()
		}
	}
	for _, itemID := range tx.Items {
		item, ok := t.items[itemID]
		if !ok {
			continue
		}
		for _, slate := range item.Slates {
			if slate.TP == "" {
				continue
			}
			t.send(slate.TP, wire.TxCommitReply{TxID: tx.TxID, ClientsID: tx.ClientsID, Decision: tx.Decision})
		}
	}

	t.send(tx.Client, wire.TxCommitReply{TxID: tx.TxID, ClientsID: tx.ClientsID, Decision: tx.Decision})

	for _, rtm := range tx.RTMs {
		t.send(rtm, wire.TxDelete{TxID: tx.TxID, Decision: tx.Decision})
	}

	if t.Base != nil {
		t.Base.DelaySelf(t.cfg.TxTimeout, deleteTx{TxID: tx.TxID})
	} else {
		t.deleteTx(tx.TxID)
	}
}

// deleteTx is this TM's own delayed self-message standing in for
// spec.md §4.2's `learner_deleteids`: by the time it fires, any learner
// traffic still in flight for tx_id has had one more timeout period to
// drain before the Paxos/item/tx state is finally dropped.
type deleteTx struct{ TxID string }

func (t *TM) deleteTx(txID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[txID]
	if !ok {
		return
	}
	for _, itemID := range tx.Items {
		if item, ok := t.items[itemID]; ok {
			for _, slate := range item.Slates {
				delete(t.paxosItems, slate.PaxosID)
			}
		}
		delete(t.items, itemID)
	}
	delete(t.txs, txID)
}

func (t *TM) drainTxHoldBack(tx *TxState) {
	held := tx.HoldBack
	tx.HoldBack = nil
	for _, msg := range held {
		t.dispatchHeldLocked(msg)
	}
}

func (t *TM) drainItemHoldBack(item *ItemState) {
	held := item.HoldBack
	item.HoldBack = nil
	for _, msg := range held {
		t.dispatchHeldLocked(msg)
	}
}

func (t *TM) dispatchHeldLocked(msg any) {
	switch m := msg.(type) {
	case wire.RegisterTP:
		_ = t.registerTPLocked(m)
	case wire.LearnerDecide:
		_ = t.learnerDecideLocked(m)
	}
}

// HandleMessage dispatches wire-level messages arriving through the
// actor mailbox.
func (t *TM) HandleMessage(msg any) {
	switch m := msg.(type) {
	case wire.RegisterTP:
		_ = t.RegisterTP(m)
	case wire.LearnerDecide:
		_ = t.LearnerDecide(m)
	case wire.TidIsDone:
		t.onTidIsDone(m.TxID)
	case deleteTx:
		t.deleteTx(m.TxID)
	case wire.TxDelete:
		// Sent by the TM to its RTMs once the transaction is decided: the
		// standby drops its copy of the transaction's state.
		t.deleteTx(m.TxID)
	case wire.ProposeYourself:
		_ = t.Takeover(context.Background(), m.TxID)
	case wire.InitRTM:
		t.onInitRTM(m)
	case paxos.AcceptedNotify:
		// The learner shares this TM/RTM's mailbox rather than running its
		// own loop, so accept notifications are routed here and handed to
		// it directly; a resulting decision self-delivers as
		// wire.LearnerDecide via the learner's own Send, handled above.
		t.learner.Observe(m.Acceptor, m.PaxosID, m.Value)
	}
}
